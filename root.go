package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/driveup/aliyundrive-webdav/internal/config"
	"github.com/driveup/aliyundrive-webdav/internal/drive"
	"github.com/driveup/aliyundrive-webdav/internal/server"
	"github.com/driveup/aliyundrive-webdav/internal/vfs"
)

// version is set at build time via ldflags.
var version = "dev"

// Flag values, bound in newRootCmd(). Flags the user did not set are
// ignored in favor of the config file and environment.
var (
	flagConfigPath         string
	flagHost               string
	flagPort               int
	flagAuthUser           string
	flagAuthPassword       string
	flagRefreshToken       string
	flagClientType         string
	flagClientID           string
	flagClientSecret       string
	flagDriveType          string
	flagWorkdir            string
	flagRoot               string
	flagCacheSize          int
	flagCacheTTL           int
	flagReadBufSize        int
	flagUploadBufSize      int
	flagTLSCert            string
	flagTLSKey             string
	flagStripPrefix        string
	flagNoTrash            bool
	flagReadOnly           bool
	flagAutoIndex          bool
	flagRedirect           bool
	flagSkipUploadSameSize bool
	flagPreferHTTP         bool
	flagDebug              bool
)

// newRootCmd builds the root command. Running it starts the server; there
// are no subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "aliyundrive-webdav",
		Short:   "WebDAV server for Aliyun Drive",
		Long:    "Serves an Aliyun Drive account over WebDAV with directory caching and streaming uploads.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&flagConfigPath, "config", "", "config file path")
	flags.StringVar(&flagHost, "host", config.DefaultHost, "listen host")
	flags.IntVarP(&flagPort, "port", "p", config.DefaultPort, "listen port")
	flags.StringVarP(&flagAuthUser, "auth-user", "U", "", "WebDAV auth user")
	flags.StringVarP(&flagAuthPassword, "auth-password", "W", "", "WebDAV auth password")
	flags.StringVarP(&flagRefreshToken, "refresh-token", "r", "", "Aliyun Drive refresh token")
	flags.StringVar(&flagClientType, "client-type", config.DefaultClientType, "refresh token client type (web or app)")
	flags.StringVar(&flagClientID, "client-id", "", "OAuth client id of a registered application")
	flags.StringVar(&flagClientSecret, "client-secret", "", "OAuth client secret of a registered application")
	flags.StringVar(&flagDriveType, "drive-type", config.DefaultDriveType, "drive to serve (default, backup, or resource)")
	flags.StringVar(&flagWorkdir, "workdir", config.DefaultWorkdir(), "directory for the persisted refresh token")
	flags.StringVar(&flagRoot, "root", config.DefaultRoot, "remote directory served as the WebDAV root")
	flags.IntVar(&flagCacheSize, "cache-size", config.DefaultCacheSize, "directory cache size")
	flags.IntVar(&flagCacheTTL, "cache-ttl", config.DefaultCacheTTLSeconds, "directory cache expiration time in seconds")
	flags.IntVarP(&flagReadBufSize, "read-buffer-size", "S", config.DefaultReadBufferSize, "bytes per ranged download request")
	flags.IntVar(&flagUploadBufSize, "upload-buffer-size", config.DefaultUploadBufferSize, "upload chunk size in bytes")
	flags.StringVar(&flagTLSCert, "tls-cert", "", "TLS certificate file path")
	flags.StringVar(&flagTLSKey, "tls-key", "", "TLS private key file path")
	flags.StringVar(&flagStripPrefix, "strip-prefix", "", "prefix stripped from request paths before resolving")
	flags.BoolVar(&flagNoTrash, "no-trash", false, "delete permanently instead of trashing")
	flags.BoolVar(&flagReadOnly, "read-only", false, "refuse all modification requests")
	flags.BoolVarP(&flagAutoIndex, "auto-index", "I", false, "render HTML listings for directory GETs")
	flags.BoolVar(&flagRedirect, "redirect", false, "redirect file GETs to the storage URL instead of proxying")
	flags.BoolVar(&flagSkipUploadSameSize, "skip-upload-same-size", false, "skip uploads whose size matches the existing file")
	flags.BoolVar(&flagPreferHTTP, "prefer-http-download", false, "rewrite download URLs from https to http")
	flags.BoolVar(&flagDebug, "debug", false, "enable debug logging")

	return cmd
}

// resolveConfig layers the override chain: defaults, config file,
// environment, then explicitly-set CLI flags.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Resolve(flagConfigPath)
	if err != nil {
		return nil, err
	}

	set := cmd.Flags().Changed

	if set("host") {
		cfg.Host = flagHost
	}

	if set("port") {
		cfg.Port = flagPort
	}

	if set("auth-user") {
		cfg.AuthUser = flagAuthUser
	}

	if set("auth-password") {
		cfg.AuthPassword = flagAuthPassword
	}

	if set("refresh-token") {
		cfg.RefreshToken = flagRefreshToken
	}

	if set("client-type") {
		cfg.ClientType = flagClientType
	}

	if set("client-id") {
		cfg.ClientID = flagClientID
	}

	if set("client-secret") {
		cfg.ClientSecret = flagClientSecret
	}

	if set("drive-type") {
		cfg.DriveType = flagDriveType
	}

	if set("workdir") {
		cfg.Workdir = flagWorkdir
	}

	if set("root") {
		cfg.Root = flagRoot
	}

	if set("cache-size") {
		cfg.CacheSize = flagCacheSize
	}

	if set("cache-ttl") {
		cfg.CacheTTLSeconds = flagCacheTTL
	}

	if set("read-buffer-size") {
		cfg.ReadBufferSize = flagReadBufSize
	}

	if set("upload-buffer-size") {
		cfg.UploadBufferSize = flagUploadBufSize
	}

	if set("tls-cert") {
		cfg.TLSCert = flagTLSCert
	}

	if set("tls-key") {
		cfg.TLSKey = flagTLSKey
	}

	if set("strip-prefix") {
		cfg.StripPrefix = flagStripPrefix
	}

	if set("no-trash") {
		cfg.NoTrash = flagNoTrash
	}

	if set("read-only") {
		cfg.ReadOnly = flagReadOnly
	}

	if set("auto-index") {
		cfg.AutoIndex = flagAutoIndex
	}

	if set("redirect") {
		cfg.Redirect = flagRedirect
	}

	if set("skip-upload-same-size") {
		cfg.SkipUploadSameSize = flagSkipUploadSameSize
	}

	if set("prefer-http-download") {
		cfg.PreferHTTPDownload = flagPreferHTTP
	}

	if set("debug") {
		cfg.Debug = flagDebug
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// serve wires the drive client, filesystem, and HTTP server together and
// runs until the context cancels.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := buildLogger(cfg.Debug)

	clientType, err := drive.ParseClientType(cfg.ClientType)
	if err != nil {
		return err
	}

	ctx = shutdownContext(ctx, logger)

	d, err := drive.New(ctx, drive.Config{
		Workdir:      cfg.Workdir,
		ClientType:   clientType,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		DriveType:    cfg.DriveType,
	}, cfg.RefreshToken, logger)
	if err != nil {
		if errors.Is(err, drive.ErrNoCredential) {
			return fmt.Errorf(
				"no refresh token: pass --refresh-token, set %s, or add refresh_token to the config file",
				config.EnvRefreshToken,
			)
		}

		return err
	}

	fs := vfs.New(d, vfs.Options{
		Root:               cfg.Root,
		CacheSize:          cfg.CacheSize,
		CacheTTL:           time.Duration(cfg.CacheTTLSeconds) * time.Second,
		ReadBufferSize:     cfg.ReadBufferSize,
		UploadBufferSize:   cfg.UploadBufferSize,
		NoTrash:            cfg.NoTrash,
		ReadOnly:           cfg.ReadOnly,
		SkipUploadSameSize: cfg.SkipUploadSameSize,
		PreferHTTPDownload: cfg.PreferHTTPDownload,
	}, logger)

	flushOnHangup(ctx, fs, logger)

	srv := server.New(fs, server.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		TLSCert:      cfg.TLSCert,
		TLSKey:       cfg.TLSKey,
		AuthUser:     cfg.AuthUser,
		AuthPassword: cfg.AuthPassword,
		AutoIndex:    cfg.AutoIndex,
		Redirect:     cfg.Redirect,
		StripPrefix:  cfg.StripPrefix,
	}, logger)

	return srv.Serve(ctx)
}

// buildLogger creates the process logger: human-readable text on a
// terminal, JSON when output is redirected.
func buildLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
