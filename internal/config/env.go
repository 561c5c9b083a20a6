package config

import (
	"os"
	"strconv"
)

// Environment variable names for overrides. Every config option has one.
const (
	EnvHost               = "HOST"
	EnvPort               = "PORT"
	EnvAuthUser           = "WEBDAV_AUTH_USER"
	EnvAuthPassword       = "WEBDAV_AUTH_PASSWORD"
	EnvRefreshToken       = "REFRESH_TOKEN"
	EnvClientType         = "CLIENT_TYPE"
	EnvClientID           = "CLIENT_ID"
	EnvClientSecret       = "CLIENT_SECRET"
	EnvDriveType          = "DRIVE_TYPE"
	EnvWorkdir            = "WORKDIR"
	EnvRoot               = "ROOT"
	EnvCacheSize          = "CACHE_SIZE"
	EnvCacheTTL           = "CACHE_TTL"
	EnvReadBufferSize     = "READ_BUFFER_SIZE"
	EnvUploadBufferSize   = "UPLOAD_BUFFER_SIZE"
	EnvTLSCert            = "TLS_CERT"
	EnvTLSKey             = "TLS_KEY"
	EnvStripPrefix        = "STRIP_PREFIX"
	EnvNoTrash            = "NO_TRASH"
	EnvReadOnly           = "READ_ONLY"
	EnvAutoIndex          = "AUTO_INDEX"
	EnvRedirect           = "REDIRECT"
	EnvSkipUploadSameSize = "SKIP_UPLOAD_SAME_SIZE"
	EnvPreferHTTPDownload = "PREFER_HTTP_DOWNLOAD"
	EnvDebug              = "DEBUG"
)

// ApplyEnvOverrides overlays environment variables onto cfg. Unset
// variables leave the existing values untouched; unparseable numbers and
// booleans are ignored rather than fatal.
func ApplyEnvOverrides(cfg *Config) {
	envString(EnvHost, &cfg.Host)
	envInt(EnvPort, &cfg.Port)
	envString(EnvAuthUser, &cfg.AuthUser)
	envString(EnvAuthPassword, &cfg.AuthPassword)
	envString(EnvRefreshToken, &cfg.RefreshToken)
	envString(EnvClientType, &cfg.ClientType)
	envString(EnvClientID, &cfg.ClientID)
	envString(EnvClientSecret, &cfg.ClientSecret)
	envString(EnvDriveType, &cfg.DriveType)
	envString(EnvWorkdir, &cfg.Workdir)
	envString(EnvRoot, &cfg.Root)
	envInt(EnvCacheSize, &cfg.CacheSize)
	envInt(EnvCacheTTL, &cfg.CacheTTLSeconds)
	envInt(EnvReadBufferSize, &cfg.ReadBufferSize)
	envInt(EnvUploadBufferSize, &cfg.UploadBufferSize)
	envString(EnvTLSCert, &cfg.TLSCert)
	envString(EnvTLSKey, &cfg.TLSKey)
	envString(EnvStripPrefix, &cfg.StripPrefix)
	envBool(EnvNoTrash, &cfg.NoTrash)
	envBool(EnvReadOnly, &cfg.ReadOnly)
	envBool(EnvAutoIndex, &cfg.AutoIndex)
	envBool(EnvRedirect, &cfg.Redirect)
	envBool(EnvSkipUploadSameSize, &cfg.SkipUploadSameSize)
	envBool(EnvPreferHTTPDownload, &cfg.PreferHTTPDownload)
	envBool(EnvDebug, &cfg.Debug)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
