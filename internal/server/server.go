// Package server serves a vfs.FileSystem over WebDAV: a chi router with
// basic auth, request metrics, optional 302 redirects to presigned
// download URLs, and graceful shutdown.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/webdav"
	"golang.org/x/sync/errgroup"

	"github.com/driveup/aliyundrive-webdav/internal/vfs"
)

const shutdownTimeout = 10 * time.Second

// chi only routes methods it knows about; WebDAV's extra verbs have to be
// registered before any router is built.
func init() {
	for _, method := range []string{
		"COPY", "LOCK", "MKCOL", "MOVE", "PROPFIND", "PROPPATCH", "UNLOCK",
	} {
		chi.RegisterMethod(method)
	}
}

// Config holds the listener and behavior options of the WebDAV server.
type Config struct {
	Host string
	Port int

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string
	TLSKey  string

	// AuthUser and AuthPassword enable basic auth when both are set.
	AuthUser     string
	AuthPassword string

	// AutoIndex renders an HTML listing for GETs on directories.
	AutoIndex bool

	// Redirect answers file GETs with a 302 to the presigned URL instead
	// of proxying the bytes.
	Redirect bool

	// StripPrefix is a leading path segment removed from request URLs
	// before resolving, for deployments behind a reverse proxy that
	// mounts the server under a sub-path.
	StripPrefix string
}

// Server is a WebDAV server over a FileSystem.
type Server struct {
	config Config
	fs     *vfs.FileSystem
	dav    *webdav.Handler
	logger *slog.Logger
	http   *http.Server
}

// New builds a Server. The lock system is in-memory; locks do not survive
// a restart.
func New(fs *vfs.FileSystem, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	if config.StripPrefix != "" {
		config.StripPrefix = "/" + strings.Trim(config.StripPrefix, "/")
		if config.StripPrefix == "/" {
			config.StripPrefix = ""
		}
	}

	s := &Server{
		config: config,
		fs:     fs,
		logger: logger,
	}

	s.dav = &webdav.Handler{
		Prefix:     config.StripPrefix,
		FileSystem: fs,
		LockSystem: webdav.NewMemLS(),
		Logger:     s.logDAVError,
	}

	router := chi.NewRouter()
	router.Use(s.observeRequests)

	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		if config.AuthUser != "" {
			r.Use(s.basicAuth)
		}

		r.Handle("/*", http.HandlerFunc(s.serveDAV))
	})

	s.http = &http.Server{
		Addr:              net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
	}

	return s
}

// Serve runs the listener until ctx is canceled, then drains in-flight
// requests for up to shutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("listening",
			slog.String("addr", s.http.Addr),
			slog.Bool("tls", s.config.TLSCert != ""),
		)

		var err error
		if s.config.TLSCert != "" {
			err = s.http.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			err = s.http.ListenAndServe()
		}

		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("server: listening on %s: %w", s.http.Addr, err)
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}

		return nil
	})

	return g.Wait()
}

func (s *Server) logDAVError(r *http.Request, err error) {
	if err == nil {
		return
	}

	s.logger.Debug("webdav request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}

// serveDAV dispatches one request. COPY is handled here so it becomes a
// server-side copy instead of a download/re-upload round trip; GET gains
// the redirect and auto-index behaviors; PUT carries its declared size and
// checksum to OpenFile through the context.
func (s *Server) serveDAV(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "COPY":
		s.handleCopy(w, r)

		return
	case http.MethodGet, http.MethodHead:
		// Neither behavior configured means no reason to resolve the
		// path twice; let the handler below do the single lookup.
		if (s.config.AutoIndex || s.config.Redirect) && s.handleGet(w, r) {
			return
		}
	case http.MethodPut:
		ctx := vfs.WithUploadHint(r.Context(), r.ContentLength, r.Header.Get("OC-Checksum"))
		r = r.WithContext(ctx)
	}

	s.dav.ServeHTTP(w, r)
}

// handleGet serves the redirect and auto-index cases. It reports whether
// the request was fully handled.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) bool {
	fsPath, ok := s.stripPrefix(r.URL.Path)
	if !ok {
		return false
	}

	info, err := s.fs.Stat(r.Context(), fsPath)
	if err != nil {
		return false
	}

	if info.IsDir() {
		if s.config.AutoIndex && r.Method == http.MethodGet {
			s.serveIndex(w, r, fsPath)

			return true
		}

		return false
	}

	if !s.config.Redirect {
		return false
	}

	url, err := s.fs.DownloadURL(r.Context(), fsPath)
	if err != nil || url == "" {
		// Live Photo containers have no single URL; proxy them instead.
		return false
	}

	http.Redirect(w, r, url, http.StatusFound)

	return true
}

// handleCopy performs a server-side COPY per RFC 4918: the Destination
// header names the target, Overwrite defaults to allowed.
func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	src, ok := s.stripPrefix(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)

		return
	}

	dst, err := parseDestination(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	dst, ok = s.stripPrefix(dst)
	if !ok {
		// A destination on a different mount is another server's problem.
		http.Error(w, "destination outside served prefix", http.StatusBadGateway)

		return
	}

	overwrite := r.Header.Get("Overwrite") != "F"

	if err := s.fs.Copy(r.Context(), src, dst, overwrite); err != nil {
		writeFSError(w, err)

		return
	}

	w.WriteHeader(http.StatusCreated)
}

// stripPrefix removes the configured prefix from a request path. It
// reports false when a prefix is configured and the path lies outside it.
func (s *Server) stripPrefix(p string) (string, bool) {
	prefix := s.config.StripPrefix
	if prefix == "" {
		return p, true
	}

	if rest := strings.TrimPrefix(p, prefix); len(rest) < len(p) {
		if rest == "" {
			rest = "/"
		}

		return rest, true
	}

	return p, false
}

// basicAuth enforces the configured credential pair with constant-time
// comparison.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()

		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.config.AuthUser)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.config.AuthPassword)) == 1

		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="aliyundrive-webdav"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// observeRequests logs each request and records it in the request counter.
func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		requestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()

		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
