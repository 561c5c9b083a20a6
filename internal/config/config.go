// Package config implements TOML configuration loading and validation for
// aliyundrive-webdav. Settings resolve through a three-layer override chain
// (defaults -> config file -> environment), with CLI flags applied last by
// the command layer.
package config

// Config is the top-level configuration parsed from a TOML file. Every
// field has a working default; a config file is optional.
type Config struct {
	// Host and Port form the listen address.
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// AuthUser and AuthPassword enable WebDAV basic auth. Both must be
	// set together.
	AuthUser     string `toml:"auth_user"`
	AuthPassword string `toml:"auth_password"`

	// RefreshToken seeds authentication on first run. Afterwards the
	// rotated token persisted under Workdir takes precedence when the
	// configured one has gone stale.
	RefreshToken string `toml:"refresh_token"`

	// ClientType selects the refresh endpoint: "web" or "app".
	ClientType string `toml:"client_type"`

	// ClientID and ClientSecret identify a registered OAuth application.
	// When set they accompany every token refresh; the built-in web and
	// app endpoints work without them.
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`

	// DriveType picks which of the account's drives to serve: "default",
	// "backup", or "resource".
	DriveType string `toml:"drive_type"`

	// Workdir holds the persisted refresh token.
	Workdir string `toml:"workdir"`

	// Root is the remote directory served as the WebDAV root.
	Root string `toml:"root"`

	// CacheSize and CacheTTLSeconds bound the directory listing cache.
	CacheSize       int `toml:"cache_size"`
	CacheTTLSeconds int `toml:"cache_ttl"`

	// ReadBufferSize is the bytes fetched per ranged download request.
	// UploadBufferSize is the multi-part upload chunk size.
	ReadBufferSize   int `toml:"read_buffer_size"`
	UploadBufferSize int `toml:"upload_buffer_size"`

	// TLSCert and TLSKey enable HTTPS. Both must be set together.
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// StripPrefix is a leading path segment removed from request URLs
	// before resolving, for reverse proxies that mount the server under
	// a sub-path.
	StripPrefix string `toml:"strip_prefix"`

	NoTrash            bool `toml:"no_trash"`
	ReadOnly           bool `toml:"read_only"`
	AutoIndex          bool `toml:"auto_index"`
	Redirect           bool `toml:"redirect"`
	SkipUploadSameSize bool `toml:"skip_upload_same_size"`
	PreferHTTPDownload bool `toml:"prefer_http_download"`

	Debug bool `toml:"debug"`
}
