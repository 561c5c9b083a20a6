package config

import (
	"os"
	"path/filepath"
)

// Defaults mirror the buffer and cache sizes the drive and vfs layers use.
const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 8080
	DefaultClientType       = "web"
	DefaultDriveType        = "default"
	DefaultRoot             = "/"
	DefaultCacheSize        = 1000
	DefaultCacheTTLSeconds  = 600
	DefaultReadBufferSize   = 10 * 1024 * 1024
	DefaultUploadBufferSize = 16 * 1024 * 1024
)

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Host:             DefaultHost,
		Port:             DefaultPort,
		ClientType:       DefaultClientType,
		DriveType:        DefaultDriveType,
		Workdir:          DefaultWorkdir(),
		Root:             DefaultRoot,
		CacheSize:        DefaultCacheSize,
		CacheTTLSeconds:  DefaultCacheTTLSeconds,
		ReadBufferSize:   DefaultReadBufferSize,
		UploadBufferSize: DefaultUploadBufferSize,
	}
}

// DefaultWorkdir returns the default token persistence directory,
// ~/.aliyundrive-webdav, falling back to the current directory when the
// home directory cannot be determined.
func DefaultWorkdir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aliyundrive-webdav"
	}

	return filepath.Join(home, ".aliyundrive-webdav")
}
