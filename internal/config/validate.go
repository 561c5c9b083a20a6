package config

import (
	"errors"
	"fmt"
)

// Validate checks invariants on a resolved Config.
func Validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}

	if (cfg.AuthUser == "") != (cfg.AuthPassword == "") {
		return errors.New("auth_user and auth_password must be set together")
	}

	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}

	if cfg.ClientType != "web" && cfg.ClientType != "app" {
		return fmt.Errorf("client_type %q must be web or app", cfg.ClientType)
	}

	if (cfg.ClientID == "") != (cfg.ClientSecret == "") {
		return errors.New("client_id and client_secret must be set together")
	}

	switch cfg.DriveType {
	case "default", "backup", "resource":
	default:
		return fmt.Errorf("drive_type %q must be default, backup, or resource", cfg.DriveType)
	}

	if cfg.CacheSize < 1 {
		return fmt.Errorf("cache_size %d must be positive", cfg.CacheSize)
	}

	if cfg.CacheTTLSeconds < 1 {
		return fmt.Errorf("cache_ttl %d must be positive", cfg.CacheTTLSeconds)
	}

	if cfg.ReadBufferSize < 1 {
		return fmt.Errorf("read_buffer_size %d must be positive", cfg.ReadBufferSize)
	}

	if cfg.UploadBufferSize < 1 {
		return fmt.Errorf("upload_buffer_size %d must be positive", cfg.UploadBufferSize)
	}

	return nil
}
