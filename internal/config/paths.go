package config

import "path/filepath"

// DefaultConfigPath returns the default config file location,
// <workdir>/config.toml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultWorkdir(), "config.toml")
}
