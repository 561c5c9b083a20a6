package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file over the defaults. Unknown keys
// are fatal: silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}

	return cfg, nil
}

// Resolve produces the effective configuration: defaults, then the config
// file if one is named or the default path exists, then environment
// variables. The result is validated.
func Resolve(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}

		cfg = loaded
	} else if _, err := os.Stat(DefaultConfigPath()); err == nil {
		loaded, loadErr := Load(DefaultConfigPath())
		if loadErr != nil {
			return nil, loadErr
		}

		cfg = loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking config file: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
