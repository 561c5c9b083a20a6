// Package tokenfile handles reading and writing the persisted refresh token.
// The on-disk format is a single line, `<client_type>:<refresh_token>` —
// bare tokens without a prefix are accepted and imply the web client type.
// This is a leaf package imported by both config/ and drive/.
package tokenfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FilePerms restricts the token file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the working directory.
const DirPerms = 0o700

// FileName is the name of the token file inside the working directory.
const FileName = "refresh_token"

// Load reads the saved refresh token from workdir. Returns the client type
// prefix (empty for bare tokens) and the token. Returns ("", "", nil) if the
// file does not exist.
func Load(workdir string) (clientType, token string, err error) {
	path := filepath.Join(workdir, FileName)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", nil
	}

	if err != nil {
		return "", "", fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	return Parse(strings.TrimSpace(string(data)))
}

// Parse splits a stored token value into its client type prefix and the
// refresh token itself. A value without a prefix is a bare web token.
func Parse(value string) (clientType, token string, err error) {
	if value == "" {
		return "", "", nil
	}

	if prefix, rest, found := strings.Cut(value, ":"); found {
		switch prefix {
		case "web", "app":
			return prefix, rest, nil
		default:
			return "", "", fmt.Errorf("tokenfile: unknown client type %q", prefix)
		}
	}

	return "", value, nil
}

// Save writes the refresh token to workdir atomically (write-to-temp +
// rename) with 0600 permissions. Never logs token values.
func Save(workdir, clientType, token string) error {
	if mkErr := os.MkdirAll(workdir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", workdir, mkErr)
	}

	value := token
	if clientType != "" {
		value = clientType + ":" + token
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(workdir, ".refresh_token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing temp file: %w", err)
	}

	path := filepath.Join(workdir, FileName)
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming %s: %w", tmpPath, err)
	}

	success = true

	return nil
}
