// Package vfs exposes an Aliyun Drive as a WebDAV filesystem: path
// resolution with a bounded TTL directory cache, per-open read/write state
// against presigned URLs, and the adapter the WebDAV handler consumes.
package vfs

import (
	gopath "path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// normalizePath cleans a request path into the canonical absolute form:
// NFC-normalized, forward slashes, no trailing slash except for the root.
// Normalizing twice is a no-op.
func normalizePath(p string) string {
	p = norm.NFC.String(p)

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	p = gopath.Clean(p)
	if p == "." {
		p = "/"
	}

	return p
}

// rootedPath normalizes a request path and anchors it under the configured
// virtual root. Paths already below the root pass through unchanged.
func rootedPath(root, p string) string {
	p = normalizePath(p)

	if root == "" || root == "/" {
		return p
	}

	if p == root || strings.HasPrefix(p, root+"/") {
		return p
	}

	if p == "/" {
		return root
	}

	return gopath.Join(root, p)
}

// parentPath returns the parent directory of a normalized path. The root is
// its own parent.
func parentPath(p string) string {
	if p == "/" {
		return "/"
	}

	return gopath.Dir(p)
}

// baseName returns the final segment of a normalized path.
func baseName(p string) string {
	return gopath.Base(p)
}

// splitSegments returns a normalized path's segments, nil for the root.
func splitSegments(p string) []string {
	if p == "/" {
		return nil
	}

	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// isMacJunk reports whether a basename is macOS metadata spam that should
// never be uploaded.
func isMacJunk(name string) bool {
	return name == ".DS_Store" || strings.HasPrefix(name, "._")
}
