package vfs

import (
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v2"

	"github.com/driveup/aliyundrive-webdav/internal/drive"
)

// Directory cache defaults.
const (
	DefaultCacheSize = 1000
	DefaultCacheTTL  = 600 * time.Second
)

// dirCache maps a normalized directory path to its child entries. Entries
// live at most the configured TTL; the total entry count is bounded with
// approximate-LRU eviction. Safe for concurrent use.
type dirCache struct {
	inner *ttlcache.Cache
}

func newDirCache(size int, ttl time.Duration) *dirCache {
	if size <= 0 {
		size = DefaultCacheSize
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	c := ttlcache.NewCache()
	_ = c.SetTTL(ttl)
	c.SetCacheSizeLimit(size)
	c.SkipTTLExtensionOnHit(true)

	return &dirCache{inner: c}
}

// Get returns the cached children of a directory, if present and fresh.
func (c *dirCache) Get(path string) ([]drive.File, bool) {
	v, err := c.inner.Get(path)
	if err != nil {
		if !errors.Is(err, ttlcache.ErrNotFound) {
			return nil, false
		}

		return nil, false
	}

	files, ok := v.([]drive.File)

	return files, ok
}

// Set stores a directory's children. Concurrent writers for the same key
// are permitted — the last one wins.
func (c *dirCache) Set(path string, files []drive.File) {
	_ = c.inner.Set(path, files)
}

// Invalidate drops one directory's entry.
func (c *dirCache) Invalidate(path string) {
	_ = c.inner.Remove(path)
}

// InvalidateParent drops the entry of a path's parent directory.
func (c *dirCache) InvalidateParent(path string) {
	c.Invalidate(parentPath(path))
}

// InvalidateAll flushes the whole cache.
func (c *dirCache) InvalidateAll() {
	_ = c.inner.Purge()
}
