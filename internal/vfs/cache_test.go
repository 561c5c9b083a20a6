package vfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveup/aliyundrive-webdav/internal/drive"
)

func TestDirCacheRoundTrip(t *testing.T) {
	c := newDirCache(10, time.Minute)

	_, ok := c.Get("/a")
	assert.False(t, ok)

	files := []drive.File{{Name: "x", ID: "f1"}}
	c.Set("/a", files)

	got, ok := c.Get("/a")
	require.True(t, ok)
	assert.Equal(t, files, got)
}

func TestDirCacheInvalidate(t *testing.T) {
	c := newDirCache(10, time.Minute)
	c.Set("/a", nil)
	c.Set("/a/b", []drive.File{{Name: "x"}})

	c.Invalidate("/a/b")
	_, ok := c.Get("/a/b")
	assert.False(t, ok)

	c.Set("/a/b", []drive.File{{Name: "x"}})
	c.InvalidateParent("/a/b/c")
	_, ok = c.Get("/a/b")
	assert.False(t, ok)
}

func TestDirCacheInvalidateAll(t *testing.T) {
	c := newDirCache(10, time.Minute)
	c.Set("/a", nil)
	c.Set("/b", nil)

	c.InvalidateAll()

	_, okA := c.Get("/a")
	_, okB := c.Get("/b")
	assert.False(t, okA)
	assert.False(t, okB)
}

func TestDirCacheExpiry(t *testing.T) {
	c := newDirCache(10, 20*time.Millisecond)
	c.Set("/a", []drive.File{{Name: "x"}})

	time.Sleep(60 * time.Millisecond)

	_, ok := c.Get("/a")
	assert.False(t, ok)
}
