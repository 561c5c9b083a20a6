package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveup/aliyundrive-webdav/internal/drive"
)

func TestUploadIndex(t *testing.T) {
	idx := newUploadIndex()

	assert.Empty(t, idx.List("p1"))

	idx.Add("p1", drive.File{Name: "a.txt", Size: 10})
	idx.Add("p1", drive.File{Name: "b.txt", Size: 20})
	idx.Add("p2", drive.File{Name: "c.txt"})

	assert.Len(t, idx.List("p1"), 2)

	got, ok := idx.Get("p1", "a.txt")
	require.True(t, ok)
	assert.Equal(t, uint64(10), got.Size)

	idx.Remove("p1", "a.txt")
	_, ok = idx.Get("p1", "a.txt")
	assert.False(t, ok)
	assert.Len(t, idx.List("p1"), 1)

	// Removing an unknown name is a no-op.
	idx.Remove("p3", "nope")
}
