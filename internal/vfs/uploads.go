package vfs

import (
	"sync"

	"github.com/driveup/aliyundrive-webdav/internal/drive"
)

// uploadIndex tracks files whose chunks are still being uploaded, keyed by
// parent file id. Pending entries carry an empty file id; they surface in
// directory listings until the upload commits and the authoritative entry
// takes over via cache invalidation.
type uploadIndex struct {
	mu      sync.RWMutex
	pending map[string]map[string]drive.File // parent id -> name -> entry
}

func newUploadIndex() *uploadIndex {
	return &uploadIndex{pending: make(map[string]map[string]drive.File)}
}

// Add registers an in-progress upload under its parent.
func (u *uploadIndex) Add(parentID string, file drive.File) {
	u.mu.Lock()
	defer u.mu.Unlock()

	children, ok := u.pending[parentID]
	if !ok {
		children = make(map[string]drive.File)
		u.pending[parentID] = children
	}

	children[file.Name] = file
}

// Remove discards a pending entry once its upload commits or aborts.
func (u *uploadIndex) Remove(parentID, name string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	children, ok := u.pending[parentID]
	if !ok {
		return
	}

	delete(children, name)

	if len(children) == 0 {
		delete(u.pending, parentID)
	}
}

// Get returns the pending entry for a name under a parent, if any.
func (u *uploadIndex) Get(parentID, name string) (drive.File, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	f, ok := u.pending[parentID][name]

	return f, ok
}

// List returns the pending entries under a parent.
func (u *uploadIndex) List(parentID string) []drive.File {
	u.mu.RLock()
	defer u.mu.RUnlock()

	children := u.pending[parentID]
	if len(children) == 0 {
		return nil
	}

	out := make([]drive.File, 0, len(children))
	for _, f := range children {
		out = append(out, f)
	}

	return out
}
