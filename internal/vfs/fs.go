package vfs

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/net/webdav"
	"golang.org/x/sync/singleflight"

	"github.com/driveup/aliyundrive-webdav/internal/drive"
)

// Options configures a FileSystem.
type Options struct {
	// Root is the remote path prefix served as the virtual root.
	Root string

	CacheSize int
	CacheTTL  time.Duration

	ReadBufferSize   int
	UploadBufferSize int

	// NoTrash deletes permanently instead of moving to the recycle bin.
	NoTrash bool

	// ReadOnly refuses every mutation.
	ReadOnly bool

	// SkipUploadSameSize skips re-upload when the size matches the
	// existing file.
	SkipUploadSameSize bool

	// PreferHTTPDownload rewrites presigned https URLs to http.
	PreferHTTPDownload bool
}

// Drive is the slice of the drive client the filesystem consumes.
// Tests substitute a fake.
type Drive interface {
	ListAll(ctx context.Context, parentID string) ([]drive.File, error)
	GetByPath(ctx context.Context, path string) (*drive.File, error)
	GetByID(ctx context.Context, fileID string) (*drive.File, error)
	GetDownloadURL(ctx context.Context, fileID string) (*drive.DownloadURL, error)
	Download(ctx context.Context, url string, pos uint64, count int) ([]byte, error)
	Upload(ctx context.Context, url string, body []byte) error
	Remove(ctx context.Context, fileID string, trash bool) error
	CreateFolder(ctx context.Context, parentID, name string) error
	Rename(ctx context.Context, fileID, name string) error
	Move(ctx context.Context, fileID, toParentID, newName string) error
	Copy(ctx context.Context, fileID, toParentID, newName string) error
	CreateFileWithProof(ctx context.Context, name, parentID string, size uint64, chunkCount int) (*drive.CreateFileResult, error)
	GetUploadURL(ctx context.Context, fileID, uploadID string, chunkCount int) ([]drive.UploadPart, error)
	CompleteFileUpload(ctx context.Context, fileID, uploadID string) error
	Quota(ctx context.Context) (used, total uint64, err error)
}

var _ Drive = (*drive.Drive)(nil)

// FileSystem adapts a Drive to the operations a WebDAV handler consumes.
// It resolves paths through a bounded TTL directory cache and keeps
// in-progress uploads visible in listings until they commit.
type FileSystem struct {
	drive   Drive
	cache   *dirCache
	uploads *uploadIndex
	logger  *slog.Logger

	root               string
	noTrash            bool
	readOnly           bool
	skipUploadSameSize bool
	preferHTTPDownload bool
	readBufferSize     int
	uploadBufferSize   int

	// listGroup collapses concurrent listings of the same directory into
	// one API call.
	listGroup singleflight.Group
}

var _ webdav.FileSystem = (*FileSystem)(nil)

// New creates a FileSystem over a Drive client.
func New(d Drive, opts Options, logger *slog.Logger) *FileSystem {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}

	if opts.UploadBufferSize <= 0 {
		opts.UploadBufferSize = DefaultUploadBufferSize
	}

	root := normalizePath(opts.Root)

	return &FileSystem{
		drive:              d,
		cache:              newDirCache(opts.CacheSize, opts.CacheTTL),
		uploads:            newUploadIndex(),
		logger:             logger,
		root:               root,
		noTrash:            opts.NoTrash,
		readOnly:           opts.ReadOnly,
		skipUploadSameSize: opts.SkipUploadSameSize,
		preferHTTPDownload: opts.PreferHTTPDownload,
		readBufferSize:     opts.ReadBufferSize,
		uploadBufferSize:   opts.UploadBufferSize,
	}
}

// InvalidateCache flushes the whole directory cache. Wired to SIGHUP.
func (f *FileSystem) InvalidateCache() {
	f.logger.Info("flushing directory cache")
	f.cache.InvalidateAll()
}

// resolve turns a normalized path into its entry. The root is synthesized
// locally; everything else goes through the parent's cached children, then
// a point lookup, then a segment-wise walk.
func (f *FileSystem) resolve(ctx context.Context, path string) (*drive.File, error) {
	if path == "/" || path == f.root {
		root := drive.NewRoot()
		return &root, nil
	}

	// Parent's cached children first.
	name := baseName(path)
	if siblings, ok := f.cache.Get(parentPath(path)); ok {
		for i := range siblings {
			if siblings[i].Name == name {
				return &siblings[i], nil
			}
		}
	}

	// Point lookup. Results deliberately stay out of the directory cache.
	file, err := f.drive.GetByPath(ctx, path)
	if err != nil {
		f.logger.Debug("get_by_path failed, falling back to scan",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	} else if file != nil {
		return file, nil
	}

	// The point lookup rejects some path shapes (whitespace in awkward
	// positions); walk the tree one segment at a time instead.
	return f.resolveByWalk(ctx, path)
}

// resolveByWalk descends from the root, listing each intermediate
// directory and matching segments by exact name.
func (f *FileSystem) resolveByWalk(ctx context.Context, path string) (*drive.File, error) {
	current := drive.NewRoot()
	currentPath := "/"

	for _, segment := range splitSegments(path) {
		if !current.IsDir() {
			return nil, nil
		}

		children, err := f.readDirCached(ctx, currentPath, current.ID)
		if err != nil {
			return nil, err
		}

		var match *drive.File
		for i := range children {
			if children[i].Name == segment {
				match = &children[i]
				break
			}
		}

		if match == nil {
			return nil, nil
		}

		current = *match
		currentPath = joinChild(currentPath, segment)
	}

	return &current, nil
}

// readDirCached lists a directory through the cache, collapsing concurrent
// misses for the same path into one upstream listing.
func (f *FileSystem) readDirCached(ctx context.Context, path, dirID string) ([]drive.File, error) {
	if files, ok := f.cache.Get(path); ok {
		return files, nil
	}

	v, err, _ := f.listGroup.Do(path, func() (any, error) {
		files, listErr := f.drive.ListAll(ctx, dirID)
		if listErr != nil {
			return nil, listErr
		}

		f.cache.Set(path, files)

		return files, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vfs: listing %s: %w", path, err)
	}

	files, _ := v.([]drive.File)

	return files, nil
}

// Stat resolves a path to file metadata.
func (f *FileSystem) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	path := rootedPath(f.root, name)

	file, err := f.resolve(ctx, path)
	if err != nil {
		return nil, err
	}

	if file == nil {
		return nil, fs.ErrNotExist
	}

	return fileInfo{file: *file}, nil
}

// Mkdir creates a folder. The parent must already exist and be a folder.
func (f *FileSystem) Mkdir(ctx context.Context, name string, _ os.FileMode) error {
	if f.readOnly {
		return fs.ErrPermission
	}

	path := rootedPath(f.root, name)
	parent := parentPath(path)

	parentFile, err := f.resolve(ctx, parent)
	if err != nil {
		return err
	}

	if parentFile == nil {
		return fs.ErrNotExist
	}

	if !parentFile.IsDir() {
		return fs.ErrPermission
	}

	if err := f.drive.CreateFolder(ctx, parentFile.ID, baseName(path)); err != nil {
		return fmt.Errorf("vfs: creating folder %s: %w", path, err)
	}

	f.cache.Invalidate(parent)

	return nil
}

// RemoveAll removes a file or folder. Folder removal follows the service's
// native recursive behavior. Removing an already-absent path fails with
// not-exist before any mutating call.
func (f *FileSystem) RemoveAll(ctx context.Context, name string) error {
	if f.readOnly {
		return fs.ErrPermission
	}

	path := rootedPath(f.root, name)
	if path == "/" || path == f.root {
		return fs.ErrPermission
	}

	file, err := f.resolve(ctx, path)
	if err != nil {
		return err
	}

	if file == nil {
		return fs.ErrNotExist
	}

	if err := f.drive.Remove(ctx, file.ID, !f.noTrash); err != nil {
		return fmt.Errorf("vfs: removing %s: %w", path, err)
	}

	f.cache.Invalidate(path)
	f.cache.InvalidateParent(path)

	return nil
}

// Rename renames within a parent or moves across parents. A pre-existing
// destination is removed first — the WebDAV handler has already enforced
// the Overwrite header by the time this runs.
func (f *FileSystem) Rename(ctx context.Context, oldName, newName string) error {
	if f.readOnly {
		return fs.ErrPermission
	}

	oldPath := rootedPath(f.root, oldName)
	newPath := rootedPath(f.root, newName)

	file, err := f.resolve(ctx, oldPath)
	if err != nil {
		return err
	}

	if file == nil {
		return fs.ErrNotExist
	}

	if existing, resolveErr := f.resolve(ctx, newPath); resolveErr == nil && existing != nil {
		if removeErr := f.drive.Remove(ctx, existing.ID, !f.noTrash); removeErr != nil {
			return fmt.Errorf("vfs: clearing rename destination %s: %w", newPath, removeErr)
		}
	}

	oldParent := parentPath(oldPath)
	newParent := parentPath(newPath)

	if oldParent == newParent {
		if err := f.drive.Rename(ctx, file.ID, baseName(newPath)); err != nil {
			return fmt.Errorf("vfs: renaming %s: %w", oldPath, err)
		}
	} else {
		parentFile, resolveErr := f.resolve(ctx, newParent)
		if resolveErr != nil {
			return resolveErr
		}

		if parentFile == nil || !parentFile.IsDir() {
			return fs.ErrNotExist
		}

		moveName := ""
		if baseName(newPath) != file.Name {
			moveName = baseName(newPath)
		}

		if err := f.drive.Move(ctx, file.ID, parentFile.ID, moveName); err != nil {
			return fmt.Errorf("vfs: moving %s: %w", oldPath, err)
		}
	}

	f.cache.Invalidate(oldParent)
	f.cache.Invalidate(newParent)

	// A moved or renamed folder takes its cached children with it.
	if file.IsDir() {
		f.cache.Invalidate(oldPath)
	}

	return nil
}

// Copy copies src into dst's parent under dst's basename, server-side.
// A pre-existing destination is removed first when overwrite is set.
func (f *FileSystem) Copy(ctx context.Context, srcName, dstName string, overwrite bool) error {
	if f.readOnly {
		return fs.ErrPermission
	}

	srcPath := rootedPath(f.root, srcName)
	dstPath := rootedPath(f.root, dstName)

	src, err := f.resolve(ctx, srcPath)
	if err != nil {
		return err
	}

	if src == nil {
		return fs.ErrNotExist
	}

	if existing, resolveErr := f.resolve(ctx, dstPath); resolveErr == nil && existing != nil {
		if !overwrite {
			return fs.ErrExist
		}

		if removeErr := f.drive.Remove(ctx, existing.ID, !f.noTrash); removeErr != nil {
			return fmt.Errorf("vfs: clearing copy destination %s: %w", dstPath, removeErr)
		}
	}

	dstParent := parentPath(dstPath)

	parentFile, err := f.resolve(ctx, dstParent)
	if err != nil {
		return err
	}

	if parentFile == nil || !parentFile.IsDir() {
		return fs.ErrNotExist
	}

	copyName := ""
	if baseName(dstPath) != src.Name {
		copyName = baseName(dstPath)
	}

	if err := f.drive.Copy(ctx, src.ID, parentFile.ID, copyName); err != nil {
		return fmt.Errorf("vfs: copying %s: %w", srcPath, err)
	}

	f.cache.Invalidate(dstPath)
	f.cache.Invalidate(dstParent)

	return nil
}

// Quota returns used and total bytes of the backing drive.
func (f *FileSystem) Quota(ctx context.Context) (used, total uint64, err error) {
	return f.drive.Quota(ctx)
}

// DownloadURL resolves a path and returns a fresh presigned URL for it,
// for redirect-mode GETs. Returns the empty string for folders and Live
// Photo containers, which cannot be redirected.
func (f *FileSystem) DownloadURL(ctx context.Context, name string) (string, error) {
	path := rootedPath(f.root, name)

	file, err := f.resolve(ctx, path)
	if err != nil {
		return "", err
	}

	if file == nil {
		return "", fs.ErrNotExist
	}

	if file.IsDir() || file.ID == "" {
		return "", nil
	}

	res, err := f.drive.GetDownloadURL(ctx, file.ID)
	if err != nil {
		return "", err
	}

	url := res.URL
	if url != "" && f.preferHTTPDownload {
		url = preferHTTP(url)
	}

	return url, nil
}

// OpenFile opens a path for reading or writing. Write opens synthesize a
// pending entry sized from the request's upload hint and register it in
// the upload index so listings see it before the upload commits.
func (f *FileSystem) OpenFile(ctx context.Context, name string, flag int, _ os.FileMode) (webdav.File, error) {
	path := rootedPath(f.root, name)
	writable := flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0

	if !writable {
		return f.openForRead(ctx, path)
	}

	if f.readOnly {
		return nil, fs.ErrPermission
	}

	if flag&os.O_APPEND != 0 {
		return nil, drive.ErrNotImplemented
	}

	// macOS metadata spam is refused before any network call.
	if isMacJunk(baseName(path)) {
		return nil, fs.ErrNotExist
	}

	existing, err := f.resolve(ctx, path)
	if err != nil {
		return nil, err
	}

	if existing != nil && flag&os.O_EXCL != 0 {
		return nil, fs.ErrExist
	}

	if existing != nil && existing.IsDir() {
		return nil, fs.ErrPermission
	}

	if existing == nil && flag&os.O_CREATE == 0 {
		return nil, fs.ErrNotExist
	}

	parent, err := f.resolve(ctx, parentPath(path))
	if err != nil {
		return nil, err
	}

	if parent == nil || !parent.IsDir() {
		return nil, fs.ErrNotExist
	}

	hint := uploadHintFromContext(ctx)

	file := drive.File{
		Name:      baseName(path),
		Kind:      drive.KindFile,
		Size:      hint.Size,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if existing != nil {
		file.ID = existing.ID
		file.ContentHash = existing.ContentHash
		file.Size = existing.Size
	}

	f.uploads.Add(parent.ID, drive.File{
		Name:      file.Name,
		Kind:      drive.KindFile,
		Size:      hint.Size,
		CreatedAt: file.CreatedAt,
		UpdatedAt: file.UpdatedAt,
	})

	return &openFile{
		fs:           f,
		ctx:          ctx,
		path:         path,
		file:         file,
		parent:       *parent,
		writeIntent:  true,
		declaredSize: hint.Size,
		sha1Hint:     hint.SHA1,
	}, nil
}

// openForRead opens an existing entry: a directory handle for folders, a
// range-reading file handle for files.
func (f *FileSystem) openForRead(ctx context.Context, path string) (webdav.File, error) {
	file, err := f.resolve(ctx, path)
	if err != nil {
		return nil, err
	}

	if file == nil {
		return nil, fs.ErrNotExist
	}

	if file.IsDir() {
		return &openDir{fs: f, ctx: ctx, path: path, file: *file}, nil
	}

	// Live Photo containers report the raw container size in listings; the
	// point lookup recomputes it as the size of the ZIP reads will see.
	if strings.HasSuffix(file.Name, ".livp") && file.ID != "" {
		if fresh, err := f.drive.GetByID(ctx, file.ID); err == nil && fresh != nil {
			fresh.DownloadURL = file.DownloadURL
			file = fresh
		}
	}

	return &openFile{
		fs:          f,
		ctx:         ctx,
		path:        path,
		file:        *file,
		downloadURL: file.DownloadURL,
	}, nil
}

// openDir is a directory handle: Readdir lists the remote folder through
// the cache and merges in-progress uploads so clients see pending files.
type openDir struct {
	fs   *FileSystem
	ctx  context.Context
	path string
	file drive.File

	entries []os.FileInfo
	listed  bool
	offset  int
}

var _ webdav.File = (*openDir)(nil)

func (d *openDir) Stat() (os.FileInfo, error) { return fileInfo{file: d.file}, nil }
func (d *openDir) Close() error               { return nil }

func (d *openDir) Read([]byte) (int, error) {
	return 0, fmt.Errorf("vfs: read on directory %s: %w", d.path, fs.ErrInvalid)
}

func (d *openDir) Write([]byte) (int, error) {
	return 0, fmt.Errorf("vfs: write on directory %s: %w", d.path, fs.ErrPermission)
}

func (d *openDir) Seek(int64, int) (int64, error) {
	return 0, fmt.Errorf("vfs: seek on directory %s: %w", d.path, fs.ErrInvalid)
}

func (d *openDir) Readdir(count int) ([]os.FileInfo, error) {
	if !d.listed {
		files, err := d.fs.readDirCached(d.ctx, d.path, d.file.ID)
		if err != nil {
			return nil, err
		}

		pending := d.fs.uploads.List(d.file.ID)

		d.entries = make([]os.FileInfo, 0, len(files)+len(pending))
		for i := range files {
			d.entries = append(d.entries, fileInfo{file: files[i]})
		}

		for i := range pending {
			d.entries = append(d.entries, fileInfo{file: pending[i]})
		}

		d.listed = true
	}

	if count <= 0 {
		out := d.entries[d.offset:]
		d.offset = len(d.entries)

		return out, nil
	}

	if d.offset >= len(d.entries) {
		return nil, io.EOF
	}

	end := d.offset + count
	if end > len(d.entries) {
		end = len(d.entries)
	}

	out := d.entries[d.offset:end]
	d.offset = end

	return out, nil
}

// DeadProps publishes quota properties on the root collection.
func (d *openDir) DeadProps() (map[xml.Name]webdav.Property, error) {
	if d.path != "/" && d.path != d.fs.root {
		return nil, nil
	}

	used, total, err := d.fs.Quota(d.ctx)
	if err != nil {
		d.fs.logger.Debug("quota lookup failed",
			slog.String("error", err.Error()),
		)

		return nil, nil
	}

	available := uint64(0)
	if total > used {
		available = total - used
	}

	props := make(map[xml.Name]webdav.Property, 2)

	usedName := xml.Name{Space: "DAV:", Local: "quota-used-bytes"}
	props[usedName] = webdav.Property{
		XMLName:  usedName,
		InnerXML: []byte(fmt.Sprintf("%d", used)),
	}

	availName := xml.Name{Space: "DAV:", Local: "quota-available-bytes"}
	props[availName] = webdav.Property{
		XMLName:  availName,
		InnerXML: []byte(fmt.Sprintf("%d", available)),
	}

	return props, nil
}

// Patch accepts and ignores property patches.
func (d *openDir) Patch(patches []webdav.Proppatch) ([]webdav.Propstat, error) {
	return ackProppatches(patches), nil
}

// ackProppatches acknowledges every patched property without storing it.
func ackProppatches(patches []webdav.Proppatch) []webdav.Propstat {
	stat := webdav.Propstat{Status: http.StatusOK}
	for _, patch := range patches {
		for _, prop := range patch.Props {
			stat.Props = append(stat.Props, webdav.Property{XMLName: prop.XMLName})
		}
	}

	return []webdav.Propstat{stat}
}

// joinChild appends a segment to a normalized directory path.
func joinChild(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}

	return dir + "/" + name
}

// uploadHint carries the declared size and optional checksum of an incoming
// PUT from the HTTP layer to OpenFile, which has no size parameter.
type uploadHint struct {
	Size uint64
	SHA1 string
}

type uploadHintKey struct{}

// WithUploadHint attaches the declared upload size and an optional
// "sha1:<hex>" checksum to the request context.
func WithUploadHint(ctx context.Context, size int64, checksum string) context.Context {
	hint := uploadHint{}
	if size > 0 {
		hint.Size = uint64(size)
	}

	if rest, ok := strings.CutPrefix(strings.ToLower(checksum), "sha1:"); ok {
		hint.SHA1 = rest
	}

	return context.WithValue(ctx, uploadHintKey{}, hint)
}

func uploadHintFromContext(ctx context.Context) uploadHint {
	hint, _ := ctx.Value(uploadHintKey{}).(uploadHint)

	return hint
}
