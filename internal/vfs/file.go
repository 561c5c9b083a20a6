package vfs

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	gopath "path"
	"strings"
	"time"

	"golang.org/x/net/webdav"

	"github.com/driveup/aliyundrive-webdav/internal/drive"
)

// Buffer size defaults: the read window served from one range GET, and the
// multi-part upload chunk size.
const (
	DefaultReadBufferSize   = 10 * 1024 * 1024
	DefaultUploadBufferSize = 16 * 1024 * 1024
)

// fileInfo adapts a drive entry to os.FileInfo.
type fileInfo struct {
	file drive.File
}

func (fi fileInfo) Name() string {
	if fi.file.Name == "/" {
		return "/"
	}

	return gopath.Base(fi.file.Name)
}

func (fi fileInfo) Size() int64 {
	if fi.file.IsDir() {
		return 0
	}

	return int64(fi.file.Size)
}

func (fi fileInfo) Mode() fs.FileMode {
	if fi.file.IsDir() {
		return fs.ModeDir | 0o755
	}

	return 0o644
}

func (fi fileInfo) ModTime() time.Time { return fi.file.UpdatedAt }
func (fi fileInfo) IsDir() bool        { return fi.file.IsDir() }
func (fi fileInfo) Sys() any           { return nil }

// uploadState is the write half of an open file: a chunk buffer plus the
// multi-part upload session identifiers. Chunks upload sequentially; part
// numbers are 1-based.
type uploadState struct {
	skip       bool // content already on the server, discard writes
	fileID     string
	uploadID   string
	parts      []drive.UploadPart
	chunkCount int
	nextChunk  int
	written    uint64
	buffer     bytes.Buffer
}

// openFile is one WebDAV open of a remote file. A handle is either reading
// or writing, never both; it is owned by a single request and is not safe
// for concurrent use.
type openFile struct {
	fs     *FileSystem
	ctx    context.Context
	path   string
	file   drive.File
	parent drive.File

	pos int64

	// Read state: a window of the remote file fetched with one range GET.
	downloadURL string
	buf         []byte
	bufStart    int64
	bufValid    bool

	// Write state.
	writeIntent  bool
	declaredSize uint64
	sha1Hint     string
	upload       *uploadState
}

var _ webdav.File = (*openFile)(nil)

func (f *openFile) Stat() (os.FileInfo, error) {
	return fileInfo{file: f.file}, nil
}

// Readdir on a plain file always fails.
func (f *openFile) Readdir(int) ([]os.FileInfo, error) {
	return nil, fmt.Errorf("vfs: readdir on file %s: %w", f.file.Name, fs.ErrInvalid)
}

func (f *openFile) Seek(offset int64, whence int) (int64, error) {
	var next int64

	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.pos + offset
	case io.SeekEnd:
		next = int64(f.file.Size) + offset
	default:
		return 0, fmt.Errorf("vfs: invalid seek whence %d", whence)
	}

	if next < 0 {
		return 0, fmt.Errorf("vfs: seek before start of %s", f.file.Name)
	}

	if f.upload != nil && next != f.pos {
		return 0, errors.New("vfs: seek during upload")
	}

	f.pos = next

	return next, nil
}

// Read serves bytes from the buffered window, refilling it with a range GET
// against the presigned URL when the position moves outside it.
func (f *openFile) Read(p []byte) (int, error) {
	if f.writeIntent {
		return 0, fmt.Errorf("vfs: read from write-only handle: %w", fs.ErrInvalid)
	}

	// In-progress uploads have no id and nothing to read yet.
	if f.file.ID == "" {
		return 0, fs.ErrNotExist
	}

	size := int64(f.file.Size)
	if f.pos >= size {
		return 0, io.EOF
	}

	if !f.bufValid || f.pos < f.bufStart || f.pos >= f.bufStart+int64(len(f.buf)) {
		if err := f.fill(f.pos); err != nil {
			return 0, err
		}
	}

	n := copy(p, f.buf[f.pos-f.bufStart:])
	if n == 0 {
		return 0, io.EOF
	}

	f.pos += int64(n)

	return n, nil
}

// fill fetches a window starting at pos. An expired or missing download URL
// is refreshed first; Live Photo containers are assembled into a ZIP in one
// piece instead of range reads.
func (f *openFile) fill(pos int64) error {
	if f.downloadURL == "" || urlExpired(f.downloadURL, time.Now()) {
		res, err := f.fs.drive.GetDownloadURL(f.ctx, f.file.ID)
		if err != nil {
			return fmt.Errorf("vfs: refreshing download url for %s: %w", f.file.Name, err)
		}

		if res.URL == "" && len(res.StreamsURL) > 0 {
			data, zipErr := f.assembleLivp(f.ctx, res.StreamsURL)
			if zipErr != nil {
				return zipErr
			}

			f.buf = data
			f.bufStart = 0
			f.bufValid = true
			// Same byte count as the metadata size; raw stored entries only.
			f.file.Size = uint64(len(data))

			return nil
		}

		f.downloadURL = res.URL
	}

	url := f.downloadURL
	if f.fs.preferHTTPDownload {
		url = preferHTTP(url)
	}

	count := int64(f.fs.readBufferSize)
	if remaining := int64(f.file.Size) - pos; remaining < count {
		count = remaining
	}

	data, err := f.fs.drive.Download(f.ctx, url, uint64(pos), int(count))
	if err != nil {
		return fmt.Errorf("vfs: reading %s: %w", f.file.Name, err)
	}

	f.buf = data
	f.bufStart = pos
	f.bufValid = true

	return nil
}

// Write buffers upload bytes and flushes full chunks to their presigned
// part URLs as they accumulate.
func (f *openFile) Write(p []byte) (int, error) {
	if !f.writeIntent {
		return 0, fmt.Errorf("vfs: write to read-only handle: %w", fs.ErrPermission)
	}

	if f.upload == nil {
		if err := f.prepareUpload(); err != nil {
			return 0, err
		}
	}

	f.upload.buffer.Write(p)
	f.pos += int64(len(p))

	if err := f.uploadChunks(false); err != nil {
		return 0, err
	}

	return len(p), nil
}

// prepareUpload runs once before the first byte goes out: it clears any
// same-named file (or decides to skip the upload entirely) and opens the
// multi-part session sized from the declared length.
func (f *openFile) prepareUpload() error {
	st := &uploadState{nextChunk: 1}

	if f.file.ID != "" {
		switch {
		case f.sha1Hint != "" && strings.EqualFold(f.sha1Hint, f.file.ContentHash):
			f.fs.logger.Debug("skipping upload, content hash matches",
				slog.String("path", f.path),
			)
			st.skip = true
		case f.fs.skipUploadSameSize && f.declaredSize == f.file.Size:
			f.fs.logger.Debug("skipping upload, size matches",
				slog.String("path", f.path),
			)
			st.skip = true
		default:
			if err := f.fs.drive.Remove(f.ctx, f.file.ID, !f.fs.noTrash); err != nil {
				return fmt.Errorf("vfs: removing old file %s: %w", f.path, err)
			}
		}
	}

	if st.skip {
		f.upload = st
		return nil
	}

	chunkSize := uint64(f.fs.uploadBufferSize)
	st.chunkCount = int((f.declaredSize + chunkSize - 1) / chunkSize)

	// Zero-byte files still need a session; request one part and upload
	// nothing into it.
	requestParts := st.chunkCount
	if requestParts == 0 {
		requestParts = 1
	}

	res, err := f.fs.drive.CreateFileWithProof(f.ctx, f.file.Name, f.parent.ID, f.declaredSize, requestParts)
	if err != nil {
		return fmt.Errorf("vfs: creating upload for %s: %w", f.path, err)
	}

	if res.UploadID == "" || len(res.PartInfoList) == 0 {
		return fmt.Errorf("vfs: upload session for %s missing upload id or part urls", f.path)
	}

	st.fileID = res.FileID
	st.uploadID = res.UploadID
	st.parts = res.PartInfoList
	f.upload = st

	return nil
}

// uploadChunks drains the buffer: full chunks only, or everything that is
// left when remaining is set.
func (f *openFile) uploadChunks(remaining bool) error {
	if f.upload.skip {
		f.upload.buffer.Reset()
		return nil
	}

	chunkSize := f.fs.uploadBufferSize

	for f.upload.buffer.Len() >= chunkSize {
		if err := f.putChunk(f.upload.buffer.Next(chunkSize)); err != nil {
			return err
		}
	}

	if remaining && f.upload.buffer.Len() > 0 {
		if err := f.putChunk(f.upload.buffer.Next(f.upload.buffer.Len())); err != nil {
			return err
		}
	}

	return nil
}

// putChunk PUTs one chunk to its presigned part URL. When the service
// reports the URL expired, all part URLs are re-issued and the PUT retried
// exactly once.
func (f *openFile) putChunk(chunk []byte) error {
	part := f.upload.nextChunk
	if part > len(f.upload.parts) {
		return fmt.Errorf("vfs: chunk %d exceeds %d part urls for %s", part, len(f.upload.parts), f.path)
	}

	err := f.fs.drive.Upload(f.ctx, f.upload.parts[part-1].UploadURL, chunk)
	if err != nil && uploadURLExpired(err) {
		f.fs.logger.Debug("upload url expired, re-issuing",
			slog.String("path", f.path),
			slog.Int("part", part),
		)

		parts, urlErr := f.fs.drive.GetUploadURL(f.ctx, f.upload.fileID, f.upload.uploadID, len(f.upload.parts))
		if urlErr != nil {
			return fmt.Errorf("vfs: re-issuing upload urls for %s: %w", f.path, urlErr)
		}

		f.upload.parts = parts
		err = f.fs.drive.Upload(f.ctx, f.upload.parts[part-1].UploadURL, chunk)
	}

	if err != nil {
		return fmt.Errorf("vfs: uploading chunk %d of %s: %w", part, f.path, err)
	}

	f.upload.nextChunk++
	f.upload.written += uint64(len(chunk))

	return nil
}

// uploadURLExpired inspects an upload failure body for OSS's URL expiry
// marker.
func uploadURLExpired(err error) bool {
	var apiErr *drive.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return strings.Contains(apiErr.Message, "expired")
}

// Close finishes the handle. For writes it drains the buffer tail, commits
// the upload, removes the pending entry, and invalidates the parent
// directory so the next listing shows the authoritative entry.
func (f *openFile) Close() error {
	if !f.writeIntent {
		return nil
	}

	defer func() {
		f.fs.uploads.Remove(f.parent.ID, f.file.Name)
		f.fs.cache.Invalidate(parentPath(f.path))
	}()

	// A zero-byte PUT never calls Write; open the session here so there is
	// still a create/complete pair.
	if f.upload == nil {
		if err := f.prepareUpload(); err != nil {
			return err
		}
	}

	if err := f.uploadChunks(true); err != nil {
		return err
	}

	if f.upload.skip {
		return nil
	}

	if err := f.fs.drive.CompleteFileUpload(f.ctx, f.upload.fileID, f.upload.uploadID); err != nil {
		return fmt.Errorf("vfs: completing upload of %s: %w", f.path, err)
	}

	f.fs.logger.Debug("upload complete",
		slog.String("path", f.path),
		slog.Uint64("bytes", f.upload.written),
	)

	return nil
}

// DeadProps publishes the OwnCloud checksums property for entries with a
// known content hash.
func (f *openFile) DeadProps() (map[xml.Name]webdav.Property, error) {
	if f.file.ContentHash == "" {
		return nil, nil
	}

	name := xml.Name{Space: "http://owncloud.org/ns", Local: "checksums"}

	return map[xml.Name]webdav.Property{
		name: {
			XMLName: name,
			InnerXML: []byte(fmt.Sprintf(
				`<oc:checksum xmlns:oc="http://owncloud.org/ns">sha1:%s</oc:checksum>`,
				strings.ToLower(f.file.ContentHash),
			)),
		},
	}, nil
}

// Patch accepts and ignores property patches; the remote API has no
// writable properties.
func (f *openFile) Patch(patches []webdav.Proppatch) ([]webdav.Propstat, error) {
	return ackProppatches(patches), nil
}
