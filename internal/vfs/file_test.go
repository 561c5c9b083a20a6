package vfs

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveup/aliyundrive-webdav/internal/drive"
)

// openTestRead returns a read handle over /docs/a.txt whose content is
// served from content by a ranged fake download.
func openTestRead(t *testing.T, content []byte, readBufferSize int) (*openFile, *int) {
	t.Helper()

	downloads := 0
	url := fmt.Sprintf("https://oss.example/a.txt?x-oss-expires=%d", time.Now().Add(time.Hour).Unix())

	fake := &fakeDrive{
		t: t,
		download: func(_ string, pos uint64, count int) ([]byte, error) {
			downloads++

			end := pos + uint64(count)
			if end > uint64(len(content)) {
				end = uint64(len(content))
			}

			return content[pos:end], nil
		},
	}

	fsys := newTestFS(t, fake, Options{ReadBufferSize: readBufferSize})

	return &openFile{
		fs:  fsys,
		ctx: context.Background(),
		path: "/docs/a.txt",
		file: drive.File{
			Name: "a.txt",
			ID:   "f1",
			Kind: drive.KindFile,
			Size: uint64(len(content)),
		},
		downloadURL: url,
	}, &downloads
}

func TestReadFull(t *testing.T) {
	content := []byte("hello world")
	f, _ := openTestRead(t, content, 4)

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReadUsesBufferedWindow(t *testing.T) {
	content := []byte("0123456789")
	f, downloads := openTestRead(t, content, 8)

	buf := make([]byte, 2)

	for i := 0; i < 4; i++ {
		_, err := f.Read(buf)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, *downloads, "reads inside the window must not refetch")

	_, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, *downloads)
}

func TestReadAtEOF(t *testing.T) {
	f, _ := openTestRead(t, []byte("abc"), 8)
	f.pos = 3

	_, err := f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestSeek(t *testing.T) {
	f, _ := openTestRead(t, []byte("0123456789"), 8)

	pos, err := f.Seek(4, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)

	pos, err = f.Seek(2, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	// Seeking past the end is allowed; the offset is size plus delta.
	pos, err = f.Seek(5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(15), pos)

	_, err = f.Seek(-1, io.SeekStart)
	assert.Error(t, err)
}

func TestReadRefreshesExpiredURL(t *testing.T) {
	refreshed := false
	content := []byte("fresh data")

	fake := &fakeDrive{
		t: t,
		getDownloadURL: func(fileID string) (*drive.DownloadURL, error) {
			assert.Equal(t, "f1", fileID)
			refreshed = true

			return &drive.DownloadURL{
				URL: fmt.Sprintf("https://oss.example/a?x-oss-expires=%d", time.Now().Add(time.Hour).Unix()),
			}, nil
		},
		download: func(_ string, pos uint64, count int) ([]byte, error) {
			return content[pos:min(int(pos)+count, len(content))], nil
		},
	}

	fsys := newTestFS(t, fake, Options{ReadBufferSize: 64})

	f := &openFile{
		fs:   fsys,
		ctx:  context.Background(),
		path: "/docs/a.txt",
		file: drive.File{Name: "a.txt", ID: "f1", Size: uint64(len(content))},
		// Expired a minute ago; must be refreshed before the first byte.
		downloadURL: fmt.Sprintf("https://oss.example/a?x-oss-expires=%d", time.Now().Add(-time.Minute).Unix()),
	}

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, content, got)
}

// writeFixture wires a fake multi-part upload backend and opens new.txt
// for writing under /docs.
type writeFixture struct {
	fsys      *FileSystem
	chunks    [][]byte
	completed bool
	removed   []string
	reissues  int
	failFirst bool
}

func newWriteFixture(t *testing.T, opts Options, declaredSize uint64) (*writeFixture, *openFile) {
	t.Helper()

	fx := &writeFixture{}

	fake := treeFake(t)
	fake.createFile = func(name, parentID string, size uint64, chunkCount int) (*drive.CreateFileResult, error) {
		assert.Equal(t, "new.txt", name)
		assert.Equal(t, "d1", parentID)
		assert.Equal(t, declaredSize, size)

		parts := make([]drive.UploadPart, chunkCount)
		for i := range parts {
			parts[i] = drive.UploadPart{
				PartNumber: i + 1,
				UploadURL:  fmt.Sprintf("https://oss.example/part%d", i+1),
			}
		}

		return &drive.CreateFileResult{
			FileID:       "new-id",
			UploadID:     "up-1",
			PartInfoList: parts,
		}, nil
	}
	fake.upload = func(url string, body []byte) error {
		if fx.failFirst {
			fx.failFirst = false

			return &drive.APIError{StatusCode: 403, Message: "Request has expired"}
		}

		chunk := make([]byte, len(body))
		copy(chunk, body)
		fx.chunks = append(fx.chunks, chunk)

		return nil
	}
	fake.completeUpload = func(fileID, uploadID string) error {
		assert.Equal(t, "new-id", fileID)
		assert.Equal(t, "up-1", uploadID)
		fx.completed = true

		return nil
	}
	fake.remove = func(fileID string, _ bool) error {
		fx.removed = append(fx.removed, fileID)

		return nil
	}
	fake.getUploadURL = func(fileID, uploadID string, chunkCount int) ([]drive.UploadPart, error) {
		fx.reissues++

		parts := make([]drive.UploadPart, chunkCount)
		for i := range parts {
			parts[i] = drive.UploadPart{
				PartNumber: i + 1,
				UploadURL:  fmt.Sprintf("https://oss.example/part%d-reissued", i+1),
			}
		}

		return parts, nil
	}

	fx.fsys = newTestFS(t, fake, opts)

	ctx := WithUploadHint(context.Background(), int64(declaredSize), "")

	handle, err := fx.fsys.OpenFile(ctx, "/docs/new.txt", os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)

	return fx, handle.(*openFile)
}

func TestWriteChunksAndCompletes(t *testing.T) {
	fx, f := newWriteFixture(t, Options{UploadBufferSize: 4}, 10)

	n, err := f.Write([]byte("0123456"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	// One full chunk flushed, tail held back.
	require.Len(t, fx.chunks, 1)
	assert.Equal(t, []byte("0123"), fx.chunks[0])

	_, err = f.Write([]byte("789"))
	require.NoError(t, err)

	require.NoError(t, f.Close())

	require.Len(t, fx.chunks, 3)
	assert.Equal(t, []byte("4567"), fx.chunks[1])
	assert.Equal(t, []byte("89"), fx.chunks[2])
	assert.True(t, fx.completed)

	// The pending entry is gone once the upload commits.
	_, ok := fx.fsys.uploads.Get("d1", "new.txt")
	assert.False(t, ok)
}

func TestZeroByteUpload(t *testing.T) {
	fx, f := newWriteFixture(t, Options{UploadBufferSize: 4}, 0)

	// No Write calls at all; Close still creates and commits the session.
	require.NoError(t, f.Close())

	assert.Empty(t, fx.chunks)
	assert.True(t, fx.completed)
}

func TestWriteRetriesExpiredPartURL(t *testing.T) {
	fx, f := newWriteFixture(t, Options{UploadBufferSize: 4}, 4)
	fx.failFirst = true

	_, err := f.Write([]byte("abcd"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, 1, fx.reissues)
	require.Len(t, fx.chunks, 1)
	assert.Equal(t, []byte("abcd"), fx.chunks[0])
	assert.True(t, fx.completed)
}

func TestOverwriteRemovesOldFileFirst(t *testing.T) {
	fx := &writeFixture{}

	fake := treeFake(t)
	fake.remove = func(fileID string, _ bool) error {
		fx.removed = append(fx.removed, fileID)

		return nil
	}
	fake.createFile = func(_, _ string, _ uint64, chunkCount int) (*drive.CreateFileResult, error) {
		parts := make([]drive.UploadPart, chunkCount)
		for i := range parts {
			parts[i] = drive.UploadPart{PartNumber: i + 1, UploadURL: "https://oss.example/p"}
		}

		return &drive.CreateFileResult{FileID: "n", UploadID: "u", PartInfoList: parts}, nil
	}
	fake.upload = func(_ string, _ []byte) error { return nil }
	fake.completeUpload = func(_, _ string) error { return nil }

	fsys := newTestFS(t, fake, Options{UploadBufferSize: 4})

	ctx := WithUploadHint(context.Background(), 3, "")

	handle, err := fsys.OpenFile(ctx, "/docs/a.txt", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	_, err = handle.Write([]byte("xyz"))
	require.NoError(t, err)
	require.NoError(t, handle.Close())

	assert.Equal(t, []string{"f1"}, fx.removed)
}

func TestMatchingChecksumSkipsUpload(t *testing.T) {
	fake := treeFake(t)

	fsys := newTestFS(t, fake, Options{UploadBufferSize: 4})

	// a.txt already has content hash ABC123; the client declares the same.
	ctx := WithUploadHint(context.Background(), 11, "sha1:abc123")

	handle, err := fsys.OpenFile(ctx, "/docs/a.txt", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	_, err = handle.Write([]byte("same bytes!"))
	require.NoError(t, err)

	// No createFile, upload, or complete hooks are set: any API call here
	// would fail the test.
	require.NoError(t, handle.Close())
}

func TestSkipUploadSameSize(t *testing.T) {
	fake := treeFake(t)
	fsys := newTestFS(t, fake, Options{UploadBufferSize: 4, SkipUploadSameSize: true})

	// Declared size matches the existing 11-byte file.
	ctx := WithUploadHint(context.Background(), 11, "")

	handle, err := fsys.OpenFile(ctx, "/docs/a.txt", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	_, err = handle.Write([]byte("11 bytes ok"))
	require.NoError(t, err)
	require.NoError(t, handle.Close())
}

func TestReadOnWriteHandleFails(t *testing.T) {
	_, f := newWriteFixture(t, Options{UploadBufferSize: 4}, 4)

	_, err := f.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestLivpReadAssemblesZip(t *testing.T) {
	livp := drive.File{Name: "IMG_0001.livp", ID: "l1", Kind: drive.KindFile, Size: 500}

	fake := &fakeDrive{
		t: t,
		getByPath: func(path string) (*drive.File, error) {
			if path == "/IMG_0001.livp" {
				f := livp
				return &f, nil
			}

			return nil, nil
		},
		getByID: func(fileID string) (*drive.File, error) {
			assert.Equal(t, "l1", fileID)
			f := livp

			return &f, nil
		},
		getDownloadURL: func(string) (*drive.DownloadURL, error) {
			return &drive.DownloadURL{
				StreamsURL: map[string]string{
					"heic": "https://oss.example/s/heic",
					"mov":  "https://oss.example/s/mov",
				},
			}, nil
		},
		download: func(url string, _ uint64, _ int) ([]byte, error) {
			if strings.HasSuffix(url, "heic") {
				return []byte("still"), nil
			}

			return []byte("motion"), nil
		},
	}

	fsys := newTestFS(t, fake, Options{})

	handle, err := fsys.OpenFile(context.Background(), "/IMG_0001.livp", os.O_RDONLY, 0)
	require.NoError(t, err)

	data, err := io.ReadAll(handle)
	require.NoError(t, err)
	require.NoError(t, handle.Close())

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)

	byName := map[string]string{}
	for _, entry := range zr.File {
		assert.Equal(t, zip.Store, entry.Method)

		rc, openErr := entry.Open()
		require.NoError(t, openErr)

		content, readErr := io.ReadAll(rc)
		require.NoError(t, readErr)
		require.NoError(t, rc.Close())

		byName[entry.Name] = string(content)
	}

	assert.Equal(t, "still", byName["IMG_0001.heic"])
	assert.Equal(t, "motion", byName["IMG_0001.mov"])
}

// The size reported by Stat before the first read must equal the byte count
// of the assembled archive, or range responses truncate the central
// directory. Entries are stored raw with precomputed CRCs, so each one
// costs 30+name bytes of local header, its data, and 46+name bytes of
// central directory, plus the 22-byte end record.
func TestLivpAssemblyMatchesStatSize(t *testing.T) {
	still := []byte("still")
	motion := []byte("motion")
	advertised := uint64(30+13+len(still)+46+13) +
		uint64(30+12+len(motion)+46+12) + 22

	livp := drive.File{Name: "IMG_0001.livp", ID: "l1", Kind: drive.KindFile, Size: advertised}

	fake := &fakeDrive{
		t: t,
		getByPath: func(path string) (*drive.File, error) {
			if path == "/IMG_0001.livp" {
				f := livp
				return &f, nil
			}

			return nil, nil
		},
		getByID: func(string) (*drive.File, error) {
			f := livp

			return &f, nil
		},
		getDownloadURL: func(string) (*drive.DownloadURL, error) {
			return &drive.DownloadURL{
				StreamsURL: map[string]string{
					"heic": "https://oss.example/s/heic",
					"mov":  "https://oss.example/s/mov",
				},
			}, nil
		},
		download: func(url string, _ uint64, _ int) ([]byte, error) {
			if strings.HasSuffix(url, "heic") {
				return still, nil
			}

			return motion, nil
		},
	}

	fsys := newTestFS(t, fake, Options{})

	handle, err := fsys.OpenFile(context.Background(), "/IMG_0001.livp", os.O_RDONLY, 0)
	require.NoError(t, err)

	before, err := handle.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(advertised), before.Size())

	data, err := io.ReadAll(handle)
	require.NoError(t, err)
	require.NoError(t, handle.Close())

	assert.Len(t, data, int(advertised))

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 2)
}

func TestReaddirOnFileFails(t *testing.T) {
	f, _ := openTestRead(t, []byte("abc"), 8)

	_, err := f.Readdir(-1)
	assert.Error(t, err)
}
