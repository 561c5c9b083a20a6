package drive

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKindUnmarshal(t *testing.T) {
	var k FileKind

	require.NoError(t, json.Unmarshal([]byte(`"folder"`), &k))
	assert.Equal(t, KindFolder, k)

	require.NoError(t, json.Unmarshal([]byte(`"file"`), &k))
	assert.Equal(t, KindFile, k)

	assert.Error(t, json.Unmarshal([]byte(`"symlink"`), &k))
}

func TestListItemDiscardsImageURL(t *testing.T) {
	item := listFileItem{
		Name:     "photo.jpg",
		Category: "image",
		ID:       "f1",
		URL:      "https://oss.example/processed.jpg",
	}

	// The list endpoint returns a thumbnail-processed URL for images, which
	// does not serve the original bytes.
	assert.Empty(t, item.toFile().DownloadURL)

	item.Category = "video"
	assert.Equal(t, "https://oss.example/processed.jpg", item.toFile().DownloadURL)
}

func TestLivpSizeIsZipSize(t *testing.T) {
	res := getFileResponse{
		Name:          "IMG_0001.livp",
		FileExtension: "livp",
		Kind:          KindFile,
		Size:          5,
		StreamsInfo: map[string]streamInfo{
			"heic": {Size: 1000},
			"mov":  {Size: 2000},
		},
	}

	file := res.toFile()

	// Two stored entries named IMG_0001.heic and IMG_0001.mov: each costs a
	// local header and a central directory entry plus its name twice, then
	// the end-of-central-directory record.
	want := uint64(30+13+1000+46+13) + uint64(30+12+2000+46+12) + 22
	assert.Equal(t, want, file.Size)
}

func TestPlainFileKeepsReportedSize(t *testing.T) {
	res := getFileResponse{Name: "a.bin", Kind: KindFile, Size: 42}
	assert.Equal(t, uint64(42), res.toFile().Size)
}

func TestNewRootIsFolder(t *testing.T) {
	root := NewRoot()
	assert.Equal(t, RootID, root.ID)
	assert.True(t, root.IsDir())
	assert.Equal(t, "/", root.Name)
}
