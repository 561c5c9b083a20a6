package drive

import (
	"encoding/json"
	"fmt"
	"time"
)

// RootID is the file id of the synthesized root folder. The root is never
// fetched from the API.
const RootID = "root"

// FileKind distinguishes folders from files.
type FileKind int

const (
	KindFile FileKind = iota
	KindFolder
)

func (k FileKind) String() string {
	if k == KindFolder {
		return "folder"
	}

	return "file"
}

// UnmarshalJSON decodes the API's "file"/"folder" type strings.
func (k *FileKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("drive: decoding file kind: %w", err)
	}

	switch s {
	case "folder":
		*k = KindFolder
	case "file":
		*k = KindFile
	default:
		return fmt.Errorf("drive: unknown file kind %q", s)
	}

	return nil
}

// File represents a remote drive entry (file or folder), normalized from the
// API response — callers never see raw API data. The DownloadURL is a cached
// presigned URL and may already be expired; NEVER log it.
type File struct {
	Name        string
	ID          string
	Kind        FileKind
	Size        uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DownloadURL string
	ContentHash string // SHA-1 hex as reported by the service
}

// IsDir reports whether the entry is a folder.
func (f *File) IsDir() bool {
	return f.Kind == KindFolder
}

// NewRoot synthesizes the root folder entry locally.
func NewRoot() File {
	now := time.Now()

	return File{
		Name:      "/",
		ID:        RootID,
		Kind:      KindFolder,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// refreshTokenRequest is the POST body for the token refresh endpoint.
// ClientID and ClientSecret are only sent for registered applications.
type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// refreshTokenResponse mirrors the token refresh endpoint's JSON. The
// backup and resource drive ids are absent on accounts without those
// drives.
type refreshTokenResponse struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	ExpiresIn       int64  `json:"expires_in"`
	TokenType       string `json:"token_type"`
	DefaultDriveID  string `json:"default_drive_id"`
	BackupDriveID   string `json:"backup_drive_id"`
	ResourceDriveID string `json:"resource_drive_id"`
	NickName        string `json:"nick_name"`
}

type listFileRequest struct {
	DriveID               string `json:"drive_id"`
	ParentFileID          string `json:"parent_file_id"`
	Limit                 int    `json:"limit"`
	All                   bool   `json:"all"`
	ImageThumbnailProcess string `json:"image_thumbnail_process"`
	ImageURLProcess       string `json:"image_url_process"`
	VideoThumbnailProcess string `json:"video_thumbnail_process"`
	Fields                string `json:"fields"`
	OrderBy               string `json:"order_by"`
	OrderDirection        string `json:"order_direction"`
	Marker                string `json:"marker,omitempty"`
}

type listFileResponse struct {
	Items      []listFileItem `json:"items"`
	NextMarker string         `json:"next_marker"`
}

// listFileItem mirrors a single entry of the list endpoint's JSON.
type listFileItem struct {
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	ID          string    `json:"file_id"`
	Kind        FileKind  `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Size        uint64    `json:"size"`
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash"`
}

// toFile normalizes a list entry. The list endpoint's url field is unreliable
// for images, so it is discarded for them.
func (it *listFileItem) toFile() File {
	url := it.URL
	if it.Category == "image" {
		url = ""
	}

	return File{
		Name:        it.Name,
		ID:          it.ID,
		Kind:        it.Kind,
		Size:        it.Size,
		CreatedAt:   it.CreatedAt,
		UpdatedAt:   it.UpdatedAt,
		DownloadURL: url,
		ContentHash: it.ContentHash,
	}
}

type getFileRequest struct {
	DriveID string `json:"drive_id"`
	FileID  string `json:"file_id"`
}

type getFileByPathRequest struct {
	DriveID  string `json:"drive_id"`
	FilePath string `json:"file_path"`
}

type streamInfo struct {
	Size uint64 `json:"size"`
}

// getFileResponse mirrors the get-by-id endpoint's JSON, including the
// streams_info block for Live Photo containers.
type getFileResponse struct {
	Name          string                `json:"name"`
	FileExtension string                `json:"file_extension"`
	ID            string                `json:"file_id"`
	Kind          FileKind              `json:"type"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Size          uint64                `json:"size"`
	ContentHash   string                `json:"content_hash"`
	StreamsInfo   map[string]streamInfo `json:"streams_info"`
}

// toFile normalizes a get-by-id response. For .livp containers the size is
// recomputed as the size of the ZIP file the streams would be assembled into,
// since that is what download returns.
func (g *getFileResponse) toFile() File {
	size := g.Size
	if g.FileExtension == "livp" && len(g.StreamsInfo) > 0 {
		size = livpZipSize(g.Name, g.StreamsInfo)
	}

	return File{
		Name:        g.Name,
		ID:          g.ID,
		Kind:        g.Kind,
		Size:        size,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
		ContentHash: g.ContentHash,
	}
}

// ZIP constants for the stored (no compression) layout: per-entry local file
// header and central directory entry overhead plus the end-of-central-directory
// record.
const (
	zipLocalHeaderSize  = 30
	zipCentralDirSize   = 46
	zipEndOfCentralSize = 22
)

// livpZipSize computes the byte size of a ZIP file containing each stream of
// a Live Photo stored uncompressed, named `<base>.<type>`.
func livpZipSize(name string, streams map[string]streamInfo) uint64 {
	base := livpBaseName(name)

	var size uint64
	for typ, info := range streams {
		nameLen := uint64(len(fmt.Sprintf("%s.%s", base, typ)))
		size += zipLocalHeaderSize + nameLen
		size += info.Size
		size += zipCentralDirSize + nameLen
	}

	return size + zipEndOfCentralSize
}

// livpBaseName strips the .livp extension from a container name.
func livpBaseName(name string) string {
	const ext = ".livp"
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}

	return name
}

type getDownloadURLRequest struct {
	DriveID   string `json:"drive_id"`
	FileID    string `json:"file_id"`
	ExpireSec int    `json:"expire_sec"`
}

// DownloadURL is the get-download-url response. Expiration is advisory; the
// x-oss-expires query parameter on URL is authoritative.
type DownloadURL struct {
	URL        string            `json:"url"`
	StreamsURL map[string]string `json:"streams_url"`
	Expiration string            `json:"expiration"`
	Method     string            `json:"method"`
}

type trashRequest struct {
	DriveID string `json:"drive_id"`
	FileID  string `json:"file_id"`
}

type createFolderRequest struct {
	CheckNameMode string `json:"check_name_mode"`
	DriveID       string `json:"drive_id"`
	Name          string `json:"name"`
	ParentFileID  string `json:"parent_file_id"`
	Type          string `json:"type"`
}

type renameFileRequest struct {
	CheckNameMode string `json:"check_name_mode"`
	DriveID       string `json:"drive_id"`
	FileID        string `json:"file_id"`
	Name          string `json:"name"`
}

type moveFileRequest struct {
	DriveID        string `json:"drive_id"`
	FileID         string `json:"file_id"`
	ToDriveID      string `json:"to_drive_id"`
	ToParentFileID string `json:"to_parent_file_id"`
	NewName        string `json:"new_name,omitempty"`
}

type copyFileRequest struct {
	DriveID        string `json:"drive_id"`
	FileID         string `json:"file_id"`
	ToParentFileID string `json:"to_parent_file_id"`
	NewName        string `json:"new_name,omitempty"`
	AutoRename     bool   `json:"auto_rename"`
}

// UploadPart is a presigned per-chunk upload URL. Part numbers are 1-based.
type UploadPart struct {
	PartNumber int    `json:"part_number"`
	UploadURL  string `json:"upload_url,omitempty"`
}

type createFileWithProofRequest struct {
	CheckNameMode   string       `json:"check_name_mode"`
	ContentHash     string       `json:"content_hash"`
	ContentHashName string       `json:"content_hash_name"`
	DriveID         string       `json:"drive_id"`
	Name            string       `json:"name"`
	ParentFileID    string       `json:"parent_file_id"`
	ProofCode       string       `json:"proof_code"`
	ProofVersion    string       `json:"proof_version"`
	Size            uint64       `json:"size"`
	PartInfoList    []UploadPart `json:"part_info_list"`
	Type            string       `json:"type"`
}

// CreateFileResult carries the identifiers and presigned part URLs of a new
// multi-part upload.
type CreateFileResult struct {
	PartInfoList []UploadPart `json:"part_info_list"`
	FileID       string       `json:"file_id"`
	UploadID     string       `json:"upload_id"`
	FileName     string       `json:"file_name"`
}

type completeUploadRequest struct {
	DriveID  string `json:"drive_id"`
	FileID   string `json:"file_id"`
	UploadID string `json:"upload_id"`
}

type getUploadURLRequest struct {
	DriveID      string       `json:"drive_id"`
	FileID       string       `json:"file_id"`
	UploadID     string       `json:"upload_id"`
	PartInfoList []UploadPart `json:"part_info_list"`
}

type spaceInfo struct {
	TotalSize uint64 `json:"total_size"`
	UsedSize  uint64 `json:"used_size"`
}

type getSpaceInfoResponse struct {
	PersonalSpaceInfo spaceInfo `json:"personal_space_info"`
}
