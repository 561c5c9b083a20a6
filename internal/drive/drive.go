package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/driveup/aliyundrive-webdav/internal/tokenfile"
)

// ClientType selects which token endpoint the refresh flow talks to.
type ClientType int

const (
	ClientWeb ClientType = iota
	ClientApp
)

func (c ClientType) String() string {
	if c == ClientApp {
		return "app"
	}

	return "web"
}

// ParseClientType parses "web" (or empty) and "app".
func ParseClientType(s string) (ClientType, error) {
	switch s {
	case "", "web":
		return ClientWeb, nil
	case "app":
		return ClientApp, nil
	default:
		return ClientWeb, fmt.Errorf("drive: invalid client type %q", s)
	}
}

// RefreshTokenURL returns the token endpoint for the client type.
func (c ClientType) RefreshTokenURL() string {
	if c == ClientApp {
		return "https://auth.aliyundrive.com/v2/account/token"
	}

	return "https://api.aliyundrive.com/token/refresh"
}

// DefaultAPIBaseURL is the production API host.
const DefaultAPIBaseURL = "https://api.aliyundrive.com"

// listPageSize is the limit the list endpoint accepts.
const listPageSize = 200

// downloadURLExpireSec is the requested presigned URL lifetime.
const downloadURLExpireSec = 14400

// Config carries the connection parameters for a Drive client.
type Config struct {
	APIBaseURL      string
	RefreshTokenURL string
	Workdir         string
	ClientType      ClientType

	// ClientID and ClientSecret identify a registered application and are
	// sent with every token refresh when set.
	ClientID     string
	ClientSecret string

	// DriveType picks which of the account's drives to bind: "default"
	// (or empty), "backup", or "resource".
	DriveType string
}

// Drive is a client for the Aliyun Drive API bound to the default drive of
// one authenticated user. It is cheap to share between goroutines.
type Drive struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	credMu    sync.RWMutex
	creds     credentials
	refreshMu sync.Mutex

	driveID string

	// sleepFunc is called to wait between retries. Tests override it to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates a Drive client and performs the initial token refresh
// synchronously: the refresh token comes from refreshToken or, if that is
// empty or stale, from the persisted token file in the working directory.
// On success the background refresher is running and the drive id named by
// Config.DriveType is bound. ctx must outlive the client; canceling it
// stops the refresher.
func New(ctx context.Context, config Config, refreshToken string, logger *slog.Logger) (*Drive, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = DefaultAPIBaseURL
	}

	if config.RefreshTokenURL == "" {
		config.RefreshTokenURL = config.ClientType.RefreshTokenURL()
	}

	d := &Drive{
		config:     config,
		httpClient: newHTTPClient(),
		logger:     logger,
		sleepFunc:  timeSleep,
	}

	var fileToken string
	if config.Workdir != "" {
		fileClientType, tok, err := tokenfile.Load(config.Workdir)
		if err != nil {
			logger.Warn("reading persisted refresh token failed",
				slog.String("error", err.Error()),
			)
		} else if tok != "" {
			fileToken = tok
			if refreshToken == "" {
				if ct, ctErr := ParseClientType(fileClientType); ctErr == nil {
					d.config.ClientType = ct
					d.config.RefreshTokenURL = ct.RefreshTokenURL()
				}
			}
		}
	}

	if refreshToken == "" {
		refreshToken = fileToken
		fileToken = ""
	}

	if refreshToken == "" {
		return nil, ErrNoCredential
	}

	d.creds = credentials{refreshToken: refreshToken}

	res, err := d.refreshWithRetry(ctx, fileToken)
	if err != nil {
		return nil, err
	}

	driveID, err := selectDriveID(config.DriveType, res)
	if err != nil {
		return nil, err
	}

	d.driveID = driveID
	logger.Info("found drive",
		slog.String("drive_id", d.driveID),
		slog.String("drive_type", config.DriveType),
	)

	go d.refreshLoop(ctx, res.ExpiresIn)

	return d, nil
}

// selectDriveID resolves the configured drive type against the ids the
// refresh response reported.
func selectDriveID(driveType string, res *refreshTokenResponse) (string, error) {
	switch driveType {
	case "", "default":
		if res.DefaultDriveID == "" {
			return "", errors.New("drive: token refresh returned no default drive id")
		}

		return res.DefaultDriveID, nil
	case "backup":
		if res.BackupDriveID == "" {
			return "", errors.New("drive: account has no backup drive")
		}

		return res.BackupDriveID, nil
	case "resource":
		if res.ResourceDriveID == "" {
			return "", errors.New("drive: account has no resource drive")
		}

		return res.ResourceDriveID, nil
	default:
		return "", fmt.Errorf("drive: invalid drive type %q", driveType)
	}
}

// List fetches one page of a folder's children, ordered by update time
// descending. An empty nextMarker means the last page.
func (d *Drive) List(ctx context.Context, parentID, marker string) ([]File, string, error) {
	d.logger.Debug("list folder",
		slog.String("parent_id", parentID),
		slog.String("marker", marker),
	)

	req := listFileRequest{
		DriveID:               d.driveID,
		ParentFileID:          parentID,
		Limit:                 listPageSize,
		ImageThumbnailProcess: "image/resize,w_400/format,jpeg",
		ImageURLProcess:       "image/resize,w_1920/format,jpeg",
		VideoThumbnailProcess: "video/snapshot,t_0,f_jpg,ar_auto,w_300",
		Fields:                "*",
		OrderBy:               "updated_at",
		OrderDirection:        "DESC",
		Marker:                marker,
	}

	res, err := request[listFileResponse](ctx, d, "list", "/v2/file/list", req)
	if err != nil {
		return nil, "", err
	}

	if res == nil {
		return nil, "", errors.New("drive: empty list response")
	}

	files := make([]File, 0, len(res.Items))
	for i := range res.Items {
		files = append(files, res.Items[i].toFile())
	}

	return files, res.NextMarker, nil
}

// ListAll fetches every child of a folder, following pagination markers.
func (d *Drive) ListAll(ctx context.Context, parentID string) ([]File, error) {
	var (
		files  []File
		marker string
	)

	for {
		page, next, err := d.List(ctx, parentID, marker)
		if err != nil {
			return nil, err
		}

		files = append(files, page...)

		if next == "" {
			return files, nil
		}

		marker = next
	}
}

// GetByPath looks a file up by its absolute remote path. Returns
// (nil, nil) when the path does not exist. Some path shapes fail
// server-side; callers fall back to a per-segment scan.
func (d *Drive) GetByPath(ctx context.Context, path string) (*File, error) {
	if path == "/" || path == "" {
		root := NewRoot()
		return &root, nil
	}

	d.logger.Debug("get file by path",
		slog.String("path", path),
	)

	req := getFileByPathRequest{DriveID: d.driveID, FilePath: path}

	res, err := request[listFileItem](ctx, d, "get_by_path", "/v2/file/get_by_path", req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	if res == nil {
		return nil, errors.New("drive: empty get_by_path response")
	}

	file := res.toFile()

	return &file, nil
}

// GetByID fetches a file's metadata by id. Returns (nil, nil) when the id
// does not exist. Live Photo containers get their size recomputed to the
// assembled ZIP size.
func (d *Drive) GetByID(ctx context.Context, fileID string) (*File, error) {
	d.logger.Debug("get file",
		slog.String("file_id", fileID),
	)

	req := getFileRequest{DriveID: d.driveID, FileID: fileID}

	res, err := request[getFileResponse](ctx, d, "get", "/v2/file/get", req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	if res == nil {
		return nil, errors.New("drive: empty get response")
	}

	file := res.toFile()

	return &file, nil
}

// GetDownloadURL obtains a fresh presigned download URL for a file. For
// Live Photo containers the primary URL may be empty while StreamsURL maps
// stream types to their own presigned URLs.
func (d *Drive) GetDownloadURL(ctx context.Context, fileID string) (*DownloadURL, error) {
	d.logger.Debug("get download url",
		slog.String("file_id", fileID),
	)

	req := getDownloadURLRequest{
		DriveID:   d.driveID,
		FileID:    fileID,
		ExpireSec: downloadURLExpireSec,
	}

	res, err := request[DownloadURL](ctx, d, "get_download_url", "/v2/file/get_download_url", req)
	if err != nil {
		return nil, err
	}

	if res == nil {
		return nil, errors.New("drive: empty get_download_url response")
	}

	return res, nil
}

// Remove trashes or permanently deletes a file. Both forms are idempotent:
// 400 and 404 from the service count as success.
func (d *Drive) Remove(ctx context.Context, fileID string, trash bool) error {
	op, path := "delete", "/v2/file/delete"
	if trash {
		op, path = "trash", "/v2/recyclebin/trash"
	}

	d.logger.Debug("remove file",
		slog.String("file_id", fileID),
		slog.Bool("trash", trash),
	)

	req := trashRequest{DriveID: d.driveID, FileID: fileID}

	_, err := request[json.RawMessage](ctx, d, op, path, req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) &&
			(apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusBadRequest) {
			return nil
		}

		return err
	}

	return nil
}

// CreateFolder creates a folder under a parent. The service refuses
// duplicate names.
func (d *Drive) CreateFolder(ctx context.Context, parentID, name string) error {
	d.logger.Debug("create folder",
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	req := createFolderRequest{
		CheckNameMode: "refuse",
		DriveID:       d.driveID,
		Name:          name,
		ParentFileID:  parentID,
		Type:          "folder",
	}

	_, err := request[json.RawMessage](ctx, d, "create_folder", "/v2/file/create", req)

	return err
}

// Rename changes a file's name within its parent.
func (d *Drive) Rename(ctx context.Context, fileID, name string) error {
	d.logger.Debug("rename file",
		slog.String("file_id", fileID),
		slog.String("name", name),
	)

	req := renameFileRequest{
		CheckNameMode: "refuse",
		DriveID:       d.driveID,
		FileID:        fileID,
		Name:          name,
	}

	_, err := request[json.RawMessage](ctx, d, "rename", "/v2/file/update", req)

	return err
}

// Move relocates a file to another parent, optionally renaming it.
func (d *Drive) Move(ctx context.Context, fileID, toParentID, newName string) error {
	d.logger.Debug("move file",
		slog.String("file_id", fileID),
		slog.String("to_parent_id", toParentID),
	)

	req := moveFileRequest{
		DriveID:        d.driveID,
		FileID:         fileID,
		ToDriveID:      d.driveID,
		ToParentFileID: toParentID,
		NewName:        newName,
	}

	_, err := request[json.RawMessage](ctx, d, "move", "/v2/file/move", req)

	return err
}

// Copy copies a file into another parent, optionally renaming it. Folder
// copies follow the service's native behavior.
func (d *Drive) Copy(ctx context.Context, fileID, toParentID, newName string) error {
	d.logger.Debug("copy file",
		slog.String("file_id", fileID),
		slog.String("to_parent_id", toParentID),
	)

	req := copyFileRequest{
		DriveID:        d.driveID,
		FileID:         fileID,
		ToParentFileID: toParentID,
		NewName:        newName,
	}

	_, err := request[json.RawMessage](ctx, d, "copy", "/v2/file/copy", req)

	return err
}

// CreateFileWithProof opens a multi-part upload: the service answers with a
// file id, an upload id, and one presigned URL per requested part.
func (d *Drive) CreateFileWithProof(ctx context.Context, name, parentID string, size uint64, chunkCount int) (*CreateFileResult, error) {
	d.logger.Debug("create file with proof",
		slog.String("parent_id", parentID),
		slog.String("name", name),
		slog.Uint64("size", size),
		slog.Int("chunk_count", chunkCount),
	)

	parts := make([]UploadPart, 0, chunkCount)
	for i := 1; i <= chunkCount; i++ {
		parts = append(parts, UploadPart{PartNumber: i})
	}

	req := createFileWithProofRequest{
		CheckNameMode:   "refuse",
		ContentHashName: "none",
		DriveID:         d.driveID,
		Name:            name,
		ParentFileID:    parentID,
		ProofVersion:    "v1",
		Size:            size,
		PartInfoList:    parts,
		Type:            "file",
	}

	res, err := request[CreateFileResult](ctx, d, "create_with_proof", "/v2/file/create_with_proof", req)
	if err != nil {
		return nil, err
	}

	if res == nil {
		return nil, errors.New("drive: empty create_with_proof response")
	}

	return res, nil
}

// GetUploadURL re-issues the presigned part URLs of an in-progress upload,
// used when a part URL expires mid-transfer.
func (d *Drive) GetUploadURL(ctx context.Context, fileID, uploadID string, chunkCount int) ([]UploadPart, error) {
	d.logger.Debug("get upload url",
		slog.String("file_id", fileID),
		slog.String("upload_id", uploadID),
	)

	parts := make([]UploadPart, 0, chunkCount)
	for i := 1; i <= chunkCount; i++ {
		parts = append(parts, UploadPart{PartNumber: i})
	}

	req := getUploadURLRequest{
		DriveID:      d.driveID,
		FileID:       fileID,
		UploadID:     uploadID,
		PartInfoList: parts,
	}

	res, err := request[CreateFileResult](ctx, d, "get_upload_url", "/v2/file/get_upload_url", req)
	if err != nil {
		return nil, err
	}

	if res == nil {
		return nil, errors.New("drive: empty get_upload_url response")
	}

	return res.PartInfoList, nil
}

// CompleteFileUpload commits a multi-part upload.
func (d *Drive) CompleteFileUpload(ctx context.Context, fileID, uploadID string) error {
	d.logger.Debug("complete file upload",
		slog.String("file_id", fileID),
		slog.String("upload_id", uploadID),
	)

	req := completeUploadRequest{
		DriveID:  d.driveID,
		FileID:   fileID,
		UploadID: uploadID,
	}

	_, err := request[json.RawMessage](ctx, d, "complete_upload", "/v2/file/complete", req)

	return err
}

// Quota returns the used and total bytes of the personal space.
func (d *Drive) Quota(ctx context.Context) (used, total uint64, err error) {
	res, err := request[getSpaceInfoResponse](ctx, d, "quota", "/v2/databox/get_personal_info", struct{}{})
	if err != nil {
		return 0, 0, err
	}

	if res == nil {
		return 0, 0, errors.New("drive: empty quota response")
	}

	return res.PersonalSpaceInfo.UsedSize, res.PersonalSpaceInfo.TotalSize, nil
}
