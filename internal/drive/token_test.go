package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveup/aliyundrive-webdav/internal/tokenfile"
)

func refreshedBody(refreshToken string) string {
	return fmt.Sprintf(
		`{"access_token":"access-new","refresh_token":%q,"expires_in":7200,"default_drive_id":"drive-1","nick_name":"tester"}`,
		refreshToken,
	)
}

func TestRefreshRotatesAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req refreshTokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh_token", req.GrantType)
		assert.Equal(t, "refresh-1", req.RefreshToken)

		_, _ = w.Write([]byte(refreshedBody("refresh-2")))
	}))
	defer srv.Close()

	workdir := t.TempDir()
	d := newTestDrive(t, srv.URL)
	d.config.Workdir = workdir

	res, err := d.doRefreshToken(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-new", res.AccessToken)

	// The rotated refresh token must be on disk before the new access token
	// is used, so a crash cannot strand the only valid token in memory.
	clientType, token, err := tokenfile.Load(workdir)
	require.NoError(t, err)
	assert.Equal(t, "web", clientType)
	assert.Equal(t, "refresh-2", token)

	assert.Equal(t, "refresh-2", d.currentRefreshToken())

	access, err := d.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, "access-new", access)
}

func TestRefreshRetriesOnThrottle(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		_, _ = w.Write([]byte(refreshedBody("refresh-2")))
	}))
	defer srv.Close()

	d := newTestDrive(t, srv.URL)

	res, err := d.refreshWithRetry(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "access-new", res.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefreshGivesUpOnInvalidToken(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"InvalidParameter.RefreshToken"}`))
	}))
	defer srv.Close()

	d := newTestDrive(t, srv.URL)

	_, err := d.refreshWithRetry(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "invalid token must not be retried")
}

func TestRefreshFallsBackToPersistedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req refreshTokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.RefreshToken == "stale" {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		_, _ = w.Write([]byte(refreshedBody("refresh-2")))
	}))
	defer srv.Close()

	d := newTestDrive(t, srv.URL)
	d.creds = credentials{refreshToken: "stale"}

	res, err := d.refreshWithRetry(context.Background(), "good-from-disk")
	require.NoError(t, err)
	assert.Equal(t, "access-new", res.AccessToken)
}

func TestRefreshSendsClientIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req refreshTokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "app-id", req.ClientID)
		assert.Equal(t, "app-secret", req.ClientSecret)

		_, _ = w.Write([]byte(refreshedBody("refresh-2")))
	}))
	defer srv.Close()

	d := newTestDrive(t, srv.URL)
	d.config.ClientID = "app-id"
	d.config.ClientSecret = "app-secret"

	_, err := d.doRefreshToken(context.Background(), "refresh-1")
	require.NoError(t, err)
}

func TestRefreshOmitsClientIdentityWhenUnset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.NotContains(t, raw, "client_id")
		assert.NotContains(t, raw, "client_secret")

		_, _ = w.Write([]byte(refreshedBody("refresh-2")))
	}))
	defer srv.Close()

	d := newTestDrive(t, srv.URL)

	_, err := d.doRefreshToken(context.Background(), "refresh-1")
	require.NoError(t, err)
}

func TestRefreshNowSkipsWhenTokenAlreadyRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("no refresh call expected")
	}))
	defer srv.Close()

	d := newTestDrive(t, srv.URL)

	// A concurrent caller already refreshed; our stale token differs from
	// the current one, so no round trip happens.
	token, err := d.RefreshNow(context.Background(), "some-older-access")
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
}

func TestNewRequiresCredential(t *testing.T) {
	workdir := filepath.Join(t.TempDir(), "empty")

	_, err := New(context.Background(), Config{Workdir: workdir}, "", nil)
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestNewRefreshesAndStartsAuthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(refreshedBody("refresh-2")))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workdir := t.TempDir()

	d, err := New(ctx, Config{
		RefreshTokenURL: srv.URL + "/token/refresh",
		Workdir:         workdir,
	}, "refresh-1", nil)
	require.NoError(t, err)

	assert.Equal(t, "drive-1", d.DriveID())

	access, err := d.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, "access-new", access)

	data, err := os.ReadFile(filepath.Join(workdir, tokenfile.FileName))
	require.NoError(t, err)
	assert.Equal(t, "web:refresh-2", string(data))
}

func TestNewBindsBackupDrive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(
			`{"access_token":"access-new","refresh_token":"refresh-2","expires_in":7200,` +
				`"default_drive_id":"drive-1","backup_drive_id":"drive-b","nick_name":"tester"}`,
		))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := New(ctx, Config{
		RefreshTokenURL: srv.URL + "/token/refresh",
		Workdir:         t.TempDir(),
		DriveType:       "backup",
	}, "refresh-1", nil)
	require.NoError(t, err)

	assert.Equal(t, "drive-b", d.DriveID())
}

func TestSelectDriveID(t *testing.T) {
	res := &refreshTokenResponse{DefaultDriveID: "d", BackupDriveID: "b"}

	id, err := selectDriveID("", res)
	require.NoError(t, err)
	assert.Equal(t, "d", id)

	id, err = selectDriveID("default", res)
	require.NoError(t, err)
	assert.Equal(t, "d", id)

	id, err = selectDriveID("backup", res)
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	_, err = selectDriveID("resource", res)
	require.Error(t, err, "missing resource drive must not silently fall back")

	_, err = selectDriveID("archive", res)
	require.Error(t, err)
}

func TestExpiryDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), expiryDelay(100))
	assert.Equal(t, 7000*time.Second, expiryDelay(7200))
}
