package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/driveup/aliyundrive-webdav/internal/tokenfile"
)

// refreshLeeway is how long before the reported expiry the background
// refresher wakes up.
const refreshLeeway = 200 * time.Second

// maxRefreshAttempts bounds the startup and reactive refresh retry loops.
const maxRefreshAttempts = 10

// refreshRetryDelay spaces refresh retries.
const refreshRetryDelay = 1 * time.Second

// credentials is the refresh/access token pair. The access token is empty
// until the first refresh succeeds. Guarded by Drive.credMu: many concurrent
// token reads, exclusive refresh.
type credentials struct {
	refreshToken string
	accessToken  string
}

// AccessToken returns the current access token. It fails if no refresh has
// ever succeeded.
func (d *Drive) AccessToken() (string, error) {
	d.credMu.RLock()
	defer d.credMu.RUnlock()

	if d.creds.accessToken == "" {
		return "", ErrNotAuthorized
	}

	return d.creds.accessToken, nil
}

// currentRefreshToken returns the most recent refresh token.
func (d *Drive) currentRefreshToken() string {
	d.credMu.RLock()
	defer d.credMu.RUnlock()

	return d.creds.refreshToken
}

// DriveID returns the drive id bound at startup.
func (d *Drive) DriveID() string {
	return d.driveID
}

// RefreshNow forces a token refresh and returns the new access token.
// Concurrent callers serialize on refreshMu; whoever loses the race finds a
// token that differs from its stale one and proceeds without refreshing.
func (d *Drive) RefreshNow(ctx context.Context, staleToken string) (string, error) {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	d.credMu.RLock()
	current := d.creds.accessToken
	d.credMu.RUnlock()

	if current != "" && current != staleToken {
		return current, nil
	}

	res, err := d.refreshWithRetry(ctx, "")
	if err != nil {
		return "", err
	}

	return res.AccessToken, nil
}

// doRefreshToken performs one refresh round-trip against the configured
// token endpoint and rotates the stored credentials on success. The rotated
// refresh token is persisted before the new access token is handed out.
func (d *Drive) doRefreshToken(ctx context.Context, refreshToken string) (*refreshTokenResponse, error) {
	payload, err := json.Marshal(refreshTokenRequest{
		RefreshToken: refreshToken,
		GrantType:    "refresh_token",
		ClientID:     d.config.ClientID,
		ClientSecret: d.config.ClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("drive: marshaling refresh request: %w", err)
	}

	// The refresh endpoint must not see a bearer token, so this bypasses
	// request() and posts directly.
	resp, err := d.post(ctx, "refresh_token", d.config.RefreshTokenURL, "", payload)
	if err != nil {
		return nil, err
	}

	out, err := decodeResponse[refreshTokenResponse](d, "refresh_token", resp)
	if err != nil {
		tokenRefreshes.WithLabelValues("failure").Inc()
		return nil, err
	}

	if out == nil || out.AccessToken == "" {
		tokenRefreshes.WithLabelValues("failure").Inc()
		return nil, errors.New("drive: empty token refresh response")
	}

	d.credMu.Lock()
	d.creds.refreshToken = out.RefreshToken
	d.creds.accessToken = out.AccessToken
	d.credMu.Unlock()

	if d.config.Workdir != "" {
		if saveErr := tokenfile.Save(d.config.Workdir, d.config.ClientType.String(), out.RefreshToken); saveErr != nil {
			d.logger.Error("saving refresh token failed",
				slog.String("error", saveErr.Error()),
			)
		}
	}

	tokenRefreshes.WithLabelValues("success").Inc()
	d.logger.Info("token refresh succeeded",
		slog.String("nick_name", out.NickName),
		slog.Int64("expires_in", out.ExpiresIn),
	)

	return out, nil
}

// refreshWithRetry refreshes the token, retrying connect, timeout, and
// throttled failures with a short fixed delay. When fallbackToken is
// non-empty and differs from the in-memory token, it is swapped in once
// after a non-retryable failure — this covers a stale CLI-supplied token
// shadowing a fresher persisted one.
func (d *Drive) refreshWithRetry(ctx context.Context, fallbackToken string) (*refreshTokenResponse, error) {
	refreshToken := d.currentRefreshToken()

	var lastErr error
	for attempt := 0; attempt < maxRefreshAttempts; attempt++ {
		res, err := d.doRefreshToken(ctx, refreshToken)
		if err == nil {
			return res, nil
		}

		lastErr = err
		retry := isRetryableRefreshError(err)
		warn := true

		if !retry && fallbackToken != "" && fallbackToken != refreshToken {
			refreshToken = fallbackToken
			fallbackToken = ""
			retry = true
			warn = false
		}

		if !retry {
			break
		}

		if warn {
			d.logger.Warn("token refresh failed, will wait and retry",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
		}

		if sleepErr := d.sleepFunc(ctx, refreshRetryDelay); sleepErr != nil {
			return nil, fmt.Errorf("drive: token refresh canceled: %w", sleepErr)
		}
	}

	return nil, fmt.Errorf("drive: token refresh failed: %w", lastErr)
}

// isRetryableRefreshError reports whether a refresh failure is transient:
// connect and timeout errors, plus 429 throttling.
func isRetryableRefreshError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}

	// Transport failures surface as wrapped url.Error values; those cover
	// connect and timeout problems.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// refreshLoop runs in the background for the life of the process, waking
// shortly before each expiry. Failures are logged and skipped — the next
// 401-triggered reactive refresh will retry.
func (d *Drive) refreshLoop(ctx context.Context, expiresIn int64) {
	delay := expiryDelay(expiresIn)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		res, err := d.refreshWithRetry(ctx, "")
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			d.logger.Error("background token refresh failed",
				slog.String("error", err.Error()),
			)
			delay = refreshRetryDelay * 30

			continue
		}

		delay = expiryDelay(res.ExpiresIn)
	}
}

// expiryDelay converts an expires_in value to the background refresher's
// sleep, floored at zero.
func expiryDelay(expiresIn int64) time.Duration {
	delay := time.Duration(expiresIn)*time.Second - refreshLeeway
	if delay < 0 {
		delay = 0
	}

	return delay
}
