package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"
)

// Browser-like identity pinned to the service's website. The API rejects
// requests that do not look like its own web client.
const (
	origin    = "https://www.aliyundrive.com"
	referer   = "https://www.aliyundrive.com/"
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/99.0.4844.83 Safari/537.36"
)

// Transport-level retry constants: exponential backoff for connect and
// timeout failures before the request ever reaches status handling.
const (
	maxTransportRetries = 3
	baseBackoff         = 100 * time.Millisecond
	maxBackoff          = 5 * time.Second
	backoffFactor       = 2.0
)

// statusRetryDelay is the single wait before retrying a throttled or 5xx
// response.
const statusRetryDelay = 1 * time.Second

// HTTP client timeouts. The pool idle timeout stays below OSS's 60 second
// idle close so half-closed connections are never reused.
const (
	connectTimeout  = 10 * time.Second
	requestTimeout  = 30 * time.Second
	poolIdleTimeout = 50 * time.Second
)

// newHTTPClient builds the shared HTTP client used for both API calls and
// presigned-URL transfers.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			IdleConnTimeout:     poolIdleTimeout,
			MaxIdleConnsPerHost: 16,
			TLSHandshakeTimeout: connectTimeout,
		},
	}
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc; tests override it to avoid real delays.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calcBackoff computes exponential backoff for transport-level retries.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	return time.Duration(backoff)
}

// postOnce executes a single authenticated JSON POST (no retry).
func (d *Drive) postOnce(ctx context.Context, url, accessToken string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("drive: creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", referer)
	req.Header.Set("User-Agent", userAgent)

	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	return d.httpClient.Do(req)
}

// post executes an authenticated JSON POST with transport-level retry.
// Connect and timeout errors are retried with exponential backoff; the
// response status is not inspected here.
func (d *Drive) post(ctx context.Context, op, url, accessToken string, body []byte) (*http.Response, error) {
	var attempt int
	for {
		resp, err := d.postOnce(ctx, url, accessToken, body)
		if err == nil {
			apiRequests.WithLabelValues(op, fmt.Sprint(resp.StatusCode)).Inc()
			return resp, nil
		}

		// Context cancellation is not retryable.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("drive: request canceled: %w", ctx.Err())
		}

		if attempt >= maxTransportRetries {
			apiRequests.WithLabelValues(op, "transport_error").Inc()
			return nil, fmt.Errorf("drive: %s failed after %d retries: %w", op, maxTransportRetries, err)
		}

		backoff := calcBackoff(attempt)
		d.logger.Warn("retrying after network error",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := d.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("drive: request canceled: %w", sleepErr)
		}

		attempt++
	}
}

// request issues an authenticated JSON POST to an API endpoint and decodes
// the response into T. 204 yields (nil, nil). A 401 triggers one token
// refresh and one re-dispatch; a throttled or 5xx status is retried once
// after a short wait. A logical request performs at most two POSTs.
func request[T any](ctx context.Context, d *Drive, op, path string, body any) (*T, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("drive: marshaling %s request: %w", op, err)
	}

	accessToken, err := d.AccessToken()
	if err != nil {
		return nil, err
	}

	url := d.config.APIBaseURL + path

	resp, err := d.post(ctx, op, url, accessToken, payload)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		drainBody(resp)

		// The access token went stale server-side. Refresh and re-dispatch
		// once; concurrent 401s serialize inside RefreshNow.
		accessToken, err = d.RefreshNow(ctx, accessToken)
		if err != nil {
			return nil, fmt.Errorf("drive: %s: refreshing token after 401: %w", op, err)
		}

	case isRetryableStatus(resp.StatusCode):
		drainBody(resp)
		d.logger.Warn("retrying after upstream error",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
		)

		if sleepErr := d.sleepFunc(ctx, statusRetryDelay); sleepErr != nil {
			return nil, fmt.Errorf("drive: request canceled: %w", sleepErr)
		}

	default:
		return decodeResponse[T](d, op, resp)
	}

	resp, err = d.post(ctx, op, url, accessToken, payload)
	if err != nil {
		return nil, err
	}

	return decodeResponse[T](d, op, resp)
}

// decodeResponse turns the final HTTP response into a decoded value or a
// classified error.
func decodeResponse[T any](d *Drive, op string, resp *http.Response) (*T, error) {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		var out T
		if decErr := json.NewDecoder(resp.Body).Decode(&out); decErr != nil {
			return nil, fmt.Errorf("drive: decoding %s response: %w", op, decErr)
		}

		return &out, nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	d.logger.Debug("upstream error response",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.String("body", string(errBody)),
	)

	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Message:    string(errBody),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// drainBody discards and closes a response body so the connection can be
// reused.
func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// Download fetches bytes from a presigned URL. When count > 0 a Range header
// for [pos, pos+count) is sent. The URL embeds its own authorization, so no
// bearer token is attached.
func (d *Drive) Download(ctx context.Context, url string, pos uint64, count int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("drive: creating download request: %w", err)
	}

	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", referer)
	req.Header.Set("User-Agent", userAgent)

	if count > 0 {
		end := pos + uint64(count) - 1
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", pos, end))
		d.logger.Debug("download range",
			slog.Uint64("start", pos),
			slog.Uint64("end", end),
		)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drive: download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, _ := io.ReadAll(resp.Body)

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("drive: reading download body: %w", err)
	}

	return data, nil
}

// Upload PUTs a chunk to a presigned upload URL with the chunk bytes as the
// entire body. Error bodies are captured for diagnostics — the caller
// inspects them for upload URL expiry.
func (d *Drive) Upload(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("drive: creating upload request: %w", err)
	}

	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", referer)
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = int64(len(body))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("drive: upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, _ := io.ReadAll(resp.Body)

		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	drainErr := func() error {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return fmt.Errorf("drive: draining upload response: %w", err)
		}

		return nil
	}()

	return drainErr
}
