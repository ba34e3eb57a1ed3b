package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bdobrica/karn/common/retry"
)

const userAgent = "karn/1 (+https://github.com/bdobrica/karn)"

// httpStatusError carries a non-2xx response body for callers that inspect
// API error payloads.
type httpStatusError struct {
	Status int
	Body   []byte
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, truncate(string(e.Body), 200))
}

func newHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 20 * time.Second}
}

// getJSON fetches url into out. Server errors and transport failures are
// retried; 4xx responses are returned at once as *httpStatusError.
func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	return retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 300 * time.Millisecond, MaxDelay: 2 * time.Second}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{Status: resp.StatusCode, Body: body}
		}
		if resp.StatusCode >= 400 {
			return retry.Permanent(&httpStatusError{Status: resp.StatusCode, Body: body})
		}
		if err := json.Unmarshal(body, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
}

func decodeBody(body []byte, out any) error {
	return json.Unmarshal(body, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
