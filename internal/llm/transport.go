package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/nhle/mailtriage/internal/fault"
)

// transport is the shared HTTP layer. It applies a client-side rate limit
// and retries 429 and 5xx responses with Retry-After or exponential backoff.
type transport struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newTransport(requestsPerMinute int) *transport {
	limit := rate.Inf
	burst := 1
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
		burst = requestsPerMinute
	}
	return &transport{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: 3,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// apiError is the error envelope shared by both providers.
type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// postJSON sends body to url and decodes the 2xx response into result.
func (t *transport) postJSON(
	ctx context.Context,
	url string,
	headers map[string]string,
	body interface{},
	result interface{},
) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return fault.New(fault.KindTransientExternal, "llm rate limit", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := t.httpClient.Do(req)
		if err != nil {
			return fault.New(fault.KindTransientExternal, "llm request", err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fault.New(fault.KindTransientExternal, "llm request", fmt.Errorf("reading response body: %w", readErr))
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = statusError(resp.StatusCode, respBody)
			if attempt == t.maxRetries {
				break
			}
			if err := t.sleep(ctx, retryAfterDuration(resp, attempt)); err != nil {
				return fault.New(fault.KindTransientExternal, "llm request", err)
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fault.New(fault.KindTransientExternal, "llm request", statusError(resp.StatusCode, respBody))
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fault.New(fault.KindModelInvalid, "llm decode", fmt.Errorf("unmarshaling response: %w", err))
		}
		return nil
	}

	return fault.New(fault.KindTransientExternal, "llm request",
		fmt.Errorf("max retries (%d) exceeded: %w", t.maxRetries, lastErr))
}

func statusError(code int, body []byte) error {
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("API error (%d): %s", code, apiErr.Error.Message)
	}
	return fmt.Errorf("API error (%d): %s", code, string(body))
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
