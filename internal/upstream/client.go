package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ncecere/usage_insights/internal/usage"
)

// ErrFetchFailed wraps every transport/decode failure so callers can
// distinguish "fetch failed" from the valid "no data for date" result.
var ErrFetchFailed = errors.New("upstream usage fetch failed")

// Config mirrors config.UpstreamConfig without importing the config package.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// Client fetches one calendar date of usage data per call.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: retries,
	}
}

// dayResponse is the upstream wire shape: top-level counters plus a nested
// per-model breakdown carrying per-key-hash counters.
type dayResponse struct {
	Date string `json:"date"`
	usage.Counters
	Breakdown struct {
		Models map[string]struct {
			usage.Counters
			APIKeyBreakdown map[string]usage.Counters `json:"api_key_breakdown"`
		} `json:"models"`
	} `json:"breakdown"`
}

// FetchDay requests the unfiltered (all-users) activity for a single date.
// A day upstream reports zero requests for is valid "no data" and returns
// (nil, nil); transport and decode failures wrap ErrFetchFailed.
func (c *Client) FetchDay(ctx context.Context, date string) (*usage.RawDay, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrFetchFailed, ctx.Err())
			case <-time.After(backoff):
			}
			slog.Debug("retrying upstream usage fetch", "date", date, "attempt", attempt)
		}

		raw, err := c.fetchOnce(ctx, date)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrFetchFailed, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, date string) (*usage.RawDay, error) {
	endpoint := fmt.Sprintf("%s/usage/daily?%s", c.baseURL, url.Values{"date": {date}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	var payload dayResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode upstream payload: %w", err)
	}

	return normalize(date, payload), nil
}

// normalize converts the wire shape into a RawDay, or nil when the day had
// no activity.
func normalize(date string, payload dayResponse) *usage.RawDay {
	if payload.APIRequests == 0 && len(payload.Breakdown.Models) == 0 {
		return nil
	}

	raw := &usage.RawDay{
		Date:   date,
		Totals: payload.Counters,
		Models: make(map[string]usage.RawModelUsage, len(payload.Breakdown.Models)),
	}
	for model, entry := range payload.Breakdown.Models {
		keys := make(map[string]usage.Counters, len(entry.APIKeyBreakdown))
		for hash, counters := range entry.APIKeyBreakdown {
			keys[hash] = counters
		}
		raw.Models[model] = usage.RawModelUsage{Counters: entry.Counters, APIKeys: keys}
	}
	return raw
}
