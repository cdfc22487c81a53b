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
	"time"

	"github.com/crestline-ai/usage-console/internal/config"
)

// ErrUpstream marks retryable failures of the billing API feed.
var ErrUpstream = errors.New("upstream billing api unavailable")

// Client queries the billing API's per-day usage feed.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg config.UpstreamConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// DailyActivity fetches the usage feed for a single date key. Server-side and
// transport failures are retried up to the configured budget, then surfaced
// wrapped in ErrUpstream.
func (c *Client) DailyActivity(ctx context.Context, date string) (*DayMetrics, error) {
	endpoint := fmt.Sprintf("%s/usage/daily?date=%s", c.baseURL, url.QueryEscape(date))

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
			c.logger.DebugContext(ctx, "retrying upstream fetch",
				slog.String("date", date),
				slog.Int("attempt", attempt),
			)
		}

		day, retryable, err := c.fetchOnce(ctx, endpoint, date)
		if err == nil {
			return day, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, endpoint, date string) (*DayMetrics, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build upstream request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: fetch %s: %v", ErrUpstream, date, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("%w: fetch %s: status %d", ErrUpstream, date, resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("%w: fetch %s: status %d", ErrUpstream, date, resp.StatusCode)
	}

	var day DayMetrics
	if err := json.NewDecoder(resp.Body).Decode(&day); err != nil {
		return nil, false, fmt.Errorf("%w: decode %s: %v", ErrUpstream, date, err)
	}
	if day.Date == "" {
		day.Date = date
	}
	return &day, false, nil
}
