package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HookSink receives quota events. Sinks must be safe for concurrent use.
type HookSink interface {
	TriggerHook(ctx context.Context, event Event) error
}

// LogHookSink writes quota events to the structured log. It is always wired
// so threshold crossings leave a trace even without webhooks configured.
type LogHookSink struct {
	logger *slog.Logger
}

func NewLogHookSink(logger *slog.Logger) *LogHookSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHookSink{logger: logger}
}

func (s *LogHookSink) TriggerHook(ctx context.Context, event Event) error {
	s.logger.WarnContext(ctx, "quota hook",
		slog.String("event", string(event.Name)),
		slog.String("user_id", event.UserID.String()),
		slog.String("metric", event.Metric),
		slog.Int64("used", event.Used),
		slog.Int64("limit", event.Limit),
		slog.Float64("threshold", event.Threshold),
	)
	return nil
}

// WebhookSink POSTs quota events as JSON to a configured endpoint.
type WebhookSink struct {
	url        string
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
}

func NewWebhookSink(url string, maxRetries int, logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &WebhookSink{
		url:        url,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (s *WebhookSink) TriggerHook(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode quota webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		if lastErr = s.post(ctx, payload); lastErr == nil {
			return nil
		}
		s.logger.WarnContext(ctx, "quota webhook delivery failed",
			slog.String("url", s.url),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build quota webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post quota webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("quota webhook returned status %d", resp.StatusCode)
	}
	return nil
}
