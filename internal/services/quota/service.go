package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventName classifies a quota notification.
type EventName string

const (
	EventQuotaWarning  EventName = "quota_warning"
	EventQuotaExceeded EventName = "quota_exceeded"
)

// Event describes one threshold crossing for one metric. SubscriptionID ties
// the alert back to the subscription row it fired for.
type Event struct {
	Name           EventName `json:"event"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	Metric         string    `json:"metric"`
	Used           int64     `json:"used"`
	Limit          int64     `json:"limit"`
	Ratio          float64   `json:"ratio"`
	Threshold      float64   `json:"threshold"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Subscription is a user's quota row with its consumption counters.
type Subscription struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	RequestLimit int64
	TokenLimit   int64
	RequestsUsed int64
	TokensUsed   int64
}

// SubscriptionSource looks up quota subscriptions. A nil subscription with a
// nil error means no quota is configured for the lookup key.
type SubscriptionSource interface {
	Current(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	ByID(ctx context.Context, subscriptionID uuid.UUID) (*Subscription, error)
}

// PGSubscriptionSource reads subscriptions from Postgres.
type PGSubscriptionSource struct {
	pool *pgxpool.Pool
}

func NewPGSubscriptionSource(pool *pgxpool.Pool) *PGSubscriptionSource {
	return &PGSubscriptionSource{pool: pool}
}

const currentSubscriptionQuery = `
SELECT id, user_id, request_limit, token_limit, requests_used, tokens_used
FROM subscriptions
WHERE user_id = $1 AND active
ORDER BY created_at DESC
LIMIT 1
`

const subscriptionByIDQuery = `
SELECT id, user_id, request_limit, token_limit, requests_used, tokens_used
FROM subscriptions
WHERE id = $1 AND active
`

func (s *PGSubscriptionSource) Current(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return s.scanOne(ctx, currentSubscriptionQuery, userID)
}

func (s *PGSubscriptionSource) ByID(ctx context.Context, subscriptionID uuid.UUID) (*Subscription, error) {
	return s.scanOne(ctx, subscriptionByIDQuery, subscriptionID)
}

func (s *PGSubscriptionSource) scanOne(ctx context.Context, query string, arg uuid.UUID) (*Subscription, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("subscription source not initialized")
	}
	var sub Subscription
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&sub.ID, &sub.UserID, &sub.RequestLimit, &sub.TokenLimit, &sub.RequestsUsed, &sub.TokensUsed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}
	return &sub, nil
}

// Service evaluates subscription consumption against warning thresholds and
// dispatches hook events when a threshold is crossed.
type Service struct {
	source      SubscriptionSource
	pool        *pgxpool.Pool
	sinks       []HookSink
	thresholds  []float64
	dedupWindow time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// Params collects the quota service collaborators. Pool is used only to
// persist fired events and may be nil.
type Params struct {
	Source      SubscriptionSource
	Pool        *pgxpool.Pool
	Sinks       []HookSink
	Thresholds  []float64
	DedupWindow time.Duration
	Logger      *slog.Logger
}

func NewService(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	thresholds := p.Thresholds
	if len(thresholds) == 0 {
		thresholds = []float64{0.8, 0.9}
	}
	window := p.DedupWindow
	if window <= 0 {
		window = time.Hour
	}
	return &Service{
		source:      p.Source,
		pool:        p.Pool,
		sinks:       p.Sinks,
		thresholds:  thresholds,
		dedupWindow: window,
		logger:      logger,
		lastFired:   make(map[string]time.Time),
	}
}

// CheckThresholds evaluates the user's active subscription. Quota checks are
// advisory: lookup failures and missing subscriptions are logged and swallowed
// so they never block the caller.
func (s *Service) CheckThresholds(ctx context.Context, userID uuid.UUID) error {
	if s == nil || s.source == nil {
		return fmt.Errorf("quota service not initialized")
	}
	sub, err := s.source.Current(ctx, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "quota lookup failed, skipping check",
			slog.String("user_id", userID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	s.evaluate(ctx, sub)
	return nil
}

// CheckSubscription evaluates one subscription row by its id, with the same
// advisory semantics as CheckThresholds.
func (s *Service) CheckSubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	if s == nil || s.source == nil {
		return fmt.Errorf("quota service not initialized")
	}
	sub, err := s.source.ByID(ctx, subscriptionID)
	if err != nil {
		s.logger.ErrorContext(ctx, "quota lookup failed, skipping check",
			slog.String("subscription_id", subscriptionID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	s.evaluate(ctx, sub)
	return nil
}

// evaluate checks request and token consumption independently.
func (s *Service) evaluate(ctx context.Context, sub *Subscription) {
	if sub == nil {
		return
	}
	now := time.Now().UTC()
	s.evaluateMetric(ctx, sub, "requests", sub.RequestsUsed, sub.RequestLimit, now)
	s.evaluateMetric(ctx, sub, "tokens", sub.TokensUsed, sub.TokenLimit, now)
}

func (s *Service) evaluateMetric(ctx context.Context, sub *Subscription, metric string, used, limit int64, now time.Time) {
	if limit <= 0 {
		return
	}
	ratio := float64(used) / float64(limit)

	if ratio >= 1 {
		s.fire(ctx, Event{
			Name:           EventQuotaExceeded,
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Metric:         metric,
			Used:           used,
			Limit:          limit,
			Ratio:          ratio,
			Threshold:      1,
			OccurredAt:     now,
		})
		return
	}

	// Only the highest crossed warning threshold fires.
	var crossed float64
	for _, threshold := range s.thresholds {
		if ratio >= threshold && threshold > crossed {
			crossed = threshold
		}
	}
	if crossed == 0 {
		return
	}
	s.fire(ctx, Event{
		Name:           EventQuotaWarning,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Metric:         metric,
		Used:           used,
		Limit:          limit,
		Ratio:          ratio,
		Threshold:      crossed,
		OccurredAt:     now,
	})
}

func (s *Service) fire(ctx context.Context, event Event) {
	if !s.shouldFire(event) {
		return
	}
	s.logger.InfoContext(ctx, "quota threshold crossed",
		slog.String("event", string(event.Name)),
		slog.String("subscription_id", event.SubscriptionID.String()),
		slog.String("user_id", event.UserID.String()),
		slog.String("metric", event.Metric),
		slog.Float64("ratio", event.Ratio),
		slog.Float64("threshold", event.Threshold),
	)
	for _, sink := range s.sinks {
		if err := sink.TriggerHook(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "quota hook dispatch failed",
				slog.String("event", string(event.Name)),
				slog.String("error", err.Error()),
			)
		}
	}
	s.persist(ctx, event)
}

// shouldFire suppresses repeats of the same subscription/metric/threshold
// event inside the dedup window.
func (s *Service) shouldFire(event Event) bool {
	key := fmt.Sprintf("%s|%s|%s|%s|%.2f", event.SubscriptionID, event.UserID, event.Metric, event.Name, event.Threshold)

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastFired[key]; ok && event.OccurredAt.Sub(last) < s.dedupWindow {
		return false
	}
	s.lastFired[key] = event.OccurredAt
	return true
}

const insertEventQuery = `
INSERT INTO quota_alert_events (subscription_id, user_id, event, metric, used, "limit", ratio, threshold, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

func (s *Service) persist(ctx context.Context, event Event) {
	if s.pool == nil {
		return
	}
	_, err := s.pool.Exec(ctx, insertEventQuery,
		event.SubscriptionID, event.UserID, string(event.Name), event.Metric,
		event.Used, event.Limit, event.Ratio, event.Threshold, event.OccurredAt,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist quota event",
			slog.String("event", string(event.Name)),
			slog.String("user_id", event.UserID.String()),
			slog.String("error", err.Error()),
		)
	}
}
