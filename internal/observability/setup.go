package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/crestline-ai/usage-console/internal/config"
)

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	httpRequestCounter *promreg.CounterVec
	httpRequestLatency *promreg.HistogramVec
	cacheLookups       *promreg.CounterVec
	lockContention     promreg.Counter
	skippedRecords     promreg.Counter
	upstreamLatency    *promreg.HistogramVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("usage-console"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})

		latencyBuckets := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10}
		httpRequests := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_console",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		)
		httpLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "usage_console",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   latencyBuckets,
			},
			[]string{"method", "route", "status"},
		)
		cacheLookups := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_console",
				Name:      "daily_cache_lookups_total",
				Help:      "Daily usage cache lookups by outcome.",
			},
			[]string{"outcome"},
		)
		lockContention := promreg.NewCounter(
			promreg.CounterOpts{
				Namespace: "usage_console",
				Name:      "advisory_lock_contention_total",
				Help:      "Per-date refresh attempts skipped because another worker held the lock.",
			},
		)
		skippedRecords := promreg.NewCounter(
			promreg.CounterOpts{
				Namespace: "usage_console",
				Name:      "skipped_usage_records_total",
				Help:      "Upstream key-hash entries dropped by data-quality guards.",
			},
		)
		upstreamLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "usage_console",
				Name:      "upstream_fetch_duration_seconds",
				Help:      "Duration of upstream daily-activity fetches.",
				Buckets:   latencyBuckets,
			},
			[]string{"status"},
		)
		for _, collector := range []promreg.Collector{httpRequests, httpLatency, cacheLookups, lockContention, skippedRecords, upstreamLatency} {
			if err := registry.Register(collector); err != nil {
				return nil, err
			}
		}
		provider.httpRequestCounter = httpRequests
		provider.httpRequestLatency = httpLatency
		provider.cacheLookups = cacheLookups
		provider.lockContention = lockContention
		provider.skippedRecords = skippedRecords
		provider.upstreamLatency = upstreamLatency
	}

	return provider, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	if p.httpRequestCounter != nil {
		p.httpRequestCounter.WithLabelValues(method, route, statusLabel).Inc()
	}
	if p.httpRequestLatency != nil {
		p.httpRequestLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
	}
}

func (p *Provider) RecordCacheLookup(hit bool) {
	if p == nil || p.cacheLookups == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	p.cacheLookups.WithLabelValues(outcome).Inc()
}

func (p *Provider) RecordLockContention() {
	if p == nil || p.lockContention == nil {
		return
	}
	p.lockContention.Inc()
}

func (p *Provider) RecordSkippedRecords(count int64) {
	if p == nil || p.skippedRecords == nil || count <= 0 {
		return
	}
	p.skippedRecords.Add(float64(count))
}

func (p *Provider) RecordUpstreamFetch(success bool, duration time.Duration) {
	if p == nil || p.upstreamLatency == nil {
		return
	}
	status := "error"
	if success {
		status = "ok"
	}
	p.upstreamLatency.WithLabelValues(status).Observe(duration.Seconds())
}
