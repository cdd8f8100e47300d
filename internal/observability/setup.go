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
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ncecere/usage_insights/internal/config"
)

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	httpRequestCounter *promreg.CounterVec
	httpRequestLatency *promreg.HistogramVec
	cacheEventCounter  *promreg.CounterVec
	lockOutcomeCounter *promreg.CounterVec
	upstreamFetches    *promreg.CounterVec
	upstreamLatency    *promreg.HistogramVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("usage-insights"),
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

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
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
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		httpRequests := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_insights",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		)
		latencyBuckets := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10}
		httpLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "usage_insights",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   latencyBuckets,
			},
			[]string{"method", "route", "status"},
		)
		cacheEvents := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_insights",
				Name:      "daily_cache_events_total",
				Help:      "Daily usage cache events (hit, miss, rebuild, grace_serve).",
			},
			[]string{"event"},
		)
		lockOutcomes := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_insights",
				Name:      "cache_lock_outcomes_total",
				Help:      "Advisory lock acquisition outcomes for cache writes.",
			},
			[]string{"outcome"},
		)
		fetches := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_insights",
				Name:      "upstream_fetches_total",
				Help:      "Upstream daily usage fetches by outcome.",
			},
			[]string{"outcome"},
		)
		fetchLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "usage_insights",
				Name:      "upstream_fetch_duration_seconds",
				Help:      "Duration of upstream daily usage fetches.",
				Buckets:   latencyBuckets,
			},
			[]string{"outcome"},
		)
		for _, collector := range []promreg.Collector{httpRequests, httpLatency, cacheEvents, lockOutcomes, fetches, fetchLatency} {
			if err := registry.Register(collector); err != nil {
				return nil, err
			}
		}
		provider.httpRequestCounter = httpRequests
		provider.httpRequestLatency = httpLatency
		provider.cacheEventCounter = cacheEvents
		provider.lockOutcomeCounter = lockOutcomes
		provider.upstreamFetches = fetches
		provider.upstreamLatency = fetchLatency
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

// RecordCacheEvent counts a daily-cache lifecycle event: hit, miss, rebuild, or grace_serve.
func (p *Provider) RecordCacheEvent(event string) {
	if p == nil || p.cacheEventCounter == nil {
		return
	}
	p.cacheEventCounter.WithLabelValues(event).Inc()
}

// RecordLockOutcome counts an advisory lock attempt: acquired or contended.
func (p *Provider) RecordLockOutcome(outcome string) {
	if p == nil || p.lockOutcomeCounter == nil {
		return
	}
	p.lockOutcomeCounter.WithLabelValues(outcome).Inc()
}

// RecordUpstreamFetch counts a gateway fetch by outcome (ok, no_data, error)
// and observes its duration.
func (p *Provider) RecordUpstreamFetch(outcome string, duration time.Duration) {
	if p == nil {
		return
	}
	if p.upstreamFetches != nil {
		p.upstreamFetches.WithLabelValues(outcome).Inc()
	}
	if p.upstreamLatency != nil {
		p.upstreamLatency.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}
