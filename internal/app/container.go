package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_insights/internal/auth"
	"github.com/ncecere/usage_insights/internal/config"
	"github.com/ncecere/usage_insights/internal/limits"
	"github.com/ncecere/usage_insights/internal/observability"
	analyticssvc "github.com/ncecere/usage_insights/internal/services/analytics"
	"github.com/ncecere/usage_insights/internal/storage/blob"
	"github.com/ncecere/usage_insights/internal/store"
	"github.com/ncecere/usage_insights/internal/upstream"
	"github.com/ncecere/usage_insights/internal/upstreamhealth"
	"github.com/ncecere/usage_insights/internal/usage"
)

// Container aggregates runtime dependencies for handlers and services.
type Container struct {
	Config            *config.Config
	DBPool            *pgxpool.Pool
	Redis             *redis.Client
	Store             *store.Store
	Upstream          *upstream.Client
	UpstreamHealth    *upstreamhealth.Monitor
	Analytics         *analyticssvc.Service
	AdminAuth         *auth.AdminAuthService
	RateLimiter       *limits.RateLimiter
	Exports           blob.Store
	Observability     *observability.Provider
	ReportingLocation *time.Location
}

// NewContainer builds a dependency container from the provided primitives.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("db pool is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	locName := strings.TrimSpace(cfg.Reporting.Timezone)
	if locName == "" {
		locName = "UTC"
	}
	reportingLoc, err := time.LoadLocation(locName)
	if err != nil {
		return nil, fmt.Errorf("load reporting timezone: %w", err)
	}

	st := store.New(pool)

	obsProvider, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	adminAuth, err := auth.NewAdminAuthService(ctx, cfg.Admin, st)
	if err != nil {
		return nil, fmt.Errorf("init admin auth: %w", err)
	}

	upstreamClient := upstream.NewClient(upstream.Config{
		BaseURL:    cfg.Upstream.BaseURL,
		APIKey:     cfg.Upstream.APIKey,
		Timeout:    cfg.Upstream.Timeout,
		MaxRetries: cfg.Upstream.MaxRetries,
	})
	healthMon := upstreamhealth.NewMonitor(cfg.Health)

	analytics := analyticssvc.New(
		st,
		&instrumentedFetcher{client: upstreamClient, monitor: healthMon, obs: obsProvider},
		st,
		st,
		obsProvider,
		analyticssvc.Config{
			FreshnessWindow:    cfg.Cache.FreshnessWindow,
			LockTimeout:        cfg.Cache.LockTimeout,
			MaxRangeDays:       cfg.Analytics.MaxRangeDays,
			ExportMaxRangeDays: cfg.Analytics.ExportMaxRangeDays,
			LargeRangeWarnDays: cfg.Analytics.LargeRangeWarnDays,
			TopLimit:           cfg.Analytics.TopLimit,
			Location:           reportingLoc,
		},
	)

	exports, err := blob.New(ctx, cfg.Exports)
	if err != nil {
		return nil, fmt.Errorf("init export storage: %w", err)
	}

	return &Container{
		Config:            cfg,
		DBPool:            pool,
		Redis:             redisClient,
		Store:             st,
		Upstream:          upstreamClient,
		UpstreamHealth:    healthMon,
		Analytics:         analytics,
		AdminAuth:         adminAuth,
		RateLimiter:       limits.NewRateLimiter(redisClient, cfg.RateLimits.AdminRequestsPerMinute),
		Exports:           exports,
		Observability:     obsProvider,
		ReportingLocation: reportingLoc,
	}, nil
}

// ReportingLoc returns the configured reporting timezone location (defaults to UTC).
func (c *Container) ReportingLoc() *time.Location {
	if c != nil && c.ReportingLocation != nil {
		return c.ReportingLocation
	}
	return time.UTC
}

// Shutdown flushes observability pipelines; pool and redis teardown stays
// with the caller that opened them.
func (c *Container) Shutdown(ctx context.Context) error {
	if c == nil || c.Observability == nil {
		return nil
	}
	return c.Observability.Shutdown(ctx)
}

// instrumentedFetcher records fetch outcomes on the health monitor and the
// metrics provider around every upstream call.
type instrumentedFetcher struct {
	client  *upstream.Client
	monitor *upstreamhealth.Monitor
	obs     *observability.Provider
}

func (f *instrumentedFetcher) FetchDay(ctx context.Context, date string) (*usage.RawDay, error) {
	start := time.Now()
	raw, err := f.client.FetchDay(ctx, date)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		f.monitor.RecordFailure()
	} else {
		f.monitor.RecordSuccess()
	}
	f.obs.RecordUpstreamFetch(outcome, elapsed)
	return raw, err
}
