package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ncecere/usage_insights/internal/observability"
	"github.com/ncecere/usage_insights/internal/store"
	"github.com/ncecere/usage_insights/internal/timeutil"
	"github.com/ncecere/usage_insights/internal/usage"
)

var ErrUnknownGroup = errors.New("unknown breakdown group")

// DayStore is the cache persistence surface the engine depends on.
type DayStore interface {
	GetDay(ctx context.Context, date string) (*usage.CachedDay, error)
	PutDay(ctx context.Context, day usage.CachedDay) error
	DeleteDay(ctx context.Context, date string) error
	ListDays(ctx context.Context, start, end string) ([]usage.CachedDay, error)
	ListCachedDates(ctx context.Context, start, end string) ([]string, error)
}

// Fetcher pulls one calendar date of raw usage from the gateway.
type Fetcher interface {
	FetchDay(ctx context.Context, date string) (*usage.RawDay, error)
}

// KeyDirectory resolves active api keys to their owners.
type KeyDirectory interface {
	ActiveKeyOwners(ctx context.Context) ([]usage.KeyOwner, error)
}

// DateLocker provides per-date mutual exclusion for cache rewrites.
type DateLocker interface {
	WithDateLock(ctx context.Context, date string, opts store.LockOptions, fn func(context.Context) error) (bool, error)
}

// Config carries the engine's tunables.
type Config struct {
	FreshnessWindow    time.Duration
	LockTimeout        time.Duration
	MaxRangeDays       int
	ExportMaxRangeDays int
	LargeRangeWarnDays int
	TopLimit           int
	Location           *time.Location
}

// Service is the analytics engine: it walks date ranges through the day
// cache, enriches raw usage with key ownership, and aggregates the result.
type Service struct {
	store     DayStore
	fetcher   Fetcher
	directory KeyDirectory
	locker    DateLocker
	obs       *observability.Provider
	metrics   *CacheMetrics

	freshnessWindow time.Duration
	lockTimeout     time.Duration
	maxRangeDays    int
	maxExportDays   int
	warnDays        int
	topLimit        int
	loc             *time.Location

	now func() time.Time
}

func New(st DayStore, fetcher Fetcher, directory KeyDirectory, locker DateLocker, obs *observability.Provider, cfg Config) *Service {
	freshness := cfg.FreshnessWindow
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	maxRange := cfg.MaxRangeDays
	if maxRange <= 0 {
		maxRange = 90
	}
	maxExport := cfg.ExportMaxRangeDays
	if maxExport < maxRange {
		maxExport = maxRange
	}
	topLimit := cfg.TopLimit
	if topLimit <= 0 {
		topLimit = 5
	}

	return &Service{
		store:           st,
		fetcher:         fetcher,
		directory:       directory,
		locker:          locker,
		obs:             obs,
		metrics:         &CacheMetrics{},
		freshnessWindow: freshness,
		lockTimeout:     lockTimeout,
		maxRangeDays:    maxRange,
		maxExportDays:   maxExport,
		warnDays:        cfg.LargeRangeWarnDays,
		topLimit:        topLimit,
		loc:             timeutil.EnsureLocation(cfg.Location),
		now:             time.Now,
	}
}

// RangeError carries the validation outcome (including suggested sub-ranges)
// alongside the sentinel cause so handlers can build a structured response.
type RangeError struct {
	Result usage.RangeValidation
	cause  error
}

func NewRangeError(result usage.RangeValidation, cause error) *RangeError {
	return &RangeError{Result: result, cause: cause}
}

func (e *RangeError) Error() string { return e.cause.Error() }
func (e *RangeError) Unwrap() error { return e.cause }

// Query is one analytics request: an inclusive calendar span plus filters.
type Query struct {
	Start   string
	End     string
	Filters usage.FilterSet
}

// DayPoint is one entry of the daily time series.
type DayPoint struct {
	Date string `json:"date"`
	usage.Counters
	SuccessRate float64 `json:"success_rate"`
}

// TopEntry is one row of a top-performers list.
type TopEntry struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	usage.Counters
}

// Summary is the primary analytics payload.
type Summary struct {
	Start       string         `json:"start"`
	End         string         `json:"end"`
	Days        int            `json:"days"`
	LargeRange  bool           `json:"large_range,omitempty"`
	Totals      usage.Counters `json:"totals"`
	SuccessRate float64        `json:"success_rate"`
	Trends      usage.TrendSet `json:"trends"`
	TopUsers    []TopEntry     `json:"top_users"`
	TopModels   []TopEntry     `json:"top_models"`
	Series      []DayPoint     `json:"daily_series"`
}

// Summary computes totals, trends, top performers, and the daily series for
// the requested range under the requested filters.
func (s *Service) Summary(ctx context.Context, q Query) (*Summary, error) {
	validation, err := usage.ValidateRangeSize(q.Start, q.End, s.maxRangeDays, s.warnDays)
	if err != nil {
		return nil, &RangeError{Result: validation, cause: err}
	}

	start, _ := timeutil.ParseDay(q.Start)
	end, _ := timeutil.ParseDay(q.End)

	days, err := s.collectDays(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("get analytics: %w", err)
	}

	agg := usage.AggregateDays(days, q.Filters)

	summary := &Summary{
		Start:       q.Start,
		End:         q.End,
		Days:        validation.Days,
		LargeRange:  validation.LargeRange,
		Totals:      agg.Totals,
		SuccessRate: agg.SuccessRate,
		TopUsers:    topUsers(agg, s.topLimit),
		TopModels:   topModels(agg, s.topLimit),
		Series:      s.buildSeries(start, end, days, q.Filters),
	}
	summary.Trends = s.compareTrends(ctx, start, end, q.Filters, agg.Totals)
	return summary, nil
}

// compareTrends aggregates the immediately preceding equal-length period.
// The comparison degrades to flat zero-previous trends on any failure; it
// never fails the primary request.
func (s *Service) compareTrends(ctx context.Context, start, end time.Time, filters usage.FilterSet, current usage.Counters) usage.TrendSet {
	prevStart, prevEnd := timeutil.PreviousPeriod(start, end)
	prevDays, err := s.collectDays(ctx, prevStart, prevEnd)
	if err != nil {
		slog.Warn("trend comparison period unavailable",
			"start", timeutil.FormatDay(prevStart),
			"end", timeutil.FormatDay(prevEnd),
			"error", err)
		return degradedTrends(current)
	}
	if len(prevDays) == 0 {
		// Every comparison day failed to resolve. Zero-usage days would
		// still be present as cached empty records.
		return degradedTrends(current)
	}
	prevAgg := usage.AggregateDays(prevDays, filters)
	return usage.CalcTrends(current, prevAgg.Totals)
}

func degradedTrends(current usage.Counters) usage.TrendSet {
	flat := func(value float64) usage.Trend {
		return usage.Trend{Direction: usage.TrendStable, Current: value}
	}
	return usage.TrendSet{
		Spend:    flat(current.Spend),
		Requests: flat(float64(current.APIRequests)),
		Tokens:   flat(float64(current.TotalTokens)),
	}
}

// BreakdownItem is one row of a single-dimension breakdown.
type BreakdownItem struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	usage.Counters
	SuccessRate float64 `json:"success_rate"`
	LastActive  string  `json:"last_active,omitempty"`
}

// Breakdown is the response of the breakdown-by-dimension operation.
type Breakdown struct {
	Group string          `json:"group"`
	Start string          `json:"start"`
	End   string          `json:"end"`
	Items []BreakdownItem `json:"items"`
}

// Breakdown returns per-user, per-model, or per-provider rows for the range.
func (s *Service) Breakdown(ctx context.Context, q Query, group string) (*Breakdown, error) {
	switch group {
	case "user", "model", "provider":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}

	validation, err := usage.ValidateRangeSize(q.Start, q.End, s.maxRangeDays, s.warnDays)
	if err != nil {
		return nil, &RangeError{Result: validation, cause: err}
	}
	start, _ := timeutil.ParseDay(q.Start)
	end, _ := timeutil.ParseDay(q.End)

	days, err := s.collectDays(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("get breakdown: %w", err)
	}
	agg := usage.AggregateDays(days, q.Filters)

	result := &Breakdown{Group: group, Start: q.Start, End: q.End}
	switch group {
	case "user":
		for id, row := range agg.ByUser {
			result.Items = append(result.Items, BreakdownItem{
				ID:          id,
				Label:       row.Username,
				Counters:    row.Counters,
				SuccessRate: counterSuccessRate(row.Counters),
				LastActive:  row.LastActive,
			})
		}
	case "model":
		for model, counters := range agg.ByModel {
			result.Items = append(result.Items, BreakdownItem{
				ID:          model,
				Label:       model,
				Counters:    counters,
				SuccessRate: counterSuccessRate(counters),
			})
		}
	case "provider":
		for provider, counters := range agg.ByProvider {
			result.Items = append(result.Items, BreakdownItem{
				ID:          provider,
				Label:       provider,
				Counters:    counters,
				SuccessRate: counterSuccessRate(counters),
			})
		}
	}
	sortBreakdownItems(result.Items)
	return result, nil
}

// FilterOptions lists the distinct dimension values observed in cached data
// for the range, including users and models no longer active.
type FilterOptions struct {
	Users      []UserOption `json:"users"`
	Models     []string     `json:"models"`
	Providers  []string     `json:"providers"`
	KeyAliases []string     `json:"key_aliases"`
}

type UserOption struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// FilterOptions reads only already-cached days; it never triggers fetches.
func (s *Service) FilterOptions(ctx context.Context, startStr, endStr string) (*FilterOptions, error) {
	start, err := timeutil.ParseDay(startStr)
	if err != nil {
		return nil, err
	}
	end, err := timeutil.ParseDay(endStr)
	if err != nil {
		return nil, err
	}
	if start.After(end) {
		return nil, &RangeError{
			Result: usage.RangeValidation{Code: usage.CodeInvalidDateOrder},
			cause:  usage.ErrInvalidDateOrder,
		}
	}

	cached, err := s.store.ListDays(ctx, startStr, endStr)
	if err != nil {
		return nil, fmt.Errorf("get filter options: %w", err)
	}

	users := map[string]string{}
	models := map[string]struct{}{}
	providers := map[string]struct{}{}
	aliases := map[string]struct{}{}
	for i := range cached {
		day := &cached[i].Enriched
		for model := range day.Models {
			models[model] = struct{}{}
		}
		for provider := range day.Providers {
			providers[provider] = struct{}{}
		}
		for id, user := range day.Users {
			users[id] = user.Username
			for _, modelUsage := range user.Models {
				for alias := range modelUsage.APIKeys {
					aliases[alias] = struct{}{}
				}
			}
		}
	}

	options := &FilterOptions{
		Models:     sortedKeys(models),
		Providers:  sortedKeys(providers),
		KeyAliases: sortedKeys(aliases),
	}
	for id, username := range users {
		options.Users = append(options.Users, UserOption{UserID: id, Username: username})
	}
	sort.Slice(options.Users, func(i, j int) bool {
		return options.Users[i].Username < options.Users[j].Username
	})
	return options, nil
}

// CacheMetrics reports the engine's cache counters.
func (s *Service) CacheMetrics() CacheMetricsSnapshot {
	return s.metrics.Snapshot()
}

// RefreshResult reports the outcome of a forced current-day refresh.
type RefreshResult struct {
	Date      string         `json:"date"`
	Refreshed bool           `json:"refreshed"`
	Totals    usage.Counters `json:"totals"`
}

// RefreshToday drops today's cache row and refetches it under the per-date
// lock. When another process holds the lock, the stale entry is served
// instead of blocking.
func (s *Service) RefreshToday(ctx context.Context) (*RefreshResult, error) {
	today := timeutil.FormatDay(timeutil.Today(s.now(), s.loc))
	result := &RefreshResult{Date: today}

	ran, err := s.locker.WithDateLock(ctx, today, store.LockOptions{}, func(ctx context.Context) error {
		if err := s.store.DeleteDay(ctx, today); err != nil {
			return fmt.Errorf("drop cached day: %w", err)
		}
		enriched, err := s.fetchAndCache(ctx, today, today)
		if err != nil {
			return err
		}
		result.Totals = enriched.Totals
		result.Refreshed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refresh today: %w", err)
	}
	if ran {
		s.metrics.lockSuccesses.Add(1)
		s.obs.RecordLockOutcome("acquired")
		return result, nil
	}

	// Grace period: another writer owns today's row right now.
	s.metrics.lockFailures.Add(1)
	s.metrics.graceServes.Add(1)
	s.obs.RecordLockOutcome("contended")
	s.obs.RecordCacheEvent("grace_serve")
	if cached, err := s.store.GetDay(ctx, today); err == nil && cached != nil {
		result.Totals = cached.Enriched.Totals
	}
	return result, nil
}

// RebuildReport summarizes one run of the cache rebuild procedure.
type RebuildReport struct {
	Candidates int `json:"candidates"`
	Rebuilt    int `json:"rebuilt"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Rebuild re-runs enrichment over the stored raw payloads of the cached
// dates in rng (all cached dates when rng is nil) without refetching. Each
// date is processed independently under its advisory lock; failures and
// contended locks are counted, never fatal to the batch.
func (s *Service) Rebuild(ctx context.Context, rng *usage.DateRange, blocking bool) (*RebuildReport, error) {
	var start, end string
	if rng != nil {
		from, err := timeutil.ParseDay(rng.Start)
		if err != nil {
			return nil, err
		}
		to, err := timeutil.ParseDay(rng.End)
		if err != nil {
			return nil, err
		}
		if from.After(to) {
			return nil, &RangeError{
				Result: usage.RangeValidation{Code: usage.CodeInvalidDateOrder},
				cause:  usage.ErrInvalidDateOrder,
			}
		}
		start, end = rng.Start, rng.End
	}

	dates, err := s.store.ListCachedDates(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("rebuild cache: list dates: %w", err)
	}

	owners, err := s.directory.ActiveKeyOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild cache: load key directory: %w", err)
	}
	dir := usage.BuildKeyDirectory(owners)

	report := &RebuildReport{Candidates: len(dates)}
	opts := store.LockOptions{Blocking: blocking, Timeout: s.lockTimeout}
	for _, date := range dates {
		ran, err := s.locker.WithDateLock(ctx, date, opts, func(ctx context.Context) error {
			return s.rebuildOne(ctx, date, dir)
		})
		switch {
		case errors.Is(err, store.ErrLockTimeout):
			s.metrics.lockFailures.Add(1)
			s.obs.RecordLockOutcome("contended")
			report.Skipped++
			slog.Warn("rebuild lock wait timed out", "date", date)
		case err != nil:
			if ran {
				s.metrics.lockSuccesses.Add(1)
				s.obs.RecordLockOutcome("acquired")
			}
			report.Failed++
			slog.Error("rebuild cached day", "date", date, "error", err)
		case !ran:
			s.metrics.lockFailures.Add(1)
			s.obs.RecordLockOutcome("contended")
			report.Skipped++
		default:
			s.metrics.lockSuccesses.Add(1)
			s.metrics.rebuilds.Add(1)
			s.obs.RecordLockOutcome("acquired")
			s.obs.RecordCacheEvent("rebuild")
			report.Rebuilt++
		}
	}
	return report, nil
}

func (s *Service) rebuildOne(ctx context.Context, date string, dir map[string]usage.KeyOwner) error {
	day, err := s.store.GetDay(ctx, date)
	if err != nil {
		return fmt.Errorf("read cached day: %w", err)
	}
	if day == nil {
		return fmt.Errorf("cached day %s disappeared", date)
	}

	enriched, err := usage.Enrich(day.Raw, dir)
	if err != nil {
		return fmt.Errorf("enrich raw payload: %w", err)
	}

	today := timeutil.FormatDay(timeutil.Today(s.now(), s.loc))
	day.Enriched = enriched
	day.IsCurrentDay = date == today
	day.CachedAt = s.now()
	if err := s.store.PutDay(ctx, *day); err != nil {
		return fmt.Errorf("store rebuilt day: %w", err)
	}
	return nil
}

// collectDays walks the range in ascending date order through the cache.
// Fresh rows are served as-is; stale or missing rows are fetched, enriched,
// and written back. Per-day failures are logged and the walk continues.
func (s *Service) collectDays(ctx context.Context, start, end time.Time) ([]usage.EnrichedDay, error) {
	owners, err := s.directory.ActiveKeyOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("load key directory: %w", err)
	}
	dir := usage.BuildKeyDirectory(owners)

	today := timeutil.FormatDay(timeutil.Today(s.now(), s.loc))
	var days []usage.EnrichedDay
	for _, day := range timeutil.IterateDays(start, end) {
		date := timeutil.FormatDay(day)

		cached, err := s.store.GetDay(ctx, date)
		if err != nil {
			slog.Error("read cached day", "date", date, "error", err)
		}
		if cached != nil && s.isFresh(date, today, cached.CachedAt) {
			s.metrics.hits.Add(1)
			s.obs.RecordCacheEvent("hit")
			days = append(days, cached.Enriched)
			continue
		}
		s.metrics.misses.Add(1)
		s.obs.RecordCacheEvent("miss")

		enriched, err := s.fetchAndCacheWith(ctx, date, today, dir)
		if err != nil {
			slog.Error("fetch daily usage", "date", date, "error", err)
			if cached != nil {
				// Last-known-good beats a hole in the series.
				s.metrics.graceServes.Add(1)
				s.obs.RecordCacheEvent("grace_serve")
				days = append(days, cached.Enriched)
			}
			continue
		}
		days = append(days, *enriched)
	}
	return days, nil
}

// fetchAndCache loads the key directory itself before delegating.
func (s *Service) fetchAndCache(ctx context.Context, date, today string) (*usage.EnrichedDay, error) {
	owners, err := s.directory.ActiveKeyOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("load key directory: %w", err)
	}
	return s.fetchAndCacheWith(ctx, date, today, usage.BuildKeyDirectory(owners))
}

func (s *Service) fetchAndCacheWith(ctx context.Context, date, today string, dir map[string]usage.KeyOwner) (*usage.EnrichedDay, error) {
	raw, err := s.fetcher.FetchDay(ctx, date)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		// Zero-activity day. Cached as an empty record so the next query
		// does not refetch it.
		raw = &usage.RawDay{Date: date}
	}

	enriched, err := usage.Enrich(*raw, dir)
	if err != nil {
		return nil, fmt.Errorf("enrich daily usage: %w", err)
	}

	record := usage.CachedDay{
		Date:         date,
		Raw:          *raw,
		Enriched:     enriched,
		IsCurrentDay: date == today,
		CachedAt:     s.now(),
	}
	if err := s.store.PutDay(ctx, record); err != nil {
		// Data is still usable for this request even if the write failed.
		slog.Error("cache daily usage", "date", date, "error", err)
	}
	return &enriched, nil
}

// isFresh applies the freshness policy: historical dates never expire, the
// current calendar day expires after the freshness window.
func (s *Service) isFresh(date, today string, cachedAt time.Time) bool {
	if date != today {
		return true
	}
	return s.now().Sub(cachedAt) < s.freshnessWindow
}

func (s *Service) buildSeries(start, end time.Time, days []usage.EnrichedDay, filters usage.FilterSet) []DayPoint {
	byDate := make(map[string]*usage.EnrichedDay, len(days))
	for i := range days {
		byDate[days[i].Date] = &days[i]
	}

	series := make([]DayPoint, 0, timeutil.DaysBetween(start, end))
	for _, day := range timeutil.IterateDays(start, end) {
		date := timeutil.FormatDay(day)
		point := DayPoint{Date: date}
		if enriched, ok := byDate[date]; ok {
			agg := usage.AggregateDays([]usage.EnrichedDay{*enriched}, filters)
			point.Counters = agg.Totals
			point.SuccessRate = agg.SuccessRate
		}
		series = append(series, point)
	}
	return series
}

func topUsers(agg usage.Aggregate, limit int) []TopEntry {
	entries := make([]TopEntry, 0, len(agg.ByUser))
	for id, row := range agg.ByUser {
		entries = append(entries, TopEntry{ID: id, Label: row.Username, Counters: row.Counters})
	}
	return topN(entries, limit)
}

func topModels(agg usage.Aggregate, limit int) []TopEntry {
	entries := make([]TopEntry, 0, len(agg.ByModel))
	for model, counters := range agg.ByModel {
		entries = append(entries, TopEntry{ID: model, Label: model, Counters: counters})
	}
	return topN(entries, limit)
}

func topN(entries []TopEntry, limit int) []TopEntry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Spend != entries[j].Spend {
			return entries[i].Spend > entries[j].Spend
		}
		return entries[i].ID < entries[j].ID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func sortBreakdownItems(items []BreakdownItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Spend != items[j].Spend {
			return items[i].Spend > items[j].Spend
		}
		return items[i].ID < items[j].ID
	})
}

func counterSuccessRate(c usage.Counters) float64 {
	if c.APIRequests == 0 {
		return 0
	}
	return float64(c.SuccessfulRequests) / float64(c.APIRequests) * 100
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
