package analytics

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ncecere/usage_insights/internal/store"
	"github.com/ncecere/usage_insights/internal/usage"
)

type fakeStore struct {
	mu   sync.Mutex
	days map[string]usage.CachedDay
}

func newFakeStore() *fakeStore {
	return &fakeStore{days: map[string]usage.CachedDay{}}
}

func (s *fakeStore) GetDay(_ context.Context, date string) (*usage.CachedDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day, ok := s.days[date]
	if !ok {
		return nil, nil
	}
	return &day, nil
}

func (s *fakeStore) PutDay(_ context.Context, day usage.CachedDay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.days[day.Date] = day
	return nil
}

func (s *fakeStore) DeleteDay(_ context.Context, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.days, date)
	return nil
}

func (s *fakeStore) ListDays(_ context.Context, start, end string) ([]usage.CachedDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []usage.CachedDay
	for date, day := range s.days {
		if start != "" && date < start {
			continue
		}
		if end != "" && date > end {
			continue
		}
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (s *fakeStore) ListCachedDates(ctx context.Context, start, end string) ([]string, error) {
	days, err := s.ListDays(ctx, start, end)
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(days))
	for _, day := range days {
		dates = append(dates, day.Date)
	}
	return dates, nil
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	data     map[string]*usage.RawDay
	failAll  bool
	failDate map[string]bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:    map[string]int{},
		data:     map[string]*usage.RawDay{},
		failDate: map[string]bool{},
	}
}

func (f *fakeFetcher) FetchDay(_ context.Context, date string) (*usage.RawDay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[date]++
	if f.failAll || f.failDate[date] {
		return nil, errors.New("gateway unavailable")
	}
	return f.data[date], nil
}

func (f *fakeFetcher) callCount(date string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[date]
}

type fakeDirectory struct {
	owners []usage.KeyOwner
	err    error
}

func (d *fakeDirectory) ActiveKeyOwners(context.Context) ([]usage.KeyOwner, error) {
	return d.owners, d.err
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) WithDateLock(ctx context.Context, date string, opts store.LockOptions, fn func(context.Context) error) (bool, error) {
	l.mu.Lock()
	if l.held[date] {
		l.mu.Unlock()
		if opts.Blocking {
			return false, store.ErrLockTimeout
		}
		return false, nil
	}
	l.held[date] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, date)
		l.mu.Unlock()
	}()
	return true, fn(ctx)
}

func testOwner() usage.KeyOwner {
	return usage.KeyOwner{
		KeyHash:  "hash-alice",
		KeyAlias: "alice-prod",
		KeyName:  "Alice Prod",
		UserIdentity: usage.UserIdentity{
			UserID:   "u-alice",
			Username: "alice",
			Email:    "alice@example.com",
			Role:     "member",
		},
	}
}

func testRaw(date string) *usage.RawDay {
	c := usage.Counters{
		APIRequests:        4,
		SuccessfulRequests: 3,
		FailedRequests:     1,
		TotalTokens:        400,
		PromptTokens:       240,
		CompletionTokens:   160,
		Spend:              2.5,
	}
	return &usage.RawDay{
		Date:   date,
		Totals: c,
		Models: map[string]usage.RawModelUsage{
			"gpt-4o": {
				Counters: c,
				APIKeys:  map[string]usage.Counters{"hash-alice": c},
			},
		},
	}
}

type testEnv struct {
	svc     *Service
	store   *fakeStore
	fetcher *fakeFetcher
	locker  *fakeLocker
	clock   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   newFakeStore(),
		fetcher: newFakeFetcher(),
		locker:  newFakeLocker(),
		clock:   time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
	env.svc = New(env.store, env.fetcher, &fakeDirectory{owners: []usage.KeyOwner{testOwner()}}, env.locker, nil, Config{
		FreshnessWindow:    5 * time.Minute,
		MaxRangeDays:       90,
		ExportMaxRangeDays: 366,
		LargeRangeWarnDays: 30,
		TopLimit:           5,
	})
	env.svc.now = func() time.Time { return env.clock }
	return env
}

func TestHistoricalDayFetchedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-10"] = testRaw("2025-06-10")

	ctx := context.Background()
	q := Query{Start: "2025-06-10", End: "2025-06-10"}

	first, err := env.svc.Summary(ctx, q)
	if err != nil {
		t.Fatalf("first summary: %v", err)
	}
	second, err := env.svc.Summary(ctx, q)
	if err != nil {
		t.Fatalf("second summary: %v", err)
	}

	if got := env.fetcher.callCount("2025-06-10"); got != 1 {
		t.Fatalf("expected exactly one upstream call for the historical day, got %d", got)
	}
	if first.Totals != second.Totals {
		t.Fatalf("cached result diverged: %+v vs %+v", first.Totals, second.Totals)
	}
	if first.Totals.APIRequests != 4 || first.Totals.Spend != 2.5 {
		t.Fatalf("unexpected totals: %+v", first.Totals)
	}

	snap := env.svc.CacheMetrics()
	if snap.Hits == 0 {
		t.Fatal("expected at least one cache hit on the second query")
	}
}

func TestCurrentDayFreshnessWindow(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-15"] = testRaw("2025-06-15")

	ctx := context.Background()
	q := Query{Start: "2025-06-15", End: "2025-06-15"}

	if _, err := env.svc.Summary(ctx, q); err != nil {
		t.Fatalf("first summary: %v", err)
	}
	if _, err := env.svc.Summary(ctx, q); err != nil {
		t.Fatalf("second summary: %v", err)
	}
	if got := env.fetcher.callCount("2025-06-15"); got != 1 {
		t.Fatalf("second query inside the window should reuse the cache, got %d calls", got)
	}

	env.clock = env.clock.Add(6 * time.Minute)
	if _, err := env.svc.Summary(ctx, q); err != nil {
		t.Fatalf("third summary: %v", err)
	}
	if got := env.fetcher.callCount("2025-06-15"); got != 2 {
		t.Fatalf("query after the window elapsed should refetch, got %d calls", got)
	}
}

func TestZeroActivityDayCachedAsEmpty(t *testing.T) {
	env := newTestEnv(t)
	// No fetcher data: every fetch reports "no data".

	ctx := context.Background()
	q := Query{Start: "2025-06-10", End: "2025-06-10"}
	if _, err := env.svc.Summary(ctx, q); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if _, err := env.svc.Summary(ctx, q); err != nil {
		t.Fatalf("second summary: %v", err)
	}
	if got := env.fetcher.callCount("2025-06-10"); got != 1 {
		t.Fatalf("a no-data day must be cached, got %d upstream calls", got)
	}
}

func TestFetchFailureDropsDayAndContinues(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-10"] = testRaw("2025-06-10")
	env.fetcher.failDate["2025-06-11"] = true
	env.fetcher.data["2025-06-12"] = testRaw("2025-06-12")

	summary, err := env.svc.Summary(context.Background(), Query{Start: "2025-06-10", End: "2025-06-12"})
	if err != nil {
		t.Fatalf("summary should survive a per-day fetch failure: %v", err)
	}
	if summary.Totals.APIRequests != 8 {
		t.Fatalf("expected the two good days to contribute, got %+v", summary.Totals)
	}
	if len(summary.Series) != 3 {
		t.Fatalf("series must still cover all three dates, got %d points", len(summary.Series))
	}
	if summary.Series[1].APIRequests != 0 {
		t.Fatalf("failed day should be an empty series point, got %+v", summary.Series[1])
	}
}

func TestTrendDegradesWhenComparisonUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-10"] = testRaw("2025-06-10")
	env.fetcher.failDate["2025-06-09"] = true

	summary, err := env.svc.Summary(context.Background(), Query{Start: "2025-06-10", End: "2025-06-10"})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}

	if summary.Trends.Spend.Direction != usage.TrendStable {
		t.Fatalf("expected stable spend trend, got %q", summary.Trends.Spend.Direction)
	}
	if summary.Trends.Spend.Previous != 0 || summary.Trends.Spend.PercentageChange != 0 {
		t.Fatalf("degraded trend must report zero previous and change: %+v", summary.Trends.Spend)
	}
	if summary.Trends.Requests.Current != 4 {
		t.Fatalf("degraded trend keeps the current value: %+v", summary.Trends.Requests)
	}
}

func TestTrendAgainstPrecedingPeriod(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-10"] = testRaw("2025-06-10")
	// Preceding day carries half the traffic.
	prev := testRaw("2025-06-09")
	halve := func(c usage.Counters) usage.Counters {
		return usage.Counters{
			APIRequests:        c.APIRequests / 2,
			SuccessfulRequests: c.SuccessfulRequests / 2,
			FailedRequests:     c.FailedRequests,
			TotalTokens:        c.TotalTokens / 2,
			PromptTokens:       c.PromptTokens / 2,
			CompletionTokens:   c.CompletionTokens / 2,
			Spend:              c.Spend / 2,
		}
	}
	half := halve(prev.Totals)
	prev.Totals = half
	prev.Models["gpt-4o"] = usage.RawModelUsage{
		Counters: half,
		APIKeys:  map[string]usage.Counters{"hash-alice": half},
	}
	env.fetcher.data["2025-06-09"] = prev

	summary, err := env.svc.Summary(context.Background(), Query{Start: "2025-06-10", End: "2025-06-10"})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Trends.Requests.Direction != usage.TrendUp {
		t.Fatalf("expected requests trending up, got %+v", summary.Trends.Requests)
	}
	if summary.Trends.Requests.PercentageChange != 100 {
		t.Fatalf("4 vs 2 requests should be +100%%, got %v", summary.Trends.Requests.PercentageChange)
	}
}

func TestSummaryRejectsOversizedRange(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Summary(context.Background(), Query{Start: "2025-01-01", End: "2025-12-31"})
	if !errors.Is(err, usage.ErrRangeTooLarge) {
		t.Fatalf("expected range-too-large, got %v", err)
	}

	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected RangeError, got %T", err)
	}
	if rangeErr.Result.Code != usage.CodeRangeTooLarge {
		t.Fatalf("unexpected code %q", rangeErr.Result.Code)
	}
	if len(rangeErr.Result.SuggestedRanges) == 0 {
		t.Fatal("expected suggested sub-ranges")
	}
}

func TestRebuildUnderContentionSkipsHeldDates(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-10"] = testRaw("2025-06-10")

	ctx := context.Background()
	if _, err := env.svc.Summary(ctx, Query{Start: "2025-06-10", End: "2025-06-10"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	env.locker.mu.Lock()
	env.locker.held["2025-06-10"] = true
	env.locker.mu.Unlock()

	report, err := env.svc.Rebuild(ctx, &usage.DateRange{Start: "2025-06-10", End: "2025-06-10"}, false)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if report.Candidates != 1 || report.Skipped != 1 || report.Rebuilt != 0 {
		t.Fatalf("held lock should skip, got %+v", report)
	}
	if snap := env.svc.CacheMetrics(); snap.LockFailures != 1 {
		t.Fatalf("expected one recorded contention, got %+v", snap)
	}

	env.locker.mu.Lock()
	delete(env.locker.held, "2025-06-10")
	env.locker.mu.Unlock()

	report, err = env.svc.Rebuild(ctx, &usage.DateRange{Start: "2025-06-10", End: "2025-06-10"}, false)
	if err != nil {
		t.Fatalf("rebuild after release: %v", err)
	}
	if report.Rebuilt != 1 {
		t.Fatalf("expected the date to rebuild once released, got %+v", report)
	}
}

func TestRebuildReattributesWithUpdatedDirectory(t *testing.T) {
	env := newTestEnv(t)

	// Seed the cache while the key directory is empty: usage lands on the
	// Unknown User sentinel.
	emptyDir := &fakeDirectory{}
	env.svc.directory = emptyDir
	env.fetcher.data["2025-06-10"] = testRaw("2025-06-10")

	ctx := context.Background()
	if _, err := env.svc.Summary(ctx, Query{Start: "2025-06-10", End: "2025-06-10"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	cached, err := env.store.GetDay(ctx, "2025-06-10")
	if err != nil || cached == nil {
		t.Fatalf("expected cached day, err=%v", err)
	}
	if _, ok := cached.Enriched.Users[usage.UnknownUserID]; !ok {
		t.Fatal("expected unmapped usage to attribute to the Unknown User")
	}

	// The key is mapped afterwards; rebuild must reattribute from raw
	// without refetching.
	env.svc.directory = &fakeDirectory{owners: []usage.KeyOwner{testOwner()}}
	fetchesBefore := env.fetcher.callCount("2025-06-10")

	report, err := env.svc.Rebuild(ctx, nil, false)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if report.Rebuilt == 0 {
		t.Fatalf("expected at least one rebuilt date, got %+v", report)
	}
	if env.fetcher.callCount("2025-06-10") != fetchesBefore {
		t.Fatal("rebuild must not call upstream")
	}

	cached, err = env.store.GetDay(ctx, "2025-06-10")
	if err != nil || cached == nil {
		t.Fatalf("expected cached day after rebuild, err=%v", err)
	}
	if _, ok := cached.Enriched.Users["u-alice"]; !ok {
		t.Fatal("expected rebuilt attribution to the resolved user")
	}
	if _, ok := cached.Enriched.Users[usage.UnknownUserID]; ok {
		t.Fatal("unknown-user bucket should be gone after reattribution")
	}
}

func TestRefreshTodayServesStaleUnderContention(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-15"] = testRaw("2025-06-15")

	ctx := context.Background()
	if _, err := env.svc.Summary(ctx, Query{Start: "2025-06-15", End: "2025-06-15"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	env.locker.mu.Lock()
	env.locker.held["2025-06-15"] = true
	env.locker.mu.Unlock()

	result, err := env.svc.RefreshToday(ctx)
	if err != nil {
		t.Fatalf("contended refresh must not fail: %v", err)
	}
	if result.Refreshed {
		t.Fatal("refresh should report not-refreshed under contention")
	}
	if result.Totals.APIRequests != 4 {
		t.Fatalf("expected stale totals served, got %+v", result.Totals)
	}
	if snap := env.svc.CacheMetrics(); snap.GraceServes != 1 {
		t.Fatalf("expected one grace serve, got %+v", snap)
	}
}

func TestRefreshTodayRefetches(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-15"] = testRaw("2025-06-15")

	ctx := context.Background()
	if _, err := env.svc.Summary(ctx, Query{Start: "2025-06-15", End: "2025-06-15"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	before := env.fetcher.callCount("2025-06-15")

	result, err := env.svc.RefreshToday(ctx)
	if err != nil {
		t.Fatalf("refresh today: %v", err)
	}
	if !result.Refreshed {
		t.Fatal("expected a successful refresh")
	}
	if env.fetcher.callCount("2025-06-15") != before+1 {
		t.Fatal("refresh must bypass the freshness window and refetch")
	}
}

func TestFilterOptionsReadsOnlyCache(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-10"] = testRaw("2025-06-10")

	ctx := context.Background()
	if _, err := env.svc.Summary(ctx, Query{Start: "2025-06-10", End: "2025-06-10"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	callsBefore := env.fetcher.callCount("2025-06-20")

	options, err := env.svc.FilterOptions(ctx, "2025-06-01", "2025-06-30")
	if err != nil {
		t.Fatalf("filter options: %v", err)
	}
	if env.fetcher.callCount("2025-06-20") != callsBefore {
		t.Fatal("filter options must never trigger fetches")
	}

	if len(options.Users) != 1 || options.Users[0].UserID != "u-alice" {
		t.Fatalf("unexpected users: %+v", options.Users)
	}
	if len(options.Models) != 1 || options.Models[0] != "gpt-4o" {
		t.Fatalf("unexpected models: %+v", options.Models)
	}
	if len(options.Providers) != 1 || options.Providers[0] != "openai" {
		t.Fatalf("unexpected providers: %+v", options.Providers)
	}
	if len(options.KeyAliases) != 1 || options.KeyAliases[0] != "alice-prod" {
		t.Fatalf("unexpected key aliases: %+v", options.KeyAliases)
	}
}

func TestBreakdownGroups(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-10"] = testRaw("2025-06-10")

	ctx := context.Background()
	q := Query{Start: "2025-06-10", End: "2025-06-10"}

	byUser, err := env.svc.Breakdown(ctx, q, "user")
	if err != nil {
		t.Fatalf("user breakdown: %v", err)
	}
	if len(byUser.Items) != 1 || byUser.Items[0].ID != "u-alice" {
		t.Fatalf("unexpected user rows: %+v", byUser.Items)
	}
	if byUser.Items[0].SuccessRate != 75 {
		t.Fatalf("3/4 success should be 75%%, got %v", byUser.Items[0].SuccessRate)
	}

	byProvider, err := env.svc.Breakdown(ctx, q, "provider")
	if err != nil {
		t.Fatalf("provider breakdown: %v", err)
	}
	if len(byProvider.Items) != 1 || byProvider.Items[0].ID != "openai" {
		t.Fatalf("unexpected provider rows: %+v", byProvider.Items)
	}

	if _, err := env.svc.Breakdown(ctx, q, "galaxy"); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected unknown group error, got %v", err)
	}
}
