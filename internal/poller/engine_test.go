package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"filingwatch/internal/domain"
)

// memStore implements domain.StateStore in memory for engine tests.
type memStore struct {
	mu       sync.Mutex
	states   map[string]*domain.FilingState
	failures []domain.FailureRecord
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*domain.FilingState), nextID: 1}
}

func (m *memStore) Get(ctx context.Context, accession string) (*domain.FilingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[accession]
	if !ok {
		return nil, domain.ErrFilingNotFound
	}
	out := *state
	return &out, nil
}

func (m *memStore) IsClaimedOrDone(ctx context.Context, accession string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[accession]
	if !ok {
		return false, nil
	}
	return state.Status == domain.StatusInProgress || state.Status == domain.StatusProcessed, nil
}

func (m *memStore) upsert(accession, ticker string, filingDate time.Time, status domain.FilingStatus, failureID int64) {
	m.states[accession] = &domain.FilingState{
		Accession:       accession,
		Ticker:          ticker,
		FilingDate:      filingDate,
		Status:          status,
		StatusUpdatedAt: time.Now(),
		FailureID:       failureID,
	}
}

func (m *memStore) MarkInProgress(ctx context.Context, accession, ticker string, filingDate time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(accession, ticker, filingDate, domain.StatusInProgress, 0)
	return nil
}

func (m *memStore) MarkProcessed(ctx context.Context, accession, ticker string, filingDate time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(accession, ticker, filingDate, domain.StatusProcessed, 0)
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, accession, ticker string, filingDate time.Time, errType, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, domain.FailureRecord{
		ID: m.nextID, Accession: accession, Ticker: ticker,
		ErrorType: errType, ErrorMessage: errMsg, OccurredAt: time.Now(),
	})
	m.upsert(accession, ticker, filingDate, domain.StatusFailed, m.nextID)
	m.nextID++
	return nil
}

func (m *memStore) IncrementRetry(ctx context.Context, accession string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[accession]
	if !ok || state.FailureID == 0 {
		return domain.ErrFilingNotFound
	}
	for i := range m.failures {
		if m.failures[i].ID == state.FailureID {
			m.failures[i].RetryCount++
			return nil
		}
	}
	return domain.ErrFilingNotFound
}

func (m *memStore) SweepStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var count int64
	for accession, state := range m.states {
		if state.Status == domain.StatusInProgress && state.StatusUpdatedAt.Before(cutoff) {
			m.failures = append(m.failures, domain.FailureRecord{
				ID: m.nextID, Accession: accession, Ticker: state.Ticker,
				ErrorType: domain.FailureStaleClaim, OccurredAt: time.Now(),
			})
			state.Status = domain.StatusFailed
			state.FailureID = m.nextID
			state.StatusUpdatedAt = time.Now()
			m.nextID++
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListFailures(ctx context.Context, limit int) ([]domain.FailureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FailureRecord
	for i := len(m.failures) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.failures[i])
	}
	return out, nil
}

func (m *memStore) PurgeFailures(ctx context.Context, retention time.Duration) (int64, error) {
	return 0, nil
}

func (m *memStore) CountProcessed(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, state := range m.states {
		if state.Status == domain.StatusProcessed {
			count++
		}
	}
	return count, nil
}

// mockSource serves canned filings and text, recording text fetches.
type mockSource struct {
	mu         sync.Mutex
	filings    []domain.FilingDescriptor
	texts      map[string]string
	fetchErr   error
	textErrs   map[string]error
	textCalls  int
	blockText  chan struct{} // when set, FilingText blocks until closed
	textedOnce chan struct{} // closed on first FilingText call
}

func (s *mockSource) LatestFilings(ctx context.Context, tickers []string, limit int) ([]domain.FilingDescriptor, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []domain.FilingDescriptor
	want := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		want[t] = true
	}
	for _, f := range s.filings {
		if want[f.Ticker] {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *mockSource) FilingText(ctx context.Context, filing domain.FilingDescriptor) (string, error) {
	s.mu.Lock()
	s.textCalls++
	if s.textedOnce != nil {
		close(s.textedOnce)
		s.textedOnce = nil
	}
	block := s.blockText
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if err, ok := s.textErrs[filing.Accession]; ok {
		return "", err
	}
	return s.texts[filing.Accession], nil
}

func (s *mockSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textCalls
}

// mockRegistry partitions tickers by suffix like the real registry.
type mockRegistry struct {
	sources map[string]domain.FilingSource
}

func (r *mockRegistry) GroupByMarket(tickers []string) map[string][]string {
	groups := make(map[string][]string)
	for _, t := range tickers {
		market := "US"
		if strings.HasSuffix(strings.ToUpper(t), ".NS") {
			market = "IN"
		}
		groups[market] = append(groups[market], t)
	}
	return groups
}

func (r *mockRegistry) MarketClient(market string) (domain.FilingSource, error) {
	src, ok := r.sources[market]
	if !ok {
		return nil, domain.ErrUnknownMarket
	}
	return src, nil
}

// mockExtractor counts calls and fails on demand.
type mockExtractor struct {
	mu      sync.Mutex
	calls   int
	failOn  map[string]error // keyed by ticker
	reports map[string]*domain.Report
}

func (e *mockExtractor) ExtractFromText(ctx context.Context, text, ticker string) (*domain.Report, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if err, ok := e.failOn[ticker]; ok {
		return nil, err
	}
	if r, ok := e.reports[ticker]; ok {
		return r, nil
	}
	return &domain.Report{CompanyName: ticker + " Corp", Ticker: ticker}, nil
}

func (e *mockExtractor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// mockReports records saved artifacts.
type mockReports struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (r *mockReports) Save(report *domain.Report, accession string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	path := fmt.Sprintf("reports/%s_%s.md", report.Ticker, accession)
	r.saved = append(r.saved, path)
	return path, nil
}

func (r *mockReports) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

// mockNotifier records alerts and fails on demand.
type mockNotifier struct {
	mu   sync.Mutex
	sent int
	err  error
}

func (n *mockNotifier) SendReportAlert(ctx context.Context, report *domain.Report, artifactPath string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent++
	return nil
}

var filingDate = time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC)

func usFilings() []domain.FilingDescriptor {
	return []domain.FilingDescriptor{
		{Ticker: "NVDA", Accession: "0001-A", FilingDate: filingDate, Form: "8-K"},
		{Ticker: "AMD", Accession: "0002-B", FilingDate: filingDate, Form: "8-K"},
	}
}

type testEngine struct {
	engine    *Engine
	store     *memStore
	source    *mockSource
	extractor *mockExtractor
	reports   *mockReports
	notifier  *mockNotifier
}

func newTestEngine(t *testing.T, mutate func(*Deps, *Config)) *testEngine {
	t.Helper()

	store := newMemStore()
	src := &mockSource{
		filings: usFilings(),
		texts: map[string]string{
			"0001-A": "NVDA filing text",
			"0002-B": "AMD filing text",
		},
	}
	extractor := &mockExtractor{}
	reports := &mockReports{}
	notifier := &mockNotifier{}

	deps := Deps{
		Registry:  &mockRegistry{sources: map[string]domain.FilingSource{"US": src}},
		State:     domain.NewStateManager(store),
		Extractor: extractor,
		Reports:   reports,
		Notifier:  notifier,
		Logger:    slog.New(slog.DiscardHandler),
	}
	cfg := Config{
		Tickers:       []string{"NVDA", "AMD"},
		FetchLimit:    5,
		StaleClaimAge: time.Hour,
		OnEmptyText:   EmptyTextProcessed,
	}
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	engine, err := New(deps, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEngine{engine: engine, store: store, source: src, extractor: extractor, reports: reports, notifier: notifier}
}

func statusOf(t *testing.T, store *memStore, accession string) domain.FilingStatus {
	t.Helper()
	state, err := store.Get(context.Background(), accession)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", accession, err)
	}
	return state.Status
}

func TestEngine_RunOnce_ProcessesAndDedupes(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	// First cycle: both filings end Processed with two artifacts.
	te.engine.RunOnce(ctx)

	if got := statusOf(t, te.store, "0001-A"); got != domain.StatusProcessed {
		t.Errorf("0001-A status = %q, want processed", got)
	}
	if got := statusOf(t, te.store, "0002-B"); got != domain.StatusProcessed {
		t.Errorf("0002-B status = %q, want processed", got)
	}
	if te.reports.count() != 2 {
		t.Errorf("artifacts = %d, want 2", te.reports.count())
	}
	if te.extractor.callCount() != 2 {
		t.Errorf("extraction calls = %d, want 2", te.extractor.callCount())
	}

	// Second cycle with identical fetch results: zero extraction calls,
	// zero text fetches, zero new artifacts.
	textCallsBefore := te.source.calls()
	te.engine.RunOnce(ctx)

	if te.extractor.callCount() != 2 {
		t.Errorf("extraction calls after second cycle = %d, want 2", te.extractor.callCount())
	}
	if te.source.calls() != textCallsBefore {
		t.Errorf("text fetches after second cycle = %d, want %d", te.source.calls(), textCallsBefore)
	}
	if te.reports.count() != 2 {
		t.Errorf("artifacts after second cycle = %d, want 2", te.reports.count())
	}
}

func TestEngine_RunOnce_PartialFailureIsolation(t *testing.T) {
	te := newTestEngine(t, func(deps *Deps, cfg *Config) {
		src := &mockSource{
			filings: []domain.FilingDescriptor{
				{Ticker: "NVDA", Accession: "0001-A", FilingDate: filingDate},
				{Ticker: "AMD", Accession: "0002-B", FilingDate: filingDate},
				{Ticker: "INTC", Accession: "0003-C", FilingDate: filingDate},
			},
			texts: map[string]string{"0001-A": "t1", "0002-B": "t2", "0003-C": "t3"},
		}
		extractor := &mockExtractor{failOn: map[string]error{"AMD": errors.New("model refused")}}
		deps.Registry = &mockRegistry{sources: map[string]domain.FilingSource{"US": src}}
		deps.Extractor = extractor
		cfg.Tickers = []string{"NVDA", "AMD", "INTC"}
	})
	ctx := context.Background()

	te.engine.RunOnce(ctx)

	if got := statusOf(t, te.store, "0001-A"); got != domain.StatusProcessed {
		t.Errorf("first filing status = %q, want processed", got)
	}
	if got := statusOf(t, te.store, "0003-C"); got != domain.StatusProcessed {
		t.Errorf("third filing status = %q, want processed", got)
	}
	if got := statusOf(t, te.store, "0002-B"); got != domain.StatusFailed {
		t.Errorf("second filing status = %q, want failed", got)
	}

	failures, _ := te.store.ListFailures(ctx, 10)
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	if failures[0].ErrorType != domain.FailureExtraction {
		t.Errorf("error type = %q, want %q", failures[0].ErrorType, domain.FailureExtraction)
	}
	if !strings.Contains(failures[0].ErrorMessage, "model refused") {
		t.Errorf("error message = %q, missing cause", failures[0].ErrorMessage)
	}
}

func TestEngine_RunOnce_MarketIsolation(t *testing.T) {
	var usSrc, inSrc *mockSource
	te := newTestEngine(t, func(deps *Deps, cfg *Config) {
		usSrc = &mockSource{fetchErr: errors.New("edgar outage")}
		inSrc = &mockSource{
			filings: []domain.FilingDescriptor{
				{Ticker: "RELIANCE.NS", Accession: "NSE-77", FilingDate: filingDate},
			},
			texts: map[string]string{"NSE-77": "results text"},
		}
		deps.Registry = &mockRegistry{sources: map[string]domain.FilingSource{"US": usSrc, "IN": inSrc}}
		cfg.Tickers = []string{"NVDA", "RELIANCE.NS"}
	})

	te.engine.RunOnce(context.Background())

	// The US outage must not prevent the IN group from being polled.
	if got := statusOf(t, te.store, "NSE-77"); got != domain.StatusProcessed {
		t.Errorf("IN filing status = %q, want processed despite US outage", got)
	}
}

func TestEngine_RunOnce_EmptyTextPolicy(t *testing.T) {
	t.Run("processed by default", func(t *testing.T) {
		te := newTestEngine(t, func(deps *Deps, cfg *Config) {
			src := &mockSource{
				filings: []domain.FilingDescriptor{{Ticker: "NVDA", Accession: "0001-A", FilingDate: filingDate}},
				texts:   map[string]string{}, // no text
			}
			deps.Registry = &mockRegistry{sources: map[string]domain.FilingSource{"US": src}}
			cfg.Tickers = []string{"NVDA"}
		})

		te.engine.RunOnce(context.Background())

		if got := statusOf(t, te.store, "0001-A"); got != domain.StatusProcessed {
			t.Errorf("status = %q, want processed under default policy", got)
		}
		if te.extractor.callCount() != 0 {
			t.Errorf("extraction calls = %d, want 0 for empty text", te.extractor.callCount())
		}
	})

	t.Run("failed when configured", func(t *testing.T) {
		te := newTestEngine(t, func(deps *Deps, cfg *Config) {
			src := &mockSource{
				filings: []domain.FilingDescriptor{{Ticker: "NVDA", Accession: "0001-A", FilingDate: filingDate}},
				texts:   map[string]string{},
			}
			deps.Registry = &mockRegistry{sources: map[string]domain.FilingSource{"US": src}}
			cfg.Tickers = []string{"NVDA"}
			cfg.OnEmptyText = EmptyTextFailed
		})

		te.engine.RunOnce(context.Background())

		if got := statusOf(t, te.store, "0001-A"); got != domain.StatusFailed {
			t.Errorf("status = %q, want failed under failed policy", got)
		}
		failures, _ := te.store.ListFailures(context.Background(), 1)
		if len(failures) != 1 || failures[0].ErrorType != domain.FailureEmptyText {
			t.Errorf("failures = %+v, want one empty_text record", failures)
		}
	})
}

func TestEngine_RunOnce_NotificationFailureStaysProcessed(t *testing.T) {
	te := newTestEngine(t, func(deps *Deps, cfg *Config) {
		deps.Notifier = &mockNotifier{err: errors.New("telegram down")}
	})

	te.engine.RunOnce(context.Background())

	if got := statusOf(t, te.store, "0001-A"); got != domain.StatusProcessed {
		t.Errorf("status = %q, want processed despite notification outage", got)
	}
	failures, _ := te.store.ListFailures(context.Background(), 10)
	if len(failures) != 0 {
		t.Errorf("failures = %+v, want none for notification outage", failures)
	}
}

func TestEngine_RunOnce_RecoversStaleClaimInSameCycle(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	// A crashed attempt left 0001-A claimed two hours ago.
	te.store.MarkInProgress(ctx, "0001-A", "NVDA", filingDate)
	te.store.mu.Lock()
	te.store.states["0001-A"].StatusUpdatedAt = time.Now().Add(-2 * time.Hour)
	te.store.mu.Unlock()

	te.engine.RunOnce(ctx)

	// The sweep runs before polling, so the same cycle re-attempts it.
	if got := statusOf(t, te.store, "0001-A"); got != domain.StatusProcessed {
		t.Errorf("status = %q, want processed after stale recovery", got)
	}
}

func TestEngine_TryRunOnce_DropsOverlap(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	te := newTestEngine(t, func(deps *Deps, cfg *Config) {
		src := &mockSource{
			filings:    []domain.FilingDescriptor{{Ticker: "NVDA", Accession: "0001-A", FilingDate: filingDate}},
			texts:      map[string]string{"0001-A": "text"},
			blockText:  block,
			textedOnce: started,
		}
		deps.Registry = &mockRegistry{sources: map[string]domain.FilingSource{"US": src}}
		cfg.Tickers = []string{"NVDA"}
	})
	ctx := context.Background()

	done := make(chan bool)
	go func() { done <- te.engine.TryRunOnce(ctx) }()
	<-started

	// A trigger while the first cycle is mid-flight is dropped.
	if te.engine.TryRunOnce(ctx) {
		t.Error("TryRunOnce() = true during in-flight cycle, want false")
	}

	close(block)
	if !<-done {
		t.Error("first TryRunOnce() = false, want true")
	}
}

func TestEngine_TriggerAsync(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	te := newTestEngine(t, func(deps *Deps, cfg *Config) {
		src := &mockSource{
			filings:    []domain.FilingDescriptor{{Ticker: "NVDA", Accession: "0001-A", FilingDate: filingDate}},
			texts:      map[string]string{"0001-A": "text"},
			blockText:  block,
			textedOnce: started,
		}
		deps.Registry = &mockRegistry{sources: map[string]domain.FilingSource{"US": src}}
		cfg.Tickers = []string{"NVDA"}
	})
	ctx := context.Background()

	if !te.engine.TriggerAsync(ctx) {
		t.Fatal("TriggerAsync() = false on idle engine, want true")
	}
	<-started

	if te.engine.TriggerAsync(ctx) {
		t.Error("TriggerAsync() = true during in-flight cycle, want false")
	}

	close(block)
	waitFor(t, func() bool {
		done, _ := te.store.IsClaimedOrDone(ctx, "0001-A")
		return done && te.reports.count() == 1
	})
}

func TestEngine_RunLoop_RejectsNonPositiveInterval(t *testing.T) {
	te := newTestEngine(t, nil)

	if err := te.engine.RunLoop(context.Background(), 0); !errors.Is(err, domain.ErrNonPositiveInterval) {
		t.Errorf("RunLoop(0) error = %v, want %v", err, domain.ErrNonPositiveInterval)
	}
	if err := te.engine.RunScheduled(context.Background(), "* * * * *", -time.Second); !errors.Is(err, domain.ErrNonPositiveInterval) {
		t.Errorf("RunScheduled(-1s) error = %v, want %v", err, domain.ErrNonPositiveInterval)
	}
}

func TestEngine_RunLoop_CancelsBetweenCycles(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- te.engine.RunLoop(ctx, time.Hour) }()

	// The immediate first cycle runs, then the loop waits on the ticker.
	waitFor(t, func() bool { return te.extractor.callCount() == 2 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunLoop() error = %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunLoop did not terminate on cancellation")
	}
}

func TestEngine_RunScheduled_InvalidCronFallsBack(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- te.engine.RunScheduled(ctx, "not-a-cron", time.Hour) }()

	// The fallback interval loop still runs the immediate first cycle.
	waitFor(t, func() bool { return te.extractor.callCount() == 2 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunScheduled(invalid cron) error = %v, want nil fallback", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunScheduled did not terminate on cancellation")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
