package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"filingwatch/internal/domain"
	"filingwatch/internal/metrics"
)

// EmptyTextPolicy decides how a filing with no extractable text is
// finalized.
type EmptyTextPolicy string

const (
	// EmptyTextProcessed treats empty content as a legitimate observation.
	EmptyTextProcessed EmptyTextPolicy = "processed"
	// EmptyTextFailed records empty content in the failure ledger.
	EmptyTextFailed EmptyTextPolicy = "failed"
)

// Registry resolves tickers to market groups and filing sources.
type Registry interface {
	GroupByMarket(tickers []string) map[string][]string
	MarketClient(market string) (domain.FilingSource, error)
}

// Config tunes one polling engine.
type Config struct {
	Tickers          []string
	FetchLimit       int
	StaleClaimAge    time.Duration
	FailureRetention time.Duration
	OnEmptyText      EmptyTextPolicy
}

// Deps wires all collaborators into the engine. Everything is injected at
// construction; nothing is built lazily on first use.
type Deps struct {
	Registry  Registry
	State     *domain.StateManager
	Extractor domain.Extractor
	Reports   domain.ReportStore
	Notifier  domain.Notifier // optional
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Engine drives polling cycles across market groups and walks each new
// filing through claim, extraction, artifact, notification and final
// status. A single mutex guarantees at most one concurrent cycle.
type Engine struct {
	registry  Registry
	state     *domain.StateManager
	extractor domain.Extractor
	reports   domain.ReportStore
	notifier  domain.Notifier
	metrics   *metrics.Collector
	logger    *slog.Logger
	cfg       Config

	runMu sync.Mutex
}

// New constructs the engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Registry == nil || deps.State == nil || deps.Extractor == nil || deps.Reports == nil {
		return nil, fmt.Errorf("registry, state, extractor and reports are required")
	}
	if cfg.FetchLimit <= 0 {
		return nil, fmt.Errorf("fetch limit must be positive, got %d", cfg.FetchLimit)
	}
	if cfg.StaleClaimAge <= 0 {
		return nil, fmt.Errorf("stale claim age must be positive, got %s", cfg.StaleClaimAge)
	}
	if cfg.OnEmptyText == "" {
		cfg.OnEmptyText = EmptyTextProcessed
	}
	if cfg.OnEmptyText != EmptyTextProcessed && cfg.OnEmptyText != EmptyTextFailed {
		return nil, fmt.Errorf("unknown empty-text policy %q", cfg.OnEmptyText)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		var err error
		deps.Metrics, err = metrics.NewCollector()
		if err != nil {
			return nil, err
		}
	}
	return &Engine{
		registry:  deps.Registry,
		state:     deps.State,
		extractor: deps.Extractor,
		reports:   deps.Reports,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
	}, nil
}

// RunOnce executes a single polling cycle. Per-market and per-filing
// errors are contained and recorded; nothing here terminates the process.
func (e *Engine) RunOnce(ctx context.Context) {
	start := time.Now()
	log := e.logger.With("run_id", uuid.NewString())
	log.Info("polling cycle started", "tickers", len(e.cfg.Tickers))

	if swept, err := e.state.SweepStaleClaims(ctx, e.cfg.StaleClaimAge); err != nil {
		log.Error("stale claim sweep failed", "error", err)
	} else if swept > 0 {
		e.metrics.StaleClaimsSwept.Add(float64(swept))
		log.Warn("recovered stale claims", "count", swept, "max_age", e.cfg.StaleClaimAge)
	}

	if e.cfg.FailureRetention > 0 {
		if purged, err := e.state.PurgeFailures(ctx, e.cfg.FailureRetention); err != nil {
			log.Error("failure history purge failed", "error", err)
		} else if purged > 0 {
			log.Info("purged failure history", "count", purged, "retention", e.cfg.FailureRetention)
		}
	}

	groups := e.registry.GroupByMarket(e.cfg.Tickers)
	markets := make([]string, 0, len(groups))
	for market := range groups {
		markets = append(markets, market)
	}
	sort.Strings(markets)

	for _, market := range markets {
		e.pollMarket(ctx, log, market, groups[market])
	}

	if count, err := e.state.CountProcessed(ctx); err == nil {
		e.metrics.ProcessedTotal.Set(float64(count))
	}
	e.metrics.CyclesTotal.Inc()
	e.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	log.Info("polling cycle finished", "duration", time.Since(start))
}

// pollMarket fetches and processes one market group. A fetch failure here
// is isolated: other markets still run in the same cycle.
func (e *Engine) pollMarket(ctx context.Context, log *slog.Logger, market string, tickers []string) {
	log = log.With("market", market)

	client, err := e.registry.MarketClient(market)
	if err != nil {
		e.metrics.MarketFetchErrors.WithLabelValues(market).Inc()
		log.Error("no filing source for market", "tickers", tickers, "error", err)
		return
	}

	filings, err := client.LatestFilings(ctx, tickers, e.cfg.FetchLimit)
	if err != nil {
		e.metrics.MarketFetchErrors.WithLabelValues(market).Inc()
		log.Error("market fetch failed", "tickers", tickers, "error", err)
		return
	}
	log.Debug("market fetch complete", "candidates", len(filings))

	for _, filing := range filings {
		e.processFiling(ctx, log, client, filing)
	}
}

// processFiling drives one filing through the state machine:
// Unseen -> InProgress -> Processed, or InProgress -> Failed. A failure
// never aborts the cycle.
func (e *Engine) processFiling(ctx context.Context, log *slog.Logger, client domain.FilingSource, filing domain.FilingDescriptor) {
	log = log.With("ticker", filing.Ticker, "accession", filing.Accession)

	claimed, err := e.state.IsClaimedOrDone(ctx, filing.Accession)
	if err != nil {
		log.Error("dedup check failed", "error", err)
		return
	}
	if claimed {
		e.metrics.FilingsSkipped.Inc()
		log.Debug("skipping filing, already claimed or processed")
		return
	}

	// The claim must be durable before any work starts; a claim failure
	// means another writer may hold the accession, so back off entirely.
	if err := e.state.MarkInProgress(ctx, filing.Accession, filing.Ticker, filing.FilingDate); err != nil {
		log.Error("claim failed", "error", err)
		return
	}
	log.Info("new filing claimed", "form", filing.Form)

	if err := e.runPipeline(ctx, log, client, filing); err != nil {
		errType := domain.FailureType(err)
		e.metrics.FilingsFailed.WithLabelValues(errType).Inc()
		log.Error("filing processing failed", "error_type", errType, "error", err)

		if markErr := e.state.MarkFailed(ctx, filing.Accession, filing.Ticker, filing.FilingDate, errType, err.Error()); markErr != nil {
			log.Error("recording failure failed", "error", markErr)
		}
		return
	}

	if err := e.state.MarkProcessed(ctx, filing.Accession, filing.Ticker, filing.FilingDate); err != nil {
		log.Error("recording completion failed", "error", err)
		return
	}
	e.metrics.FilingsProcessed.Inc()
	log.Info("filing processed")
}

// runPipeline performs the work between claim and final status. Returned
// errors carry a PipelineError stage tag for the failure ledger.
func (e *Engine) runPipeline(ctx context.Context, log *slog.Logger, client domain.FilingSource, filing domain.FilingDescriptor) error {
	text, err := client.FilingText(ctx, filing)
	if err != nil {
		return domain.NewPipelineError(domain.FailureTextFetch, err)
	}

	if text == "" {
		if e.cfg.OnEmptyText == EmptyTextFailed {
			return domain.NewPipelineError(domain.FailureEmptyText, fmt.Errorf("no extractable content"))
		}
		log.Warn("no extractable content, finalizing as processed")
		return nil
	}

	report, err := e.extractor.ExtractFromText(ctx, text, filing.Ticker)
	if err != nil {
		return domain.NewPipelineError(domain.FailureExtraction, err)
	}

	artifactPath, err := e.reports.Save(report, filing.Accession)
	if err != nil {
		return domain.NewPipelineError(domain.FailureArtifact, err)
	}
	log.Info("report artifact written", "path", artifactPath)

	// Delivery status is decoupled from the filing's own state: an alert
	// outage must not mark a completed extraction as failed.
	if e.notifier != nil {
		if err := e.notifier.SendReportAlert(ctx, report, artifactPath); err != nil {
			e.metrics.NotificationErrors.Inc()
			log.Warn("report alert delivery failed", "error", err)
		}
	}
	return nil
}

// TryRunOnce runs a cycle unless one is already in flight. It reports
// whether the cycle ran; an overlapping caller gets false immediately.
func (e *Engine) TryRunOnce(ctx context.Context) bool {
	if !e.runMu.TryLock() {
		return false
	}
	defer e.runMu.Unlock()
	e.RunOnce(ctx)
	return true
}

// TriggerAsync starts a cycle in the background unless one is already in
// flight. It reports immediately whether the cycle was started.
func (e *Engine) TriggerAsync(ctx context.Context) bool {
	if !e.runMu.TryLock() {
		return false
	}
	go func() {
		defer e.runMu.Unlock()
		e.RunOnce(ctx)
	}()
	return true
}

// RunLoop blocks, running a cycle immediately and then every interval.
// Cancellation is observed only between cycles.
func (e *Engine) RunLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", domain.ErrNonPositiveInterval, interval)
	}

	e.logger.Info("polling loop started", "interval", interval)
	e.TryRunOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("polling loop stopped")
			return nil
		case <-ticker.C:
			if !e.TryRunOnce(ctx) {
				e.logger.Warn("overlapping cycle trigger dropped")
			}
		}
	}
}

// RunScheduled blocks, triggering cycles on the cron expression. An
// unparseable expression is logged and downgraded to the interval
// fallback. Overlapping triggers are dropped, never queued. Shutdown
// stops new triggers and waits for an in-flight cycle to finish.
func (e *Engine) RunScheduled(ctx context.Context, cronExpr string, fallback time.Duration) error {
	if fallback <= 0 {
		return fmt.Errorf("%w: %s", domain.ErrNonPositiveInterval, fallback)
	}
	if cronExpr == "" {
		return e.RunLoop(ctx, fallback)
	}

	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		e.logger.Error("invalid cron expression, falling back to interval",
			"cron", cronExpr, "fallback", fallback, "error", err)
		return e.RunLoop(ctx, fallback)
	}

	e.logger.Info("scheduled polling started", "cron", cronExpr)
	e.TryRunOnce(ctx)

	runner := cron.New()
	runner.Schedule(schedule, cron.FuncJob(func() {
		if !e.TryRunOnce(ctx) {
			e.logger.Warn("overlapping cron trigger dropped", "cron", cronExpr)
		}
	}))
	runner.Start()

	<-ctx.Done()
	// Stop accepting triggers; the returned context completes once the
	// in-flight run, if any, has finished.
	stopCtx := runner.Stop()
	<-stopCtx.Done()
	e.logger.Info("scheduled polling stopped")
	return nil
}
