package domain

import (
	"context"
	"time"
)

// FilingSource is the driven port for one market's filing system.
type FilingSource interface {
	// LatestFilings fetches recent filings for a batch of tickers.
	// A failure for one ticker must not abort the batch: the client logs
	// it and returns the descriptors it could fetch.
	LatestFilings(ctx context.Context, tickers []string, limit int) ([]FilingDescriptor, error)

	// FilingText returns the primary filing body concatenated with any
	// preferentially-extracted press-release exhibit. An empty string
	// means no text was extractable; that is an observation, not an error.
	FilingText(ctx context.Context, filing FilingDescriptor) (string, error)
}

// StateStore is the driven port for the durable claim/dedup ledger. All
// mutations are atomic conditional upserts keyed by accession.
type StateStore interface {
	Get(ctx context.Context, accession string) (*FilingState, error)
	IsClaimedOrDone(ctx context.Context, accession string) (bool, error)
	MarkInProgress(ctx context.Context, accession, ticker string, filingDate time.Time) error
	MarkProcessed(ctx context.Context, accession, ticker string, filingDate time.Time) error
	MarkFailed(ctx context.Context, accession, ticker string, filingDate time.Time, errType, errMsg string) error
	IncrementRetry(ctx context.Context, accession string) error
	SweepStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error)
	ListFailures(ctx context.Context, limit int) ([]FailureRecord, error)
	PurgeFailures(ctx context.Context, retention time.Duration) (int64, error)
	CountProcessed(ctx context.Context) (int64, error)
}

// Extractor turns raw filing text into a structured report.
type Extractor interface {
	ExtractFromText(ctx context.Context, text, ticker string) (*Report, error)
}

// Notifier delivers report alerts to an external channel.
type Notifier interface {
	SendReportAlert(ctx context.Context, report *Report, artifactPath string) error
}

// ReportStore persists one report artifact per (ticker, accession) at a
// deterministic path, overwriting on reprocessing.
type ReportStore interface {
	Save(report *Report, accession string) (string, error)
}
