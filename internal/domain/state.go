package domain

import (
	"context"
	"time"
)

// StateManager orchestrates the claim/dedup/failure ledger. It is the only
// writer of filing state; the polling engine goes through it exclusively.
type StateManager struct {
	store StateStore
}

// NewStateManager creates a new StateManager.
func NewStateManager(store StateStore) *StateManager {
	return &StateManager{store: store}
}

// IsClaimedOrDone is the dedup gate: true when the accession is InProgress
// (claimed by an attempt) or Processed (done forever).
func (m *StateManager) IsClaimedOrDone(ctx context.Context, accession string) (bool, error) {
	if accession == "" {
		return false, ErrEmptyAccession
	}
	return m.store.IsClaimedOrDone(ctx, accession)
}

// MarkInProgress claims the accession before any work starts.
func (m *StateManager) MarkInProgress(ctx context.Context, accession, ticker string, filingDate time.Time) error {
	if accession == "" {
		return ErrEmptyAccession
	}
	return m.store.MarkInProgress(ctx, accession, ticker, filingDate)
}

// MarkProcessed records a completed attempt and clears the failure link.
func (m *StateManager) MarkProcessed(ctx context.Context, accession, ticker string, filingDate time.Time) error {
	if accession == "" {
		return ErrEmptyAccession
	}
	return m.store.MarkProcessed(ctx, accession, ticker, filingDate)
}

// MarkFailed appends a failure record and sets status to Failed, creating
// the state row if the accession was never claimed.
func (m *StateManager) MarkFailed(ctx context.Context, accession, ticker string, filingDate time.Time, errType, errMsg string) error {
	if accession == "" {
		return ErrEmptyAccession
	}
	return m.store.MarkFailed(ctx, accession, ticker, filingDate, errType, errMsg)
}

// IncrementRetry bumps the retry count on the accession's current failure
// record; called when a retry is dispatched, never automatically.
func (m *StateManager) IncrementRetry(ctx context.Context, accession string) error {
	if accession == "" {
		return ErrEmptyAccession
	}
	return m.store.IncrementRetry(ctx, accession)
}

// SweepStaleClaims recovers InProgress rows older than maxAge to Failed so
// a crashed attempt does not block reprocessing forever.
func (m *StateManager) SweepStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	return m.store.SweepStaleClaims(ctx, maxAge)
}

// Get returns the ledger row for an accession.
func (m *StateManager) Get(ctx context.Context, accession string) (*FilingState, error) {
	if accession == "" {
		return nil, ErrEmptyAccession
	}
	return m.store.Get(ctx, accession)
}

// ListFailures returns failure records, most recent first.
func (m *StateManager) ListFailures(ctx context.Context, limit int) ([]FailureRecord, error) {
	return m.store.ListFailures(ctx, limit)
}

// PurgeFailures deletes failure history older than the retention window.
// Filing state rows are retained indefinitely as an audit trail.
func (m *StateManager) PurgeFailures(ctx context.Context, retention time.Duration) (int64, error) {
	return m.store.PurgeFailures(ctx, retention)
}

// CountProcessed returns the number of filings with status Processed.
func (m *StateManager) CountProcessed(ctx context.Context) (int64, error) {
	return m.store.CountProcessed(ctx)
}
