package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"filingwatch/internal/domain"
)

// Store implements domain.StateStore on SQLite. The database runs in WAL
// mode: the in_progress marker is the crash-recovery mechanism, so every
// write must survive a process crash.
type Store struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

// New opens (creating if needed) the database at dbPath and applies any
// pending migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves the state row for an accession.
func (s *Store) Get(ctx context.Context, accession string) (*domain.FilingState, error) {
	query, args, err := s.builder.
		Select("accession", "ticker", "filing_date", "status", "status_updated_at", "failure_id").
		From("filing_state").
		Where(sq.Eq{"accession": accession}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var state domain.FilingState
	var status string
	var failureID sql.NullInt64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&state.Accession, &state.Ticker, &state.FilingDate,
		&status, &state.StatusUpdatedAt, &failureID,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrFilingNotFound
	}
	if err != nil {
		return nil, err
	}
	state.Status = domain.FilingStatus(status)
	state.FailureID = failureID.Int64
	return &state, nil
}

// IsClaimedOrDone reports whether the accession is InProgress or Processed.
// A missing row and a Failed row both return false: both are eligible for
// an attempt.
func (s *Store) IsClaimedOrDone(ctx context.Context, accession string) (bool, error) {
	query, args, err := s.builder.
		Select("status").
		From("filing_state").
		Where(sq.Eq{"accession": accession}).
		ToSql()
	if err != nil {
		return false, err
	}

	var status string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	fs := domain.FilingStatus(status)
	return fs == domain.StatusInProgress || fs == domain.StatusProcessed, nil
}

// MarkInProgress atomically claims the accession: a single upsert, never a
// read followed by a write, so concurrent claimants on disjoint processes
// cannot interleave.
func (s *Store) MarkInProgress(ctx context.Context, accession, ticker string, filingDate time.Time) error {
	return s.upsertStatus(ctx, accession, ticker, filingDate, domain.StatusInProgress)
}

// MarkProcessed atomically records completion and clears the failure link.
func (s *Store) MarkProcessed(ctx context.Context, accession, ticker string, filingDate time.Time) error {
	return s.upsertStatus(ctx, accession, ticker, filingDate, domain.StatusProcessed)
}

func (s *Store) upsertStatus(ctx context.Context, accession, ticker string, filingDate time.Time, status domain.FilingStatus) error {
	query, args, err := s.builder.
		Insert("filing_state").
		Columns("accession", "ticker", "filing_date", "status", "status_updated_at", "failure_id").
		Values(accession, ticker, filingDate, string(status), time.Now().UTC(), nil).
		Suffix(`ON CONFLICT(accession) DO UPDATE SET
			ticker = excluded.ticker,
			filing_date = excluded.filing_date,
			status = excluded.status,
			status_updated_at = excluded.status_updated_at,
			failure_id = NULL`).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// MarkFailed appends a failure record, links it as current, and sets status
// to Failed. Creates the state row if this accession was never claimed.
func (s *Store) MarkFailed(ctx context.Context, accession, ticker string, filingDate time.Time, errType, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	failureID, err := insertFailure(ctx, tx, accession, ticker, errType, errMsg, time.Now().UTC())
	if err != nil {
		return err
	}

	query, args, err := s.builder.
		Insert("filing_state").
		Columns("accession", "ticker", "filing_date", "status", "status_updated_at", "failure_id").
		Values(accession, ticker, filingDate, string(domain.StatusFailed), time.Now().UTC(), failureID).
		Suffix(`ON CONFLICT(accession) DO UPDATE SET
			ticker = excluded.ticker,
			filing_date = excluded.filing_date,
			status = excluded.status,
			status_updated_at = excluded.status_updated_at,
			failure_id = excluded.failure_id`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	return tx.Commit()
}

func insertFailure(ctx context.Context, tx *sql.Tx, accession, ticker, errType, errMsg string, occurredAt time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO filing_failures (accession, ticker, error_type, error_message, occurred_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		accession, ticker, errType, errMsg, occurredAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// IncrementRetry bumps retry_count on the accession's current failure
// record. Returns ErrFilingNotFound when the accession has no current
// failure.
func (s *Store) IncrementRetry(ctx context.Context, accession string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE filing_failures SET retry_count = retry_count + 1
		 WHERE id = (SELECT failure_id FROM filing_state WHERE accession = ?)`,
		accession,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrFilingNotFound
	}
	return nil
}

// SweepStaleClaims transitions InProgress rows older than maxAge to Failed
// with error_type stale_claim. Without the sweep a crash mid-attempt would
// block the accession forever, because IsClaimedOrDone treats InProgress
// as done-for-now.
func (s *Store) SweepStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query, args, err := s.builder.
		Select("accession", "ticker").
		From("filing_state").
		Where(sq.Eq{"status": string(domain.StatusInProgress)}).
		Where(sq.Lt{"status_updated_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	type stale struct{ accession, ticker string }
	var claims []stale
	for rows.Next() {
		var c stale
		if err := rows.Scan(&c.accession, &c.ticker); err != nil {
			rows.Close()
			return 0, err
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	now := time.Now().UTC()
	for _, c := range claims {
		failureID, err := insertFailure(ctx, tx, c.accession, c.ticker,
			domain.FailureStaleClaim,
			fmt.Sprintf("claim exceeded max age %s, presumed abandoned", maxAge),
			now,
		)
		if err != nil {
			return 0, err
		}
		// Guard on status so a claim refreshed between the select and this
		// update is left alone.
		if _, err := tx.ExecContext(ctx,
			`UPDATE filing_state SET status = ?, status_updated_at = ?, failure_id = ?
			 WHERE accession = ? AND status = ?`,
			string(domain.StatusFailed), now, failureID,
			c.accession, string(domain.StatusInProgress),
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(claims)), nil
}

// ListFailures returns failure records, most recent first.
func (s *Store) ListFailures(ctx context.Context, limit int) ([]domain.FailureRecord, error) {
	query, args, err := s.builder.
		Select("id", "accession", "ticker", "error_type", "error_message", "occurred_at", "retry_count").
		From("filing_failures").
		OrderBy("occurred_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []domain.FailureRecord
	for rows.Next() {
		var f domain.FailureRecord
		if err := rows.Scan(&f.ID, &f.Accession, &f.Ticker, &f.ErrorType, &f.ErrorMessage, &f.OccurredAt, &f.RetryCount); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// PurgeFailures deletes failure history older than the retention window and
// unlinks any state row whose current failure was removed. Statuses are not
// touched.
func (s *Store) PurgeFailures(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query, args, err := s.builder.
		Delete("filing_failures").
		Where(sq.Lt{"occurred_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE filing_state SET failure_id = NULL
		 WHERE failure_id IS NOT NULL
		   AND failure_id NOT IN (SELECT id FROM filing_failures)`,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// CountProcessed returns the number of filings with status Processed.
func (s *Store) CountProcessed(ctx context.Context) (int64, error) {
	query, args, err := s.builder.
		Select("COUNT(*)").
		From("filing_state").
		Where(sq.Eq{"status": string(domain.StatusProcessed)}).
		ToSql()
	if err != nil {
		return 0, err
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
