package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertPrompts batch-inserts requests in the given order, deduplicating by
// content fingerprint. Duplicates are skipped silently; the returned counts
// report how many rows were inserted vs skipped.
func (s *Store) InsertPrompts(ctx context.Context, prompts []string, maxRetries int) (inserted, skipped int, err error) {
	now := time.Now().UnixMilli()
	for _, p := range prompts {
		res, err := s.DB.ExecContext(ctx,
			`INSERT INTO requests (prompt, fingerprint, status, max_retries, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO NOTHING`,
			p, Fingerprint(p), StatusQueued, maxRetries, now, now)
		if err != nil {
			return inserted, skipped, fmt.Errorf("insert prompt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, skipped, err
		}
		if n == 0 {
			skipped++
		} else {
			inserted++
		}
	}
	return inserted, skipped, nil
}

// GetRequest retrieves a request by ordinal, or nil if absent.
func (s *Store) GetRequest(ctx context.Context, idx int64) (*Request, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT idx, prompt, fingerprint, status, COALESCE(submitted_at, 0),
		COALESCE(completed_at, 0), last_error, retry_count, max_retries,
		created_at, updated_at
		FROM requests WHERE idx = ?`, idx)
	return scanRequest(row)
}

// NextQueued peeks the oldest queued request, respecting the concurrency
// ceiling: if submitting+in_progress rows already occupy every slot it
// returns nil without selecting anything.
func (s *Store) NextQueued(ctx context.Context, ceiling int) (*Request, error) {
	var inFlight int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE status IN (?, ?)`,
		StatusSubmitting, StatusInProgress).Scan(&inFlight)
	if err != nil {
		return nil, fmt.Errorf("count in-flight: %w", err)
	}
	if inFlight >= ceiling {
		return nil, nil
	}

	row := s.DB.QueryRowContext(ctx,
		`SELECT idx, prompt, fingerprint, status, COALESCE(submitted_at, 0),
		COALESCE(completed_at, 0), last_error, retry_count, max_retries,
		created_at, updated_at
		FROM requests WHERE status = ? ORDER BY idx ASC LIMIT 1`, StatusQueued)
	return scanRequest(row)
}

// MarkSubmitting transitions a queued request to submitting. A no-op if the
// request left queued in the meantime.
func (s *Store) MarkSubmitting(ctx context.Context, idx int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE requests SET status = ?, updated_at = ? WHERE idx = ? AND status = ?`,
		StatusSubmitting, time.Now().UnixMilli(), idx, StatusQueued)
	return err
}

// MarkInProgress atomically transitions a request to in_progress and
// materializes its attempt rows from an ack, one per requested output.
// Attempt inserts use ON CONFLICT DO NOTHING so a duplicate ack replaying
// already-known operation IDs is a no-op.
func (s *Store) MarkInProgress(ctx context.Context, idx int64, seeds []AttemptSeed, durationSec int) error {
	now := time.Now().UnixMilli()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE requests SET status = ?, submitted_at = COALESCE(submitted_at, ?), updated_at = ?
		WHERE idx = ?`,
		StatusInProgress, now, now, idx)
	if err != nil {
		return fmt.Errorf("mark in_progress: %w", err)
	}

	for i, seed := range seeds {
		status := seed.Status
		if status == "" {
			status = AttemptPending
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO attempts (operation_id, request_idx, take_idx, scene_id, status, locator, model, duration_sec, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)
			ON CONFLICT(operation_id) DO NOTHING`,
			seed.OperationID, idx, i+1, seed.SceneID, status, seed.Locator, seed.Model, durationSec, now, now)
		if err != nil {
			return fmt.Errorf("insert attempt %s: %w", seed.OperationID, err)
		}
	}
	return tx.Commit()
}

// ForceInProgress promotes a request to in_progress without touching its
// attempts. Used by the duplicate-submission guard when a request flagged
// queued/submitting turns out to already have materialized attempts.
func (s *Store) ForceInProgress(ctx context.Context, idx int64) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE requests SET status = ?, submitted_at = COALESCE(submitted_at, ?), updated_at = ?
		WHERE idx = ?`,
		StatusInProgress, now, now, idx)
	return err
}

// MarkFailed records a terminal failure with its reason.
func (s *Store) MarkFailed(ctx context.Context, idx int64, reason string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE requests SET status = ?, last_error = ?, completed_at = ?, updated_at = ?
		WHERE idx = ?`,
		StatusFailed, reason, now, now, idx)
	return err
}

// ResetToQueued puts a request back in the queue (ack timeout, recovery).
func (s *Store) ResetToQueued(ctx context.Context, idx int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE requests SET status = ?, updated_at = ? WHERE idx = ?`,
		StatusQueued, time.Now().UnixMilli(), idx)
	return err
}

// StuckSubmitting returns a request stuck in submitting with zero attempts,
// or nil. Recovery-only fallback for correlating an ack when the in-memory
// pending marker is gone.
func (s *Store) StuckSubmitting(ctx context.Context) (*Request, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT r.idx, r.prompt, r.fingerprint, r.status, COALESCE(r.submitted_at, 0),
		COALESCE(r.completed_at, 0), r.last_error, r.retry_count, r.max_retries,
		r.created_at, r.updated_at
		FROM requests r
		WHERE r.status = ?
		  AND NOT EXISTS (SELECT 1 FROM attempts a WHERE a.request_idx = r.idx)
		ORDER BY r.idx ASC LIMIT 1`, StatusSubmitting)
	return scanRequest(row)
}

// RetryRequest deletes the failed/cancelled attempts of a request (successful
// ones and their downloads are kept), resets it to queued, and increments
// retry_count. The submission clock is cleared so the re-submission gets a
// fresh timeout budget. Once retry_count has reached max_retries the request
// is left terminally failed and ErrRetriesExhausted is returned.
func (s *Store) RetryRequest(ctx context.Context, idx int64) error {
	now := time.Now().UnixMilli()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count, max_retries FROM requests WHERE idx = ?`, idx).
		Scan(&retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return fmt.Errorf("request %d not found", idx)
	}
	if err != nil {
		return err
	}
	if retryCount >= maxRetries {
		_, err = tx.ExecContext(ctx,
			`UPDATE requests SET status = ?, last_error = ?, updated_at = ? WHERE idx = ?`,
			StatusFailed, "retries exhausted", now, idx)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return ErrRetriesExhausted
	}

	// Cascades to download_tasks of the deleted attempts.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM attempts WHERE request_idx = ? AND status IN (?, ?)`,
		idx, AttemptFailed, AttemptCancelled)
	if err != nil {
		return fmt.Errorf("delete failed attempts: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE requests SET status = ?, last_error = '', completed_at = NULL,
		submitted_at = NULL, retry_count = retry_count + 1, updated_at = ?
		WHERE idx = ?`,
		StatusQueued, now, idx)
	if err != nil {
		return fmt.Errorf("reset request: %w", err)
	}
	return tx.Commit()
}

func scanRequest(row *sql.Row) (*Request, error) {
	var r Request
	err := row.Scan(&r.Idx, &r.Prompt, &r.Fingerprint, &r.Status, &r.SubmittedAt,
		&r.CompletedAt, &r.LastError, &r.RetryCount, &r.MaxRetries,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}
	return &r, nil
}
