package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is returned by RetryRequest when the request has no
// retries left and was marked terminally failed instead.
var ErrRetriesExhausted = errors.New("store: retries exhausted")

// ApplyStatusUpdates applies a routed status-update batch to the attempt
// rows it addresses, matched by operation ID. Unknown operation IDs are
// skipped (late events for retried-away attempts). Locator and model only
// ever advance from empty to set — a duplicate or out-of-order event cannot
// blank a field it already delivered.
//
// A locator arriving after the parent request already went done (the
// SUCCESSFUL event came locator-less) enqueues the download here, since the
// evaluator will not run again for a terminal request.
//
// Returns the set of request ordinals whose attempts changed, so the caller
// can re-run the evaluator for each.
func (s *Store) ApplyStatusUpdates(ctx context.Context, updates []AttemptUpdate) ([]int64, error) {
	now := time.Now().UnixMilli()
	touched := make(map[int64]bool)

	for _, u := range updates {
		var reqIdx int64
		err := s.DB.QueryRowContext(ctx,
			`SELECT request_idx FROM attempts WHERE operation_id = ?`, u.OperationID).
			Scan(&reqIdx)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve attempt %s: %w", u.OperationID, err)
		}

		_, err = s.DB.ExecContext(ctx,
			`UPDATE attempts SET
			status = ?,
			locator = CASE WHEN ? = '' THEN locator ELSE ? END,
			model = CASE WHEN ? = '' THEN model ELSE ? END,
			last_poll_at = ?, updated_at = ?
			WHERE operation_id = ?`,
			u.Status, u.Locator, u.Locator, u.Model, u.Model, now, now, u.OperationID)
		if err != nil {
			return nil, fmt.Errorf("update attempt %s: %w", u.OperationID, err)
		}

		if u.Locator != "" {
			var pending int
			err = s.DB.QueryRowContext(ctx, `
				SELECT COUNT(*)
				FROM attempts a JOIN requests r ON r.idx = a.request_idx
				WHERE a.operation_id = ? AND a.status = ? AND r.status = ?
				  AND a.operation_id NOT IN (SELECT operation_id FROM download_tasks)`,
				u.OperationID, AttemptSuccessful, StatusDone).Scan(&pending)
			if err != nil {
				return nil, fmt.Errorf("enqueue late download %s: %w", u.OperationID, err)
			}
			if pending > 0 {
				_, err = s.DB.ExecContext(ctx, `
					INSERT INTO download_tasks (id, operation_id, request_idx, state, created_at)
					SELECT ?, a.operation_id, a.request_idx, ?, ?
					FROM attempts a JOIN requests r ON r.idx = a.request_idx
					WHERE a.operation_id = ? AND a.status = ? AND r.status = ?
					  AND a.operation_id NOT IN (SELECT operation_id FROM download_tasks)`,
					s.newID(), DownloadQueued, now, u.OperationID, AttemptSuccessful, StatusDone)
				if err != nil {
					return nil, fmt.Errorf("enqueue late download %s: %w", u.OperationID, err)
				}
			}
		}
		touched[reqIdx] = true
	}

	idxs := make([]int64, 0, len(touched))
	for idx := range touched {
		idxs = append(idxs, idx)
	}
	return idxs, nil
}

// AttemptsForRequest returns all attempts of a request in take order.
func (s *Store) AttemptsForRequest(ctx context.Context, idx int64) ([]*Attempt, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT operation_id, request_idx, take_idx, scene_id, status,
		COALESCE(locator, ''), model, duration_sec, COALESCE(last_poll_at, 0),
		downloaded, file_path, created_at, updated_at
		FROM attempts WHERE request_idx = ? ORDER BY take_idx ASC`, idx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		var downloaded int
		err := rows.Scan(&a.OperationID, &a.RequestIdx, &a.TakeIdx, &a.SceneID,
			&a.Status, &a.Locator, &a.Model, &a.DurationSec, &a.LastPollAt,
			&downloaded, &a.FilePath, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Downloaded = downloaded != 0
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// AttemptCount returns how many attempts a request has materialized.
func (s *Store) AttemptCount(ctx context.Context, idx int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE request_idx = ?`, idx).Scan(&n)
	return n, err
}

// ApplyEvaluation persists an evaluator verdict for a request. For a "done"
// verdict, download tasks are enqueued in the same transaction for every
// successful attempt that has a locator and no task yet — re-running the
// evaluator can never enqueue a download twice.
func (s *Store) ApplyEvaluation(ctx context.Context, idx int64, status, lastError string) error {
	now := time.Now().UnixMilli()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	switch status {
	case StatusDone, StatusFailed, StatusTimeout:
		_, err = tx.ExecContext(ctx,
			`UPDATE requests SET status = ?, last_error = ?, completed_at = COALESCE(completed_at, ?), updated_at = ?
			WHERE idx = ?`, status, lastError, now, now, idx)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE requests SET status = ?, updated_at = ? WHERE idx = ?`,
			status, now, idx)
	}
	if err != nil {
		return fmt.Errorf("persist evaluation: %w", err)
	}

	if status == StatusDone {
		rows, err := tx.QueryContext(ctx,
			`SELECT operation_id FROM attempts
			WHERE request_idx = ? AND status = ? AND locator IS NOT NULL AND locator != ''
			  AND operation_id NOT IN (SELECT operation_id FROM download_tasks)
			ORDER BY take_idx ASC`, idx, AttemptSuccessful)
		if err != nil {
			return fmt.Errorf("select downloadable: %w", err)
		}
		var opIDs []string
		for rows.Next() {
			var opID string
			if err := rows.Scan(&opID); err != nil {
				rows.Close()
				return err
			}
			opIDs = append(opIDs, opID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, opID := range opIDs {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO download_tasks (id, operation_id, request_idx, state, created_at)
				VALUES (?, ?, ?, ?, ?)`,
				s.newID(), opID, idx, DownloadQueued, now)
			if err != nil {
				return fmt.Errorf("enqueue download %s: %w", opID, err)
			}
		}
	}
	return tx.Commit()
}
