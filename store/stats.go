package store

import (
	"context"
	"fmt"
	"time"
)

// GetCounts returns the aggregate state counters.
func (s *Store) GetCounts(ctx context.Context) (Counts, error) {
	var c Counts

	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return c, fmt.Errorf("count requests: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return c, err
		}
		switch status {
		case StatusQueued:
			c.Queued = n
		case StatusSubmitting:
			c.Submitting = n
		case StatusInProgress:
			c.InProgress = n
		case StatusDone:
			c.Done = n
		case StatusFailed:
			c.Failed = n
		case StatusTimeout:
			c.Timeout = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return c, err
	}

	rows, err = s.DB.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM download_tasks GROUP BY state`)
	if err != nil {
		return c, fmt.Errorf("count downloads: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return c, err
		}
		switch state {
		case DownloadQueued:
			c.DownloadsQueued = n
		case DownloadRunning:
			c.DownloadsRunning = n
		case DownloadDone:
			c.DownloadsDone = n
		case DownloadFailed:
			c.DownloadsFailed = n
		}
	}
	return c, rows.Err()
}

// RecoverStartup reconciles transient-state rows left by a prior crash:
//
//   - submitting → queued (the feeder's duplicate-submission guard prevents
//     double materialization if the prior submission actually landed)
//   - in_progress with a submit timestamp older than stale → timeout
//   - download_tasks running → queued (a crash mid-fetch leaves only a
//     discardable .part file)
//
// Returns how many rows each rule touched.
func (s *Store) RecoverStartup(ctx context.Context, stale time.Duration) (resubmitted, timedOut, requeuedDownloads int64, err error) {
	now := time.Now().UnixMilli()

	res, err := s.DB.ExecContext(ctx,
		`UPDATE requests SET status = ?, updated_at = ? WHERE status = ?`,
		StatusQueued, now, StatusSubmitting)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("reset submitting: %w", err)
	}
	resubmitted, _ = res.RowsAffected()

	cutoff := now - stale.Milliseconds()
	res, err = s.DB.ExecContext(ctx,
		`UPDATE requests SET status = ?, last_error = 'stale after restart',
		completed_at = COALESCE(completed_at, ?), updated_at = ?
		WHERE status = ? AND submitted_at IS NOT NULL AND submitted_at < ?`,
		StatusTimeout, now, now, StatusInProgress, cutoff)
	if err != nil {
		return resubmitted, 0, 0, fmt.Errorf("timeout stale: %w", err)
	}
	timedOut, _ = res.RowsAffected()

	res, err = s.DB.ExecContext(ctx,
		`UPDATE download_tasks SET state = ?, started_at = NULL WHERE state = ?`,
		DownloadQueued, DownloadRunning)
	if err != nil {
		return resubmitted, timedOut, 0, fmt.Errorf("requeue downloads: %w", err)
	}
	requeuedDownloads, _ = res.RowsAffected()

	return resubmitted, timedOut, requeuedDownloads, nil
}

// InProgressIdxs returns the ordinals of all in_progress requests, oldest
// first. Used after recovery to restart their poll timers.
func (s *Store) InProgressIdxs(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT idx FROM requests WHERE status = ? ORDER BY idx ASC`, StatusInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var idxs []int64
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		idxs = append(idxs, idx)
	}
	return idxs, rows.Err()
}
