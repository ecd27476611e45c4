package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimDownload atomically picks the oldest queued download task, marks it
// running, and returns it joined with the attempt and request fields a worker
// needs to fetch and name the artifact. Returns nil, nil when nothing is
// queued.
func (s *Store) ClaimDownload(ctx context.Context) (*DownloadTask, error) {
	now := time.Now().UnixMilli()

	row := s.DB.QueryRowContext(ctx, `
		UPDATE download_tasks
		SET state = ?, started_at = ?
		WHERE id = (
			SELECT id FROM download_tasks
			WHERE state = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id, operation_id, request_idx, retry_count, last_error, created_at`,
		DownloadRunning, now, DownloadQueued)

	var t DownloadTask
	err := row.Scan(&t.ID, &t.OperationID, &t.RequestIdx, &t.RetryCount, &t.LastError, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim download: %w", err)
	}
	t.State = DownloadRunning
	t.StartedAt = now

	err = s.DB.QueryRowContext(ctx, `
		SELECT COALESCE(a.locator, ''), a.take_idx, a.model, a.duration_sec,
		r.prompt, COALESCE(r.submitted_at, 0)
		FROM attempts a JOIN requests r ON r.idx = a.request_idx
		WHERE a.operation_id = ?`, t.OperationID).
		Scan(&t.Locator, &t.TakeIdx, &t.Model, &t.DurationSec, &t.Prompt, &t.SubmittedAt)
	if err != nil {
		return nil, fmt.Errorf("join download %s: %w", t.ID, err)
	}
	return &t, nil
}

// FinishDownload marks a task done and records the artifact path on the
// parent attempt, in one transaction.
func (s *Store) FinishDownload(ctx context.Context, taskID, operationID, filePath string) error {
	now := time.Now().UnixMilli()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE download_tasks SET state = ?, finished_at = ?, last_error = '' WHERE id = ?`,
		DownloadDone, now, taskID)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE attempts SET downloaded = 1, file_path = ?, updated_at = ? WHERE operation_id = ?`,
		filePath, now, operationID)
	if err != nil {
		return fmt.Errorf("mark attempt downloaded: %w", err)
	}
	return tx.Commit()
}

// RecordDownloadError bumps the retry counter and stores the error. With
// terminal=true the task is left failed; otherwise it stays running for the
// worker's in-process backoff retry.
func (s *Store) RecordDownloadError(ctx context.Context, taskID, errMsg string, terminal bool) error {
	now := time.Now().UnixMilli()
	state := DownloadRunning
	if terminal {
		state = DownloadFailed
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE download_tasks SET state = ?, retry_count = retry_count + 1,
		last_error = ?, finished_at = CASE WHEN ? THEN ? ELSE finished_at END
		WHERE id = ?`,
		state, errMsg, terminal, now, taskID)
	return err
}

// GetDownloadTask retrieves a task by ID (without joins), or nil.
func (s *Store) GetDownloadTask(ctx context.Context, taskID string) (*DownloadTask, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, operation_id, request_idx, state, retry_count, last_error,
		created_at, COALESCE(started_at, 0), COALESCE(finished_at, 0)
		FROM download_tasks WHERE id = ?`, taskID)
	var t DownloadTask
	err := row.Scan(&t.ID, &t.OperationID, &t.RequestIdx, &t.State, &t.RetryCount,
		&t.LastError, &t.CreatedAt, &t.StartedAt, &t.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan download task: %w", err)
	}
	return &t, nil
}
