package store

import (
	"context"
	"fmt"
)

// ManifestRows returns one row per request×attempt in request-then-take
// order. Requests that never materialized an attempt still appear, with
// empty attempt fields, so the manifest always accounts for every prompt.
func (s *Store) ManifestRows(ctx context.Context) ([]ManifestRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT r.idx, r.prompt, r.status, COALESCE(r.submitted_at, 0), COALESCE(r.completed_at, 0),
		COALESCE(a.take_idx, 0), COALESCE(a.model, ''), COALESCE(a.file_path, ''),
		COALESCE(a.status, ''), COALESCE(a.downloaded, 0), COALESCE(a.locator, ''),
		a.operation_id IS NOT NULL
		FROM requests r
		LEFT JOIN attempts a ON a.request_idx = r.idx
		ORDER BY r.idx ASC, a.take_idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("manifest query: %w", err)
	}
	defer rows.Close()

	var out []ManifestRow
	for rows.Next() {
		var m ManifestRow
		var downloaded, hasAttempt int
		err := rows.Scan(&m.RequestIdx, &m.Prompt, &m.Status, &m.SubmittedAt, &m.CompletedAt,
			&m.TakeIdx, &m.Model, &m.FilePath, &m.AttemptStatus, &downloaded, &m.Locator,
			&hasAttempt)
		if err != nil {
			return nil, fmt.Errorf("scan manifest row: %w", err)
		}
		m.Downloaded = downloaded != 0
		m.HasAttempt = hasAttempt != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
