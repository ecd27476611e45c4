package batch

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

var manifestHeader = []string{
	"request_idx", "prompt", "status", "submitted_at", "completed_at",
	"take_idx", "model", "file_path", "attempt_status", "downloaded", "locator",
}

// ExportManifest writes the final CSV manifest to path: one row per
// request×attempt, requests without attempts included with empty attempt
// columns. Written on drain and on shutdown, so it reflects whatever the
// batch reached.
func (s *Service) ExportManifest(ctx context.Context, path string) error {
	rows, err := s.st.ManifestRows(ctx)
	if err != nil {
		return fmt.Errorf("batch: manifest rows: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("batch: create manifest %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(manifestHeader); err != nil {
		return fmt.Errorf("batch: write manifest header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.RequestIdx, 10),
			r.Prompt,
			r.Status,
			millisRFC3339(r.SubmittedAt),
			millisRFC3339(r.CompletedAt),
			"", "", "", "", "", "",
		}
		if r.HasAttempt {
			rec[5] = strconv.Itoa(r.TakeIdx)
			rec[6] = r.Model
			rec[7] = r.FilePath
			rec[8] = r.AttemptStatus
			rec[9] = strconv.FormatBool(r.Downloaded)
			rec[10] = r.Locator
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("batch: write manifest row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("batch: flush manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("batch: close manifest: %w", err)
	}

	s.logger.Info("batch: manifest written", "path", path, "rows", len(rows))
	return nil
}

func millisRFC3339(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
