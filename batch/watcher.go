package batch

import (
	"context"
	"time"
)

// runWatcher samples the aggregate counters and declares the batch drained
// once every request is terminal and every download for done requests has
// settled. Closing doneCh releases Wait.
func (s *Service) runWatcher(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := s.st.GetCounts(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("batch: watcher count failed", "error", err)
				continue
			}
			if counts.Total() > 0 && counts.Drained() {
				s.logger.Info("batch: drained",
					"total", counts.Total(), "done", counts.Done,
					"failed", counts.Failed, "timeout", counts.Timeout)
				close(s.doneCh)
				return
			}
		}
	}
}
