package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/genq/interact"
)

// runFeeder drives submissions on a fixed cadence. The feeder is a single
// sequential actor: at most one request is ever between trigger and ack, so
// acks need no payload correlation — the pending marker identifies them.
func (s *Service) runFeeder(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FeedInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if counts, err := s.st.GetCounts(ctx); err == nil {
				s.logger.Info("batch: progress",
					"queued", counts.Queued, "in_flight", counts.InFlight(),
					"done", counts.Done, "failed", counts.Failed,
					"timeout", counts.Timeout,
					"downloads_pending", counts.DownloadsQueued+counts.DownloadsRunning)
			}
		case <-ticker.C:
			if err := s.feederTick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.fail(err)
				return
			}
		}
	}
}

// feederTick submits at most one queued request, respecting the concurrency
// ceiling, and waits for its ack before returning.
func (s *Service) feederTick(ctx context.Context) error {
	req, err := s.st.NextQueued(ctx, s.cfg.Ceiling)
	if err != nil {
		return fmt.Errorf("batch: next queued: %w", err)
	}
	if req == nil {
		return nil
	}

	// Duplicate guard: a request re-queued by recovery may already have
	// attempts from a submission whose ack arrived after the crash. It was
	// accepted by the service, so adopt it instead of submitting twice.
	n, err := s.st.AttemptCount(ctx, req.Idx)
	if err != nil {
		return fmt.Errorf("batch: attempt count %d: %w", req.Idx, err)
	}
	if n > 0 {
		if err := s.st.ForceInProgress(ctx, req.Idx); err != nil {
			return fmt.Errorf("batch: adopt request %d: %w", req.Idx, err)
		}
		s.logger.Info("batch: adopted previously accepted request",
			"request_idx", req.Idx, "attempts", n)
		s.evaluateRequest(ctx, req.Idx)
		s.startPoller(ctx, req.Idx)
		return nil
	}

	if err := s.st.MarkSubmitting(ctx, req.Idx); err != nil {
		return fmt.Errorf("batch: mark submitting %d: %w", req.Idx, err)
	}

	p := &pendingAck{idx: req.Idx, ch: make(chan struct{})}
	s.setPending(p)
	defer s.setPending(nil)

	s.logger.Info("batch: submitting", "request_idx", req.Idx)
	if err := s.sub.TriggerSubmission(ctx, req.Prompt); err != nil {
		if errors.Is(err, interact.ErrFatalSession) {
			return fmt.Errorf("batch: trigger %d: %w", req.Idx, err)
		}
		s.logger.Warn("batch: trigger failed", "request_idx", req.Idx, "error", err)
		if err := s.st.MarkFailed(ctx, req.Idx, "submission trigger failed: "+err.Error()); err != nil {
			return fmt.Errorf("batch: mark failed %d: %w", req.Idx, err)
		}
		return nil
	}

	select {
	case <-p.ch:
		return nil
	case <-ctx.Done():
		return nil
	case <-time.After(s.cfg.AckTimeout):
		s.logger.Warn("batch: ack timed out, re-queueing", "request_idx", req.Idx)
		if err := s.st.ResetToQueued(ctx, req.Idx); err != nil {
			return fmt.Errorf("batch: reset %d: %w", req.Idx, err)
		}
		return nil
	}
}
