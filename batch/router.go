package batch

import (
	"context"
	"fmt"

	"github.com/hazyhaar/genq/interact"
	"github.com/hazyhaar/genq/store"
)

// runRouter drains the interaction event feed. Acks resolve against the
// feeder's pending marker; status updates are persisted and trigger a
// re-evaluation of each touched request.
func (s *Service) runRouter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.events:
			if !ok {
				if ctx.Err() == nil {
					s.fail(fmt.Errorf("batch: event feed closed: %w", interact.ErrFatalSession))
				}
				return
			}
			var err error
			switch ev.Kind {
			case interact.EventAck:
				err = s.handleAck(ctx, ev)
			case interact.EventStatusUpdate:
				err = s.handleStatusUpdate(ctx, ev)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.fail(err)
				return
			}
		}
	}
}

// handleAck binds an acceptance to the currently-submitting request and
// persists its attempt set. A late ack with no submitting request anywhere
// is a duplicate and is dropped.
func (s *Service) handleAck(ctx context.Context, ev interact.Event) error {
	idx, err := s.ackTarget(ctx)
	if err != nil {
		return err
	}
	if idx == 0 {
		s.logger.Debug("batch: ack with no submitting request, dropped",
			"attempts", len(ev.Attempts))
		return nil
	}

	// A second ack for a request already holding attempts is a duplicate.
	n, err := s.st.AttemptCount(ctx, idx)
	if err != nil {
		return fmt.Errorf("batch: attempt count %d: %w", idx, err)
	}
	if n > 0 {
		s.logger.Debug("batch: duplicate ack dropped", "request_idx", idx)
		s.signalPending(idx)
		return nil
	}

	seeds := make([]store.AttemptSeed, 0, len(ev.Attempts))
	for _, a := range ev.Attempts {
		seeds = append(seeds, store.AttemptSeed{
			OperationID: a.OperationID,
			SceneID:     a.SceneID,
			Status:      a.Status,
			Locator:     a.Locator,
			Model:       a.Model,
		})
	}
	if err := s.st.MarkInProgress(ctx, idx, seeds, s.cfg.AttemptDurationSec); err != nil {
		return fmt.Errorf("batch: mark in progress %d: %w", idx, err)
	}
	s.logger.Info("batch: submission acknowledged",
		"request_idx", idx, "attempts", len(seeds))

	s.signalPending(idx)
	s.evaluateRequest(ctx, idx)
	s.startPoller(ctx, idx)
	return nil
}

// ackTarget resolves which request an ack belongs to: the live pending
// marker first, then the store (covers an ack landing right after a restart
// while a submitting row survives). Returns 0 when nothing is submitting.
func (s *Service) ackTarget(ctx context.Context) (int64, error) {
	if p := s.takePending(); p != nil {
		return p.idx, nil
	}
	req, err := s.st.StuckSubmitting(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch: find submitting request: %w", err)
	}
	if req == nil {
		return 0, nil
	}
	return req.Idx, nil
}

// signalPending releases the feeder's ack wait if it is still waiting for
// this request.
func (s *Service) signalPending(idx int64) {
	if p := s.takePending(); p != nil && p.idx == idx {
		p.signal()
	}
}

// handleStatusUpdate persists attempt progress and re-evaluates every
// request it touched. Updates for unknown operation ids (already dropped in
// the store layer) and repeats of an already-recorded status are harmless:
// the evaluator re-derives from the full attempt set.
func (s *Service) handleStatusUpdate(ctx context.Context, ev interact.Event) error {
	updates := make([]store.AttemptUpdate, 0, len(ev.Attempts))
	for _, a := range ev.Attempts {
		updates = append(updates, store.AttemptUpdate{
			OperationID: a.OperationID,
			Status:      a.Status,
			Locator:     a.Locator,
			Model:       a.Model,
		})
	}
	touched, err := s.st.ApplyStatusUpdates(ctx, updates)
	if err != nil {
		return fmt.Errorf("batch: apply status updates: %w", err)
	}
	for _, idx := range touched {
		s.evaluateRequest(ctx, idx)
	}
	return nil
}
