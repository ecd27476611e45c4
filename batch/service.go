// Package batch orchestrates the submit → poll → download lifecycle of a
// prompt batch against a generation service that can only be driven through
// its UI. Three independently-paced processes — the submission feeder, the
// response router, and the download pool — coordinate exclusively through
// the durable store; the only in-memory state is the feeder's
// currently-submitting marker used to correlate acks.
//
// Error taxonomy: a failed trigger marks that one request failed (eligible
// for explicit retry); interact.ErrFatalSession and persistence faults halt
// the orchestrator; duplicate routed events are dropped with a low-severity
// log; an expired download locator is an ordinary download failure.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hazyhaar/genq/download"
	"github.com/hazyhaar/genq/interact"
	"github.com/hazyhaar/genq/store"
)

// pendingAck is the feeder-owned currently-submitting marker. The router
// reads it to correlate an ack; the feeder clears it unconditionally once
// the wait resolves or times out.
type pendingAck struct {
	idx  int64
	ch   chan struct{}
	once sync.Once
}

func (p *pendingAck) signal() {
	p.once.Do(func() { close(p.ch) })
}

// Service is the orchestrator.
type Service struct {
	st     *store.Store
	sub    interact.Submitter
	events <-chan interact.Event
	cfg    Config
	logger *slog.Logger

	fetcher download.Fetcher
	pool    *download.Pool

	pendingMu sync.Mutex
	pending   *pendingAck

	pollMu  sync.Mutex
	pollers map[int64]bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	fatalCh chan error
	doneCh  chan struct{}
	stopped sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithFetcher overrides the artifact fetcher (tests use fakes).
func WithFetcher(f download.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// New creates a Service draining the given event feed. The submitter and
// feed normally come from one interact.Session.
func New(st *store.Store, sub interact.Submitter, events <-chan interact.Event, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		st:      st,
		sub:     sub,
		events:  events,
		cfg:     cfg,
		logger:  logger,
		pollers: make(map[int64]bool),
		fatalCh: make(chan error, 1),
		doneCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.fetcher == nil {
		s.fetcher = download.NewHTTPFetcher()
	}
	s.pool = download.NewPool(st, s.fetcher, download.Config{
		Workers:     cfg.DownloadWorkers,
		OutputDir:   cfg.OutputDir,
		Ext:         cfg.ArtifactExt,
		MaxAttempts: cfg.MaxDownloadRetries,
		OnFatal:     s.fail,
		Logger:      logger,
	})
	return s
}

// Start reconciles crash leftovers and launches the feeder, router,
// completion watcher, and download pool. Non-blocking; use Wait.
func (s *Service) Start(ctx context.Context) error {
	resubmitted, timedOut, requeued, err := s.st.RecoverStartup(ctx, s.cfg.StaleInProgress)
	if err != nil {
		return fmt.Errorf("batch: recovery: %w", err)
	}
	if resubmitted+timedOut+requeued > 0 {
		s.logger.Info("batch: recovered crash leftovers",
			"requeued_requests", resubmitted, "timed_out", timedOut,
			"requeued_downloads", requeued)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Restart poll timers for surviving in-flight requests and re-derive
	// their status once immediately.
	idxs, err := s.st.InProgressIdxs(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("batch: list in-flight: %w", err)
	}
	for _, idx := range idxs {
		s.evaluateRequest(runCtx, idx)
		s.startPoller(runCtx, idx)
	}

	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.runRouter(runCtx) }()
	go func() { defer s.wg.Done(); s.runFeeder(runCtx) }()
	go func() { defer s.wg.Done(); s.runWatcher(runCtx) }()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.pool.Run(runCtx) }()

	s.logger.Info("batch: started",
		"ceiling", s.cfg.Ceiling, "download_workers", s.cfg.DownloadWorkers,
		"request_timeout", s.cfg.RequestTimeout)
	return nil
}

// Wait blocks until the batch drains, a fatal fault halts orchestration, or
// ctx is cancelled. Returns nil only on drain.
func (s *Service) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.fatalCh:
		return err
	case <-s.doneCh:
		return nil
	}
}

// Stop cancels all loops and waits for in-flight work to settle. In-flight
// downloads finish or fail naturally; their transitions are still persisted.
func (s *Service) Stop() {
	s.stopped.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.logger.Info("batch: stopped")
	})
}

// Counts returns the aggregate state counters.
func (s *Service) Counts(ctx context.Context) (store.Counts, error) {
	return s.st.GetCounts(ctx)
}

// Retry re-queues a failed or timed-out request: its failed/cancelled
// attempts are deleted (successful ones keep their downloads), and the
// retry counter advances. Exhausted requests stay terminally failed.
func (s *Service) Retry(ctx context.Context, idx int64) error {
	req, err := s.st.GetRequest(ctx, idx)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("batch: request %d not found", idx)
	}
	switch req.Status {
	case store.StatusFailed, store.StatusTimeout:
	default:
		return fmt.Errorf("batch: request %d is %s, only failed/timeout can be retried", idx, req.Status)
	}
	if err := s.st.RetryRequest(ctx, idx); err != nil {
		return err
	}
	s.logger.Info("batch: request re-queued", "request_idx", idx, "retry", req.RetryCount+1)
	return nil
}

// fail records a system-level fault and halts every loop.
func (s *Service) fail(err error) {
	select {
	case s.fatalCh <- err:
	default:
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// evaluateRequest re-derives a request's status from its attempt set and
// persists the verdict (enqueuing downloads on done). Safe to call from the
// router, the feeder's duplicate guard, and poll timers concurrently — the
// evaluator is pure and the persist is a no-op once the request is terminal.
func (s *Service) evaluateRequest(ctx context.Context, idx int64) {
	req, err := s.st.GetRequest(ctx, idx)
	if err != nil {
		s.fail(fmt.Errorf("batch: load request %d: %w", idx, err))
		return
	}
	if req == nil {
		return
	}
	switch req.Status {
	case store.StatusDone, store.StatusFailed, store.StatusTimeout:
		return
	}

	attempts, err := s.st.AttemptsForRequest(ctx, idx)
	if err != nil {
		s.fail(fmt.Errorf("batch: load attempts %d: %w", idx, err))
		return
	}

	var submittedAt time.Time
	if req.SubmittedAt > 0 {
		submittedAt = time.UnixMilli(req.SubmittedAt)
	}
	verdict := Evaluate(attempts, submittedAt, time.Now(), s.cfg.RequestTimeout)
	if verdict == req.Status {
		return
	}

	var reason string
	switch verdict {
	case store.StatusFailed:
		reason = "all attempts failed or cancelled"
	case store.StatusTimeout:
		reason = fmt.Sprintf("no terminal status within %s", s.cfg.RequestTimeout)
	}
	if err := s.st.ApplyEvaluation(ctx, idx, verdict, reason); err != nil {
		s.fail(fmt.Errorf("batch: persist evaluation %d: %w", idx, err))
		return
	}
	s.logger.Info("batch: request transitioned",
		"request_idx", idx, "from", req.Status, "to", verdict)
}

// startPoller launches the per-request jittered timer that re-runs the
// evaluator for wall-clock timeout detection. It carries no status data —
// updates arrive via routed events — and self-terminates once the request
// leaves in_progress. At most one poller runs per request.
func (s *Service) startPoller(ctx context.Context, idx int64) {
	s.pollMu.Lock()
	if s.pollers[idx] {
		s.pollMu.Unlock()
		return
	}
	s.pollers[idx] = true
	s.pollMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.pollMu.Lock()
			delete(s.pollers, idx)
			s.pollMu.Unlock()
		}()

		for {
			d := s.cfg.PollInterval + time.Duration(rand.Int63n(int64(2*s.cfg.PollJitter))) - s.cfg.PollJitter
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}

			req, err := s.st.GetRequest(ctx, idx)
			if err != nil || req == nil || req.Status != store.StatusInProgress {
				return
			}
			s.evaluateRequest(ctx, idx)
		}
	}()
}

// setPending installs the currently-submitting marker. Feeder-only.
func (s *Service) setPending(p *pendingAck) {
	s.pendingMu.Lock()
	s.pending = p
	s.pendingMu.Unlock()
}

// takePending returns the marker without clearing it; clearing is the
// feeder's job, unconditionally, after its wait resolves.
func (s *Service) takePending() *pendingAck {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.pending
}
