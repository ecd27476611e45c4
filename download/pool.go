// Package download drains queued download tasks with a fixed pool of
// workers. Each worker claims the oldest queued task (the claim is a single
// UPDATE…RETURNING statement, so workers never race for the same row),
// fetches the artifact to a temporary path, and renames it into place.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/genq/store"
)

// Config configures the pool.
type Config struct {
	// Workers is the number of concurrent download workers. Default: 5.
	Workers int
	// OutputDir receives the final artifacts.
	OutputDir string
	// Ext is the artifact file extension. Default: ".mp4".
	Ext string
	// MaxAttempts is the total tries per task before it is left failed.
	// Default: 3.
	MaxAttempts int
	// IdleWait is the sleep when no task is queued. Default: 500ms.
	IdleWait time.Duration
	// BackoffBase is the first retry delay, doubled per attempt. Default: 1s.
	BackoffBase time.Duration

	// OnFatal is invoked once when a store operation fails. The pool halts
	// its workers either way; fetch failures are not fatal, only
	// persistence faults are.
	OnFatal func(error)

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.OutputDir == "" {
		c.OutputDir = "out"
	}
	if c.Ext == "" {
		c.Ext = ".mp4"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 500 * time.Millisecond
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool is the download worker pool.
type Pool struct {
	st      *store.Store
	fetcher Fetcher
	cfg     Config

	cancel    context.CancelFunc
	fatalOnce sync.Once
}

// NewPool creates a Pool. Call Run to start draining.
func NewPool(st *store.Store, fetcher Fetcher, cfg Config) *Pool {
	cfg.defaults()
	return &Pool{st: st, fetcher: fetcher, cfg: cfg}
}

// Run starts the workers and blocks until ctx is cancelled and all in-flight
// fetches have finished or failed naturally. Their final state transitions
// are still applied after cancellation so no task is orphaned "running".
func (p *Pool) Run(ctx context.Context) {
	log := p.cfg.Logger
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		log.Error("download: create output dir", "dir", p.cfg.OutputDir, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancel = cancel

	log.Info("download: pool started", "workers", p.cfg.Workers, "dir", p.cfg.OutputDir)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	log.Info("download: pool stopped")
}

// fail reports a persistence fault and halts the pool. Once the store stops
// answering, task state can no longer be trusted; retrying would strand
// tasks in "running" and stall drain detection.
func (p *Pool) fail(err error) {
	p.fatalOnce.Do(func() {
		p.cfg.Logger.Error("download: persistence fault, halting pool", "error", err)
		if p.cfg.OnFatal != nil {
			p.cfg.OnFatal(err)
		}
		if p.cancel != nil {
			p.cancel()
		}
	})
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.st.ClaimDownload(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.fail(fmt.Errorf("download: claim: %w", err))
			return
		}
		if task == nil {
			p.sleep(ctx, p.cfg.IdleWait)
			continue
		}
		p.process(ctx, worker, task)
	}
}

// process runs one claimed task through up to MaxAttempts fetches with
// exponential backoff. State updates after a cancelled context still go
// through with a background context.
func (p *Pool) process(ctx context.Context, worker int, task *store.DownloadTask) {
	log := p.cfg.Logger

	final := filepath.Join(p.cfg.OutputDir, Filename(
		time.UnixMilli(task.SubmittedAt), task.RequestIdx, task.Prompt,
		task.Model, task.TakeIdx, task.DurationSec, p.cfg.Ext))
	tmp := final + ".part"

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		lastErr = p.fetchOnce(ctx, task.Locator, tmp, final)
		if lastErr == nil {
			if err := p.st.FinishDownload(context.Background(), task.ID, task.OperationID, final); err != nil {
				p.fail(fmt.Errorf("download: finish %s: %w", task.ID, err))
				return
			}
			log.Info("download: done", "worker", worker, "task", task.ID, "path", final)
			return
		}

		terminal := attempt == p.cfg.MaxAttempts
		if err := p.st.RecordDownloadError(context.Background(), task.ID, lastErr.Error(), terminal); err != nil {
			p.fail(fmt.Errorf("download: record error %s: %w", task.ID, err))
			return
		}
		if terminal {
			break
		}

		backoff := p.cfg.BackoffBase << (attempt - 1)
		log.Warn("download: fetch failed, retrying",
			"worker", worker, "task", task.ID, "attempt", attempt,
			"backoff", backoff, "error", lastErr)
		if !p.sleep(ctx, backoff) {
			// Cancelled mid-backoff: close the task out instead of leaving
			// it running.
			if err := p.st.RecordDownloadError(context.Background(), task.ID, lastErr.Error(), true); err != nil {
				p.fail(fmt.Errorf("download: record error %s: %w", task.ID, err))
			}
			return
		}
	}

	os.Remove(tmp)
	log.Warn("download: giving up", "worker", worker, "task", task.ID, "error", lastErr)
}

func (p *Pool) fetchOnce(ctx context.Context, locator, tmp, final string) error {
	if locator == "" {
		return fmt.Errorf("download: empty locator")
	}
	if err := p.fetcher.Fetch(ctx, locator, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("download: rename: %w", err)
	}
	return nil
}

// sleep waits d or until ctx is cancelled; reports whether the full wait
// elapsed.
func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
