package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/genq/dbopen"
	"github.com/hazyhaar/genq/idgen"
	"github.com/hazyhaar/genq/store"
)

// fetchFunc adapts a function to the Fetcher interface.
type fetchFunc func(ctx context.Context, locator, dest string) error

func (f fetchFunc) Fetch(ctx context.Context, locator, dest string) error {
	return f(ctx, locator, dest)
}

// seedTask creates one done request with a successful attempt and a queued
// download task, returning the task's operation ID.
func seedTask(t *testing.T, st *store.Store) string {
	t.Helper()
	ctx := context.Background()
	if _, _, err := st.InsertPrompts(ctx, []string{"a quiet harbor at dawn"}, 3); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkSubmitting(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkInProgress(ctx, 1, []store.AttemptSeed{{OperationID: "op-1"}}, 8); err != nil {
		t.Fatal(err)
	}
	_, err := st.ApplyStatusUpdates(ctx, []store.AttemptUpdate{
		{OperationID: "op-1", Status: store.AttemptSuccessful,
			Locator: "https://cdn/op-1", Model: "veo 3.1 - fast"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.ApplyEvaluation(ctx, 1, store.StatusDone, ""); err != nil {
		t.Fatal(err)
	}
	return "op-1"
}

// runPool runs the pool until check reports done or the deadline passes.
func runPool(t *testing.T, p *Pool, check func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if !check() {
		t.Fatal("pool did not reach expected state before deadline")
	}
}

func TestPoolDownloadsAndNames(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db, store.WithIDGenerator(idgen.Sequential("dl_")))
	seedTask(t, st)
	outDir := t.TempDir()

	fetcher := fetchFunc(func(ctx context.Context, locator, dest string) error {
		return os.WriteFile(dest, []byte("bytes from "+locator), 0o644)
	})
	p := NewPool(st, fetcher, Config{
		Workers: 2, OutputDir: outDir, IdleWait: 10 * time.Millisecond,
		BackoffBase: 10 * time.Millisecond,
	})

	ctx := context.Background()
	runPool(t, p, func() bool {
		task, err := st.GetDownloadTask(ctx, "dl_1")
		return err == nil && task != nil && task.State == store.DownloadDone
	})

	attempts, err := st.AttemptsForRequest(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	a := attempts[0]
	if !a.Downloaded {
		t.Fatal("attempt not marked downloaded")
	}
	base := filepath.Base(a.FilePath)
	if !strings.Contains(base, "_001_") || !strings.Contains(base, "_v31f_") ||
		!strings.Contains(base, "_01_8s") || !strings.HasSuffix(base, ".mp4") {
		t.Errorf("artifact name = %q", base)
	}
	if _, err := os.Stat(a.FilePath); err != nil {
		t.Errorf("artifact file missing: %v", err)
	}
	if _, err := os.Stat(a.FilePath + ".part"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind")
	}
}

func TestPoolRetriesThenSucceeds(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db, store.WithIDGenerator(idgen.Sequential("dl_")))
	seedTask(t, st)

	var mu sync.Mutex
	calls := 0
	fetcher := fetchFunc(func(ctx context.Context, locator, dest string) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return fmt.Errorf("transient %d", n)
		}
		return os.WriteFile(dest, []byte("ok"), 0o644)
	})
	p := NewPool(st, fetcher, Config{
		Workers: 1, OutputDir: t.TempDir(), MaxAttempts: 3,
		IdleWait: 10 * time.Millisecond, BackoffBase: 5 * time.Millisecond,
	})

	ctx := context.Background()
	runPool(t, p, func() bool {
		task, err := st.GetDownloadTask(ctx, "dl_1")
		return err == nil && task != nil && task.State == store.DownloadDone
	})

	task, _ := st.GetDownloadTask(ctx, "dl_1")
	if task.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", task.RetryCount)
	}
}

func TestPoolHaltsOnClaimFault(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db, store.WithIDGenerator(idgen.Sequential("dl_")))
	seedTask(t, st)
	db.Close()

	fatal := make(chan error, 1)
	fetcher := fetchFunc(func(ctx context.Context, locator, dest string) error {
		return os.WriteFile(dest, []byte("ok"), 0o644)
	})
	p := NewPool(st, fetcher, Config{
		Workers: 2, OutputDir: t.TempDir(), IdleWait: 10 * time.Millisecond,
		OnFatal: func(err error) { fatal <- err },
	})

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case err := <-fatal:
		if err == nil {
			t.Fatal("nil fatal error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("store fault was not surfaced")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not halt after the fault")
	}
}

func TestPoolHaltsOnFinishFault(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db, store.WithIDGenerator(idgen.Sequential("dl_")))
	seedTask(t, st)

	// The store dies between the claim and the finish: the worker must
	// surface the fault instead of leaving the task running forever.
	fetcher := fetchFunc(func(ctx context.Context, locator, dest string) error {
		if err := os.WriteFile(dest, []byte("ok"), 0o644); err != nil {
			return err
		}
		db.Close()
		return nil
	})
	fatal := make(chan error, 1)
	p := NewPool(st, fetcher, Config{
		Workers: 1, OutputDir: t.TempDir(), IdleWait: 10 * time.Millisecond,
		OnFatal: func(err error) { fatal <- err },
	})

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case err := <-fatal:
		if err == nil {
			t.Fatal("nil fatal error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("finish fault was not surfaced")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not halt after the fault")
	}
}

func TestPoolGivesUpAfterMaxAttempts(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db, store.WithIDGenerator(idgen.Sequential("dl_")))
	seedTask(t, st)

	fetcher := fetchFunc(func(ctx context.Context, locator, dest string) error {
		return fmt.Errorf("%w (403)", ErrLocatorExpired)
	})
	p := NewPool(st, fetcher, Config{
		Workers: 1, OutputDir: t.TempDir(), MaxAttempts: 3,
		IdleWait: 10 * time.Millisecond, BackoffBase: 5 * time.Millisecond,
	})

	ctx := context.Background()
	runPool(t, p, func() bool {
		task, err := st.GetDownloadTask(ctx, "dl_1")
		return err == nil && task != nil && task.State == store.DownloadFailed
	})

	task, _ := st.GetDownloadTask(ctx, "dl_1")
	if task.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", task.RetryCount)
	}
	if !strings.Contains(task.LastError, "locator expired") {
		t.Errorf("last_error = %q", task.LastError)
	}

	// The request stays done; an expired locator is a download failure, not
	// a request failure. The attempt is never marked downloaded.
	req, err := st.GetRequest(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != store.StatusDone {
		t.Errorf("request status = %s, want done", req.Status)
	}
	attempts, err := st.AttemptsForRequest(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if attempts[0].Downloaded || attempts[0].FilePath != "" {
		t.Errorf("failed download marked the attempt: %+v", attempts[0])
	}
}
