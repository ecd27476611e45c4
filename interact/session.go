package interact

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// SessionConfig configures a driving session against the generation UI.
type SessionConfig struct {
	// PageURL is the project page to drive.
	PageURL string

	// PromptSelector locates the prompt input; SubmitSelector the button
	// that triggers generation. Pinned to the current UI build.
	PromptSelector string
	SubmitSelector string

	// Classify maps observed response URLs to event categories.
	Classify Classifier

	// TriggerTimeout bounds one TriggerSubmission interaction. Default: 15s.
	TriggerTimeout time.Duration

	// EventBuffer is the feed channel capacity. Default: 256.
	EventBuffer int

	Logger *slog.Logger
}

func (c *SessionConfig) defaults() {
	if c.TriggerTimeout <= 0 {
		c.TriggerTimeout = 15 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session drives one page of the generation UI. It implements Submitter and
// exposes the passively-observed event feed on Events. A Session is bound to
// a single tab; the orchestrator is its only caller, so trigger interactions
// are never concurrent.
type Session struct {
	cfg    SessionConfig
	page   *rod.Page
	events chan Event
	cancel context.CancelFunc

	mu     sync.Mutex
	urls   map[proto.NetworkRequestID]string
	closed bool
}

// OpenSession opens a stealth tab on the given browser, navigates to the
// project page, and starts the network observer that feeds Events.
func OpenSession(ctx context.Context, browser *rod.Browser, cfg SessionConfig) (*Session, error) {
	cfg.defaults()

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("interact: create stealth page: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(cfg.PageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("interact: navigate %s: %w", cfg.PageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		cfg.Logger.Warn("interact: wait load timeout", "url", cfg.PageURL, "error", err)
	}

	obsCtx, obsCancel := context.WithCancel(ctx)
	s := &Session{
		cfg:    cfg,
		page:   page,
		events: make(chan Event, cfg.EventBuffer),
		cancel: obsCancel,
		urls:   make(map[proto.NetworkRequestID]string),
	}

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		obsCancel()
		page.Close()
		return nil, fmt.Errorf("interact: enable network domain: %w", err)
	}
	go s.observe(obsCtx)

	return s, nil
}

// Events returns the feed of classified response events. Closed when the
// session stops.
func (s *Session) Events() <-chan Event {
	return s.events
}

// observe subscribes to network lifecycle events. Bodies can only be read
// once loading finished, so response URLs are held by request ID until the
// matching loadingFinished arrives.
func (s *Session) observe(ctx context.Context) {
	defer close(s.events)

	wait := s.page.Context(ctx).EachEvent(
		func(e *proto.NetworkResponseReceived) {
			url := e.Response.URL
			if s.cfg.Classify.AckURLSubstr == "" && s.cfg.Classify.StatusURLSubstr == "" {
				return
			}
			s.mu.Lock()
			s.urls[e.RequestID] = url
			s.mu.Unlock()
		},
		func(e *proto.NetworkLoadingFinished) {
			s.mu.Lock()
			url, ok := s.urls[e.RequestID]
			delete(s.urls, e.RequestID)
			s.mu.Unlock()
			if !ok {
				return
			}

			body, err := proto.NetworkGetResponseBody{RequestID: e.RequestID}.Call(s.page)
			if err != nil {
				return // body evicted or tab gone — nothing to classify
			}
			ev := s.cfg.Classify.Classify(url, []byte(body.Body))
			if ev == nil {
				return
			}
			s.cfg.Logger.Debug("interact: routed event",
				"kind", ev.Kind.String(), "attempts", len(ev.Attempts), "url", url)
			select {
			case s.events <- *ev:
			case <-ctx.Done():
			}
		},
	)
	wait()
}

// TriggerSubmission types the prompt into the UI and clicks the submit
// button. Fire-and-forget: the resulting ack arrives on the event feed.
// A dead tab or lost browser connection surfaces as ErrFatalSession.
func (s *Session) TriggerSubmission(ctx context.Context, prompt string) error {
	timeout := s.cfg.TriggerTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	p := s.page.Timeout(timeout)

	input, err := p.Element(s.cfg.PromptSelector)
	if err != nil {
		return s.classifyFailure(fmt.Errorf("interact: prompt input %q: %w", s.cfg.PromptSelector, err))
	}
	if err := input.SelectAllText(); err != nil {
		return s.classifyFailure(fmt.Errorf("interact: select prompt text: %w", err))
	}
	if err := input.Input(prompt); err != nil {
		return s.classifyFailure(fmt.Errorf("interact: type prompt: %w", err))
	}

	btn, err := p.Element(s.cfg.SubmitSelector)
	if err != nil {
		return s.classifyFailure(fmt.Errorf("interact: submit button %q: %w", s.cfg.SubmitSelector, err))
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return s.classifyFailure(fmt.Errorf("interact: click submit: %w", err))
	}
	return nil
}

// classifyFailure distinguishes a transient UI hiccup from a dead session by
// probing the page. Probe failure means the tab or browser is gone.
func (s *Session) classifyFailure(cause error) error {
	_, probeErr := s.page.Timeout(3 * time.Second).Eval(`() => 1`)
	if probeErr != nil {
		return fmt.Errorf("%w: %v (probe: %v)", ErrFatalSession, cause, probeErr)
	}
	return cause
}

// Close stops the observer and closes the tab.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.page.Close()
}
