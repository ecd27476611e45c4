// Command genq orchestrates a batch of generation prompts against a UI-only
// generation service: submit with a concurrency ceiling, track attempt
// status from observed responses, download finished artifacts, and write a
// final CSV manifest.
//
// Usage:
//
//	genq -config genq.yaml -prompts prompts.txt
//	genq -config genq.yaml            # resume a previous run
//
// Session wiring (page URL, selectors, response-URL markers, browser) comes
// from the environment; a .env file next to the binary is loaded if present:
//
//	GENQ_PAGE_URL, GENQ_PROMPT_SELECTOR, GENQ_SUBMIT_SELECTOR,
//	GENQ_ACK_URL_SUBSTR, GENQ_STATUS_URL_SUBSTR,
//	GENQ_BROWSER_URL, GENQ_USER_DATA_DIR, GENQ_HEADFUL
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/genq/batch"
	"github.com/hazyhaar/genq/dbopen"
	"github.com/hazyhaar/genq/interact"
	"github.com/hazyhaar/genq/store"
)

func main() {
	configPath := flag.String("config", "", "path to genq.yaml config file")
	promptsPath := flag.String("prompts", "", "prompt file to load, one prompt per line")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("genq: .env load failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *promptsPath); err != nil {
		logger.Error("genq: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, promptsPath string) error {
	cfg, err := batch.LoadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db)

	if promptsPath != "" {
		prompts, err := readPrompts(promptsPath)
		if err != nil {
			return err
		}
		inserted, skipped, err := st.InsertPrompts(ctx, prompts, cfg.MaxRequestRetries)
		if err != nil {
			return fmt.Errorf("genq: load prompts: %w", err)
		}
		logger.Info("genq: prompts loaded",
			"file", promptsPath, "inserted", inserted, "duplicates", skipped)
	}

	pageURL := os.Getenv("GENQ_PAGE_URL")
	if pageURL == "" {
		return fmt.Errorf("genq: GENQ_PAGE_URL is required")
	}

	headless := os.Getenv("GENQ_HEADFUL") == ""
	browser := interact.NewBrowser(interact.BrowserConfig{
		RemoteURL:   os.Getenv("GENQ_BROWSER_URL"),
		UserDataDir: os.Getenv("GENQ_USER_DATA_DIR"),
		Headless:    &headless,
		Logger:      logger,
	})
	rodBrowser, err := browser.Start()
	if err != nil {
		return err
	}
	defer browser.Close()

	session, err := interact.OpenSession(ctx, rodBrowser, interact.SessionConfig{
		PageURL:        pageURL,
		PromptSelector: envOr("GENQ_PROMPT_SELECTOR", `textarea[placeholder]`),
		SubmitSelector: envOr("GENQ_SUBMIT_SELECTOR", `button[type="submit"]`),
		Classify: interact.Classifier{
			AckURLSubstr:    os.Getenv("GENQ_ACK_URL_SUBSTR"),
			StatusURLSubstr: os.Getenv("GENQ_STATUS_URL_SUBSTR"),
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	svc := batch.New(st, session, session.Events(), *cfg, logger)
	if err := svc.Start(ctx); err != nil {
		return err
	}

	httpSrv := startHTTP(logger, cfg.ListenAddr, svc)

	waitErr := svc.Wait(ctx)
	svc.Stop()

	// Whatever the batch reached, account for it. Shutdown and fatal paths
	// still get a best-effort manifest.
	manifestPath := filepath.Join(cfg.OutputDir, "manifest.csv")
	exportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.ExportManifest(exportCtx, manifestPath); err != nil {
		logger.Error("genq: manifest export failed", "error", err)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	httpSrv.Shutdown(shutCtx)

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// readPrompts loads one prompt per line; blank lines and # comments are
// skipped.
func readPrompts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("genq: open prompts: %w", err)
	}
	defer f.Close()

	var prompts []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("genq: read prompts: %w", err)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("genq: no prompts in %s", path)
	}
	return prompts, nil
}

// startHTTP serves the observability surface: health, aggregate counts, and
// the explicit retry hook for failed or timed-out requests.
func startHTTP(logger *slog.Logger, addr string, svc *batch.Service) *http.Server {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		counts, err := svc.Counts(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(counts)
	})

	r.Post("/requests/{idx}/retry", func(w http.ResponseWriter, req *http.Request) {
		idx, err := strconv.ParseInt(chi.URLParam(req, "idx"), 10, 64)
		if err != nil {
			http.Error(w, "invalid request index", http.StatusBadRequest)
			return
		}
		if err := svc.Retry(req.Context(), idx); err != nil {
			if errors.Is(err, store.ErrRetriesExhausted) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		logger.Info("genq: http listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("genq: http server", "error", err)
		}
	}()
	return srv
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
