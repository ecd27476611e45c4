package batch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the orchestrator. Zero values take the defaults below.
type Config struct {
	// Ceiling is the maximum number of requests in flight at once.
	Ceiling int
	// DownloadWorkers is the download pool size.
	DownloadWorkers int
	// RequestTimeout is the wall-clock budget per request after submission.
	RequestTimeout time.Duration
	// FeedInterval is the submission feeder period.
	FeedInterval time.Duration
	// PollInterval is the per-request evaluator timer period, jittered by
	// ±PollJitter so timers for concurrent requests spread out.
	PollInterval time.Duration
	PollJitter   time.Duration
	// AckTimeout bounds the wait for an ack after a trigger.
	AckTimeout time.Duration
	// OutputDir receives downloaded artifacts and the manifest.
	OutputDir string
	// DBPath is the SQLite database file.
	DBPath string
	// MaxDownloadRetries is the total fetch attempts per download task.
	MaxDownloadRetries int
	// MaxRequestRetries bounds explicit whole-request retries.
	MaxRequestRetries int
	// AttemptDurationSec is recorded per attempt and used in artifact names.
	// The service does not report durations, so this is configuration.
	AttemptDurationSec int
	// ArtifactExt is the artifact file extension.
	ArtifactExt string
	// ListenAddr is the status HTTP listen address.
	ListenAddr string
	// StaleInProgress is the recovery bound: in_progress requests submitted
	// longer ago than this are force-timed-out at startup.
	StaleInProgress time.Duration
	// WatchInterval is the completion watcher sampling period.
	WatchInterval time.Duration
	// HeartbeatInterval is how often the feeder logs aggregate counts.
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.Ceiling <= 0 {
		c.Ceiling = 5
	}
	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 210 * time.Second
	}
	if c.FeedInterval <= 0 {
		c.FeedInterval = 400 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollJitter <= 0 {
		c.PollJitter = 250 * time.Millisecond
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.OutputDir == "" {
		c.OutputDir = "out"
	}
	if c.DBPath == "" {
		c.DBPath = "genq.db"
	}
	if c.MaxDownloadRetries <= 0 {
		c.MaxDownloadRetries = 3
	}
	if c.MaxRequestRetries <= 0 {
		c.MaxRequestRetries = 3
	}
	if c.AttemptDurationSec <= 0 {
		c.AttemptDurationSec = 8
	}
	if c.ArtifactExt == "" {
		c.ArtifactExt = ".mp4"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8086"
	}
	if c.StaleInProgress <= 0 {
		c.StaleInProgress = 24 * time.Hour
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
}

// fileConfig is the YAML shape; durations are strings ("210s", "400ms").
type fileConfig struct {
	Ceiling            int    `yaml:"ceiling"`
	DownloadWorkers    int    `yaml:"download_workers"`
	RequestTimeout     string `yaml:"request_timeout"`
	FeedInterval       string `yaml:"feed_interval"`
	PollInterval       string `yaml:"poll_interval"`
	PollJitter         string `yaml:"poll_jitter"`
	AckTimeout         string `yaml:"ack_timeout"`
	OutputDir          string `yaml:"output_dir"`
	DBPath             string `yaml:"db_path"`
	MaxDownloadRetries int    `yaml:"max_download_retries"`
	MaxRequestRetries  int    `yaml:"max_request_retries"`
	AttemptDurationSec int    `yaml:"attempt_duration_sec"`
	ArtifactExt        string `yaml:"artifact_ext"`
	ListenAddr         string `yaml:"listen_addr"`
	StaleInProgress    string `yaml:"stale_in_progress"`
	WatchInterval      string `yaml:"watch_interval"`
	HeartbeatInterval  string `yaml:"heartbeat_interval"`
}

// LoadConfig reads a YAML config file and applies defaults. An empty path
// returns the pure defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.Ceiling = fc.Ceiling
		cfg.DownloadWorkers = fc.DownloadWorkers
		cfg.OutputDir = fc.OutputDir
		cfg.DBPath = fc.DBPath
		cfg.MaxDownloadRetries = fc.MaxDownloadRetries
		cfg.MaxRequestRetries = fc.MaxRequestRetries
		cfg.AttemptDurationSec = fc.AttemptDurationSec
		cfg.ArtifactExt = fc.ArtifactExt
		cfg.ListenAddr = fc.ListenAddr

		for _, d := range []struct {
			raw string
			dst *time.Duration
		}{
			{fc.RequestTimeout, &cfg.RequestTimeout},
			{fc.FeedInterval, &cfg.FeedInterval},
			{fc.PollInterval, &cfg.PollInterval},
			{fc.PollJitter, &cfg.PollJitter},
			{fc.AckTimeout, &cfg.AckTimeout},
			{fc.StaleInProgress, &cfg.StaleInProgress},
			{fc.WatchInterval, &cfg.WatchInterval},
			{fc.HeartbeatInterval, &cfg.HeartbeatInterval},
		} {
			if d.raw == "" {
				continue
			}
			v, err := time.ParseDuration(d.raw)
			if err != nil {
				return nil, fmt.Errorf("config: duration %q: %w", d.raw, err)
			}
			*d.dst = v
		}
	}
	cfg.defaults()
	return cfg, nil
}
