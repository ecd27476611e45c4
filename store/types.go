package store

// Request statuses. Transitions are monotonic: queued → submitting →
// {in_progress|failed} → {done|failed|timeout}. Rows are never deleted,
// only reset back to queued by an explicit retry.
const (
	StatusQueued     = "queued"
	StatusSubmitting = "submitting"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
)

// Attempt statuses mirror the routed events from the generation service.
const (
	AttemptPending    = "PENDING"
	AttemptRunning    = "RUNNING"
	AttemptSuccessful = "SUCCESSFUL"
	AttemptFailed     = "FAILED"
	AttemptCancelled  = "CANCELLED"
)

// Download task states.
const (
	DownloadQueued  = "queued"
	DownloadRunning = "running"
	DownloadDone    = "done"
	DownloadFailed  = "failed"
)

// AttemptTerminal reports whether an attempt status is final.
func AttemptTerminal(status string) bool {
	switch status {
	case AttemptSuccessful, AttemptFailed, AttemptCancelled:
		return true
	}
	return false
}

// Request is one submitted prompt.
type Request struct {
	Idx         int64
	Prompt      string
	Fingerprint string
	Status      string
	SubmittedAt int64 // unix millis, 0 = never submitted
	CompletedAt int64 // unix millis, 0 = not terminal
	LastError   string
	RetryCount  int
	MaxRetries  int
	CreatedAt   int64
	UpdatedAt   int64
}

// Attempt is one generated output belonging to a request.
type Attempt struct {
	OperationID string
	RequestIdx  int64
	TakeIdx     int
	SceneID     string
	Status      string
	Locator     string // "" = no locator yet
	Model       string
	DurationSec int
	LastPollAt  int64
	Downloaded  bool
	FilePath    string
	CreatedAt   int64
	UpdatedAt   int64
}

// DownloadTask is one pending or finished artifact fetch. Claim joins in the
// attempt and request fields the worker needs to name the file.
type DownloadTask struct {
	ID          string
	OperationID string
	RequestIdx  int64
	State       string
	RetryCount  int
	LastError   string
	CreatedAt   int64
	StartedAt   int64
	FinishedAt  int64

	// Joined from attempts/requests on claim.
	Locator     string
	TakeIdx     int
	Model       string
	DurationSec int
	Prompt      string
	SubmittedAt int64
}

// AttemptSeed is the per-take payload of an ack event, used to materialize
// attempt rows in bulk.
type AttemptSeed struct {
	OperationID string
	SceneID     string
	Status      string
	Locator     string
	Model       string
}

// AttemptUpdate is the per-take payload of a status-update event.
type AttemptUpdate struct {
	OperationID string
	Status      string
	Locator     string // "" = keep existing
	Model       string // "" = keep existing
}

// Counts are the aggregate state counters sampled by the completion watcher
// and exposed on /status.
type Counts struct {
	Queued     int `json:"queued"`
	Submitting int `json:"submitting"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Timeout    int `json:"timeout"`

	DownloadsQueued  int `json:"downloads_queued"`
	DownloadsRunning int `json:"downloads_running"`
	DownloadsDone    int `json:"downloads_done"`
	DownloadsFailed  int `json:"downloads_failed"`
}

// Drained reports whether no orchestration or download work remains.
func (c Counts) Drained() bool {
	return c.Queued == 0 && c.Submitting == 0 && c.InProgress == 0 &&
		c.DownloadsQueued == 0 && c.DownloadsRunning == 0
}

// InFlight is the number of requests occupying a concurrency slot.
func (c Counts) InFlight() int {
	return c.Submitting + c.InProgress
}

// Total is the number of requests in the batch.
func (c Counts) Total() int {
	return c.Queued + c.Submitting + c.InProgress + c.Done + c.Failed + c.Timeout
}

// ManifestRow is one line of the final artifact manifest: a request joined
// with one of its attempts (attempt fields empty for requests that never
// materialized any).
type ManifestRow struct {
	RequestIdx    int64
	Prompt        string
	Status        string
	SubmittedAt   int64
	CompletedAt   int64
	TakeIdx       int
	Model         string
	FilePath      string
	AttemptStatus string
	Downloaded    bool
	Locator       string
	HasAttempt    bool
}
