// Package interact defines the contract between the orchestration core and
// the layer that drives the generation service's web UI. The service has no
// programmatic API: submissions are triggered by typing into the page, and
// results arrive only as asynchronous network responses observed passively.
//
// The core consumes exactly two things: a fire-and-forget Submitter and an
// ordered feed of classified Events. Events carry no ordering guarantee
// relative to trigger calls and may be duplicated or replayed by the service.
package interact

import "context"

// Submitter triggers one submission in the target UI. Fire-and-forget: a nil
// return means the trigger was issued, not that the service accepted it —
// acceptance shows up later as an ack Event.
type Submitter interface {
	TriggerSubmission(ctx context.Context, prompt string) error
}

// EventKind classifies a routed event.
type EventKind int

const (
	// EventAck acknowledges a submission and names its operations.
	EventAck EventKind = iota + 1
	// EventStatusUpdate reports progress for known operations.
	EventStatusUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ack"
	case EventStatusUpdate:
		return "status_update"
	}
	return "unknown"
}

// AttemptEvent is the per-take payload of an Event. Locator and Model are
// empty when the service did not include them.
type AttemptEvent struct {
	OperationID string
	SceneID     string
	Status      string
	Locator     string
	Model       string
}

// Event is one classified response observed from the service.
type Event struct {
	Kind     EventKind
	Attempts []AttemptEvent
}
