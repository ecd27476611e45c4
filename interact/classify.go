package interact

import (
	"encoding/json"
	"strings"
)

// Classifier matches observed network responses against the URL patterns of
// the two response categories and parses their JSON bodies into Events.
// The service's endpoints are undocumented; the substrings are configuration
// pinned to the current UI build.
type Classifier struct {
	// AckURLSubstr marks responses acknowledging a submission.
	AckURLSubstr string
	// StatusURLSubstr marks responses carrying operation status.
	StatusURLSubstr string
}

type wireAttempt struct {
	OperationID string  `json:"operationId"`
	SceneID     string  `json:"sceneId"`
	Status      string  `json:"status"`
	Locator     *string `json:"locator"`
	Model       *string `json:"model"`
}

type wireEnvelope struct {
	Attempts []wireAttempt `json:"attempts"`
}

// Classify inspects one response. Returns nil for responses that belong to
// neither category or whose body doesn't parse — the feed only ever carries
// well-formed, classified events.
func (c *Classifier) Classify(url string, body []byte) *Event {
	var kind EventKind
	switch {
	case c.AckURLSubstr != "" && strings.Contains(url, c.AckURLSubstr):
		kind = EventAck
	case c.StatusURLSubstr != "" && strings.Contains(url, c.StatusURLSubstr):
		kind = EventStatusUpdate
	default:
		return nil
	}

	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Attempts) == 0 {
		return nil
	}

	ev := &Event{Kind: kind}
	for _, w := range env.Attempts {
		if w.OperationID == "" {
			continue
		}
		a := AttemptEvent{
			OperationID: w.OperationID,
			SceneID:     w.SceneID,
			Status:      w.Status,
		}
		if w.Locator != nil {
			a.Locator = *w.Locator
		}
		if w.Model != nil {
			a.Model = *w.Model
		}
		ev.Attempts = append(ev.Attempts, a)
	}
	if len(ev.Attempts) == 0 {
		return nil
	}
	return ev
}
