package interact

import "errors"

// ErrFatalSession means the driving session itself is gone (browser died,
// page navigated away, auth expired). The orchestrator halts on it; per-
// request failures never wrap it.
var ErrFatalSession = errors.New("interact: session lost")
