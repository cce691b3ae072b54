package session

import (
	"errors"
	"fmt"

	"zilean/internal/model"
)

var (
	// ErrSessionNotFound reports an unknown session id. Not retryable.
	ErrSessionNotFound = errors.New("session not found")

	// ErrVersionConflict reports an optimistic-lock conflict: the stored
	// session moved between load and save. Callers reload and retry once.
	ErrVersionConflict = errors.New("session was modified concurrently")
)

// InvalidStateError rejects a control action, either because the
// transition table forbids it in the current state or because the
// session configuration disables the feature. The two carry different
// reasons since they require different corrective actions from the UI.
type InvalidStateError struct {
	State  model.SessionState
	Action model.SessionAction
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s session in state %s: %s", e.Action, e.State, e.Reason)
	}
	return fmt.Sprintf("cannot %s session in state %s", e.Action, e.State)
}
