package session

import "zilean/internal/model"

// transitions is the authoritative state machine. Any (state, action)
// pair absent from it is denied; no other code path may bypass it.
var transitions = map[model.SessionState][]model.SessionAction{
	model.SessionStateCreated:    {model.ActionStart, model.ActionAbandon},
	model.SessionStateInProgress: {model.ActionPause, model.ActionSkipQuestion, model.ActionEnd, model.ActionAbandon},
	model.SessionStatePaused:     {model.ActionResume, model.ActionAbandon},
	model.SessionStateCompleted:  {},
	model.SessionStateAbandoned:  {},
	model.SessionStateError:      {model.ActionAbandon},
}

// ValidateTransition checks the requested action against the transition
// table, independent of any timing state. It returns an
// *InvalidStateError on denial.
func ValidateTransition(state model.SessionState, action model.SessionAction) error {
	for _, allowed := range transitions[state] {
		if allowed == action {
			return nil
		}
	}
	return &InvalidStateError{State: state, Action: action}
}

// AllowedActions returns the actions the transition table permits in the
// given state. The slice is a copy; callers may mutate it.
func AllowedActions(state model.SessionState) []model.SessionAction {
	allowed := transitions[state]
	out := make([]model.SessionAction, len(allowed))
	copy(out, allowed)
	return out
}
