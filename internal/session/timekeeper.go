package session

import (
	"time"

	"zilean/internal/model"
)

// TimeStatus reports how much of a time budget remains. Remaining is nil
// when no budget applies; it is floored at zero otherwise.
type TimeStatus struct {
	Exceeded  bool   `json:"exceeded"`
	Remaining *int64 `json:"remaining"`
}

func unlimited() TimeStatus {
	return TimeStatus{}
}

func statusFor(remaining int64) TimeStatus {
	exceeded := remaining <= 0
	if remaining < 0 {
		remaining = 0
	}
	return TimeStatus{Exceeded: exceeded, Remaining: &remaining}
}

// totalPausedAsOf is the accumulated paused time in seconds, including
// the currently open pause interval when the session is paused.
func totalPausedAsOf(s *model.InterviewSession, now time.Time) int64 {
	paused := s.Metadata.TotalPausedTime
	if s.State == model.SessionStatePaused && s.PausedAt != nil {
		if open := int64(now.Sub(*s.PausedAt).Seconds()); open > 0 {
			paused += open
		}
	}
	return paused
}

// SessionTimeStatus evaluates the whole-session budget. Sessions without
// a configured duration, or not yet started, have no budget.
func SessionTimeStatus(s *model.InterviewSession, now time.Time) TimeStatus {
	if s.Config.Duration <= 0 || s.StartedAt == nil {
		return unlimited()
	}
	active := int64(now.Sub(*s.StartedAt).Seconds()) - totalPausedAsOf(s, now)
	return statusFor(int64(s.Config.Duration)*60 - active)
}

// QuestionTimeStatus evaluates the current question's budget. The limit
// is the question's own, falling back to the config-wide per-question
// limit; with neither set there is no budget.
func QuestionTimeStatus(s *model.InterviewSession, now time.Time) TimeStatus {
	q := s.CurrentQuestion()
	if q == nil {
		return unlimited()
	}
	limit := q.TimeLimit
	if limit <= 0 {
		limit = s.Config.TimePerQuestion
	}
	if limit <= 0 {
		return unlimited()
	}
	start, ok := questionStartTime(s)
	if !ok {
		return unlimited()
	}
	return statusFor(int64(limit) - int64(now.Sub(start).Seconds()))
}

// questionStartTime resolves when the current question went on the
// clock: the earliest response recorded for it, else the session start
// for the first question, else the preceding question's last response
// (completedAt, falling back to startedAt).
func questionStartTime(s *model.InterviewSession) (time.Time, bool) {
	q := s.CurrentQuestion()
	if q == nil {
		return time.Time{}, false
	}

	var earliest *time.Time
	for i := range s.Responses {
		r := &s.Responses[i]
		if r.QuestionID != q.ID {
			continue
		}
		if earliest == nil || r.StartedAt.Before(*earliest) {
			earliest = &r.StartedAt
		}
	}
	if earliest != nil {
		return *earliest, true
	}

	if s.CurrentQuestionIndex == 0 {
		if s.StartedAt == nil {
			return time.Time{}, false
		}
		return *s.StartedAt, true
	}

	prevID := s.Questions[s.CurrentQuestionIndex-1].ID
	for i := len(s.Responses) - 1; i >= 0; i-- {
		r := &s.Responses[i]
		if r.QuestionID != prevID {
			continue
		}
		if r.CompletedAt != nil {
			return *r.CompletedAt, true
		}
		return r.StartedAt, true
	}

	// Predecessor was skipped without ever starting; fall back to the
	// session start so the budget still counts down.
	if s.StartedAt == nil {
		return time.Time{}, false
	}
	return *s.StartedAt, true
}

// SessionDuration is the active wall-clock duration in whole seconds,
// excluding all paused time. Never negative.
func SessionDuration(s *model.InterviewSession, now time.Time) int64 {
	if s.StartedAt == nil {
		return 0
	}
	d := int64(now.Sub(*s.StartedAt).Seconds()) - totalPausedAsOf(s, now)
	if d < 0 {
		return 0
	}
	return d
}
