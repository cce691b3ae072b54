package model

import "time"

// SessionState enumerates interview session lifecycle states.
type SessionState string

const (
	SessionStateCreated    SessionState = "CREATED"
	SessionStateInProgress SessionState = "IN_PROGRESS"
	SessionStatePaused     SessionState = "PAUSED"
	SessionStateCompleted  SessionState = "COMPLETED"
	SessionStateAbandoned  SessionState = "ABANDONED"
	SessionStateError      SessionState = "ERROR"
)

// Terminal reports whether no further user action can leave the state.
// ERROR is not terminal: it still accepts ABANDON.
func (s SessionState) Terminal() bool {
	return s == SessionStateCompleted || s == SessionStateAbandoned
}

// SessionAction enumerates the control actions accepted at the boundary.
// The string values are the exact wire representation.
type SessionAction string

const (
	ActionStart        SessionAction = "START"
	ActionPause        SessionAction = "PAUSE"
	ActionResume       SessionAction = "RESUME"
	ActionSkipQuestion SessionAction = "SKIP_QUESTION"
	ActionEnd          SessionAction = "END"
	ActionAbandon      SessionAction = "ABANDON"
)

// Valid reports whether the action is one of the known control actions.
func (a SessionAction) Valid() bool {
	switch a {
	case ActionStart, ActionPause, ActionResume, ActionSkipQuestion, ActionEnd, ActionAbandon:
		return true
	}
	return false
}

// Question is one interview question, fixed at session creation.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	// TimeLimit in seconds; 0 inherits the config-wide per-question limit.
	TimeLimit int32 `json:"timeLimit,omitempty"`
}

// ConfigSettings gates optional candidate actions.
type ConfigSettings struct {
	AllowPause bool `json:"allowPause"`
	AllowSkip  bool `json:"allowSkip"`
}

// InterviewConfig is the immutable configuration snapshot a session is
// created from.
type InterviewConfig struct {
	// Duration is the whole-session budget in minutes; 0 means unlimited.
	Duration int32 `json:"duration,omitempty"`
	// TimePerQuestion is the default per-question budget in seconds;
	// 0 means unlimited unless a question carries its own limit.
	TimePerQuestion int32          `json:"timePerQuestion,omitempty"`
	Settings        ConfigSettings `json:"settings"`
	Questions       []Question     `json:"questions"`
}

// SessionResponse is one candidate response, appended by the answer
// ingestion pipeline. Responses are never removed.
type SessionResponse struct {
	QuestionID  string     `json:"questionId"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	IsSkipped   bool       `json:"isSkipped,omitempty"`
}

// SkippedQuestion records a candidate-initiated skip.
type SkippedQuestion struct {
	QuestionID    string    `json:"questionId"`
	QuestionIndex int32     `json:"questionIndex"`
	Reason        string    `json:"reason,omitempty"`
	SkippedAt     time.Time `json:"skippedAt"`
}

// SessionMetadata accumulates bookkeeping across the session lifetime.
type SessionMetadata struct {
	PauseCount int32 `json:"pauseCount"`
	SkipCount  int32 `json:"skipCount"`
	// TotalPausedTime is the sum of all completed pause intervals, in
	// seconds. It only ever increases.
	TotalPausedTime      int64             `json:"totalPausedTime"`
	SkippedQuestions     []SkippedQuestion `json:"skippedQuestions,omitempty"`
	AutoSkippedQuestions []int32           `json:"autoSkippedQuestions,omitempty"`
	Interruptions        []string          `json:"interruptions,omitempty"`
	TechnicalIssues      []string          `json:"technicalIssues,omitempty"`
	AutoCompleted        bool              `json:"autoCompleted,omitempty"`
	EndReason            string            `json:"endReason,omitempty"`
	AbandonReason        string            `json:"abandonReason,omitempty"`
}

// ControlMeta is the typed metadata a caller may attach to a control
// request. It is merged into the session before the action mutation runs.
type ControlMeta struct {
	// Reason annotates SKIP_QUESTION, END and ABANDON.
	Reason         string `json:"reason,omitempty"`
	Interruption   string `json:"interruption,omitempty"`
	TechnicalIssue string `json:"technicalIssue,omitempty"`
}

// InterviewSession is the root aggregate. It is owned by exactly one user
// and mutated only through the session controller.
type InterviewSession struct {
	ID       string          `json:"id"`
	UserID   uint64          `json:"userId"`
	ConfigID string          `json:"configId"`
	Config   InterviewConfig `json:"config"`

	State                SessionState      `json:"state"`
	CurrentQuestionIndex int32             `json:"currentQuestionIndex"`
	Questions            []Question        `json:"questions"`
	Responses            []SessionResponse `json:"responses,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	PausedAt    *time.Time `json:"pausedAt,omitempty"`
	ResumedAt   *time.Time `json:"resumedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Duration is the final active duration in seconds, set only on a
	// terminal transition.
	Duration int64 `json:"duration,omitempty"`

	Metadata SessionMetadata `json:"metadata"`

	// Version is the optimistic concurrency token maintained by the
	// repository. Every committed update increments it.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CurrentQuestion returns the question under the cursor, or nil when the
// cursor has moved past the last question.
func (s *InterviewSession) CurrentQuestion() *Question {
	if s.CurrentQuestionIndex < 0 || int(s.CurrentQuestionIndex) >= len(s.Questions) {
		return nil
	}
	return &s.Questions[s.CurrentQuestionIndex]
}
