package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"zilean/internal/model"
	repo "zilean/internal/repo"
	"zilean/internal/session"
	gen "zilean/internal/utils/generator"
	"zilean/internal/utils/locker"
)

type IZilean interface {
	CreateSession(ctx context.Context, userID uint64, configID string, config model.InterviewConfig) (*model.InterviewSession, error)
	ControlSession(ctx context.Context, sessionID string, action model.SessionAction, meta *model.ControlMeta) (*model.InterviewSession, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
}

// Progress summarizes how far through the question list a session is.
type Progress struct {
	CompletedQuestions int32 `json:"completedQuestions"`
	SkippedQuestions   int32 `json:"skippedQuestions"`
	ProgressPercentage int32 `json:"progressPercentage"`
}

// SessionStatus is the read-only composition returned to status callers.
type SessionStatus struct {
	Session      *model.InterviewSession `json:"session"`
	SessionTime  session.TimeStatus      `json:"timeStatus"`
	QuestionTime session.TimeStatus      `json:"questionTimeStatus"`
	Progress     Progress                `json:"progress"`
}

// Zilean owns the interview session lifecycle: it is the only writer of
// session state and the sole place the transition table is consulted.
type Zilean struct {
	repo      repo.Repository
	locks     locker.Locker
	publisher *EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

func New(repo *repo.Repository, locks locker.Locker, publisher *EventPublisher, logger *zap.Logger) *Zilean {
	return &Zilean{
		repo:      *repo,
		locks:     locks,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateSession snapshots the interview configuration into a new session
// in the CREATED state. No timestamps are set until START.
func (z *Zilean) CreateSession(ctx context.Context, userID uint64, configID string, config model.InterviewConfig) (*model.InterviewSession, error) {
	if len(config.Questions) == 0 {
		return nil, fmt.Errorf("interview config has no questions")
	}

	// Generate a unique session ID
	var sessionID string
	for {
		sessionID = gen.GenerateUUID()
		exists, err := z.repo.Session.Exists(ctx, sessionID)
		if err != nil {
			z.logger.Error("Failed to query session", zap.Error(err))
			return nil, fmt.Errorf("failed to query session: %w", err)
		}
		if !exists {
			break
		}
	}

	questions := make([]model.Question, len(config.Questions))
	copy(questions, config.Questions)

	sess := &model.InterviewSession{
		ID:        sessionID,
		UserID:    userID,
		ConfigID:  configID,
		Config:    config,
		State:     model.SessionStateCreated,
		Questions: questions,
	}

	if err := z.repo.Session.Create(ctx, sess); err != nil {
		z.logger.Error("Failed to create session", zap.Error(err))
		return nil, err
	}

	z.logger.Info("Created session",
		zap.String("sessionId", sessionID),
		zap.Uint64("userId", userID),
		zap.Int("questions", len(questions)))
	return sess, nil
}

// ControlSession applies one control action end-to-end: lock, load,
// validate, mutate, time re-check, persist. Invalid transitions are
// rejected before any mutation or repository write.
func (z *Zilean) ControlSession(ctx context.Context, sessionID string, action model.SessionAction, meta *model.ControlMeta) (*model.InterviewSession, error) {
	unlock, err := z.locks.Lock(ctx, sessionID)
	if err != nil {
		z.logger.Error("Failed to lock session", zap.String("sessionId", sessionID), zap.Error(err))
		return nil, err
	}
	defer unlock()

	sess, err := z.repo.Session.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := session.ValidateTransition(sess.State, action); err != nil {
		z.logger.Warn("Rejected session transition",
			zap.String("sessionId", sessionID),
			zap.String("state", string(sess.State)),
			zap.String("action", string(action)))
		return nil, err
	}
	if err := z.checkConfigGates(sess, action); err != nil {
		z.logger.Warn("Rejected disabled feature",
			zap.String("sessionId", sessionID),
			zap.String("action", string(action)))
		return nil, err
	}

	now := z.now().UTC()
	mergeMeta(sess, meta)

	switch action {
	case model.ActionStart:
		z.applyStart(sess, now)
	case model.ActionPause:
		z.applyPause(sess, now)
	case model.ActionResume:
		z.applyResume(sess, now)
	case model.ActionSkipQuestion:
		z.applySkip(sess, meta, now)
	case model.ActionEnd:
		sess.Metadata.EndReason = reasonOr(meta, "ended_by_user")
		z.complete(sess, model.SessionStateCompleted, now, false)
	case model.ActionAbandon:
		sess.Metadata.AbandonReason = reasonOr(meta, "abandoned_by_user")
		z.complete(sess, model.SessionStateAbandoned, now, false)
	}

	if sess.State == model.SessionStateInProgress {
		z.applyTimeBudgets(sess, now)
	}

	if err := z.repo.Session.Update(ctx, sess); err != nil {
		if errors.Is(err, session.ErrVersionConflict) {
			z.logger.Warn("Concurrent session modification",
				zap.String("sessionId", sessionID),
				zap.Int64("version", sess.Version))
		} else {
			z.logger.Error("Failed to save session", zap.String("sessionId", sessionID), zap.Error(err))
		}
		return nil, err
	}

	z.logger.Info("Applied session action",
		zap.String("sessionId", sessionID),
		zap.String("action", string(action)),
		zap.String("state", string(sess.State)),
		zap.Int32("questionIndex", sess.CurrentQuestionIndex))

	if sess.State.Terminal() {
		z.publishLifecycle(sess, action)
	}
	return sess, nil
}

// checkConfigGates enforces the allowPause/allowSkip configuration on
// top of the transition table.
func (z *Zilean) checkConfigGates(sess *model.InterviewSession, action model.SessionAction) error {
	switch action {
	case model.ActionPause:
		if !sess.Config.Settings.AllowPause {
			return &session.InvalidStateError{
				State:  sess.State,
				Action: action,
				Reason: "pausing is disabled by the interview configuration",
			}
		}
	case model.ActionSkipQuestion:
		if !sess.Config.Settings.AllowSkip {
			return &session.InvalidStateError{
				State:  sess.State,
				Action: action,
				Reason: "skipping questions is disabled by the interview configuration",
			}
		}
	}
	return nil
}

func mergeMeta(sess *model.InterviewSession, meta *model.ControlMeta) {
	if meta == nil {
		return
	}
	if meta.Interruption != "" {
		sess.Metadata.Interruptions = append(sess.Metadata.Interruptions, meta.Interruption)
	}
	if meta.TechnicalIssue != "" {
		sess.Metadata.TechnicalIssues = append(sess.Metadata.TechnicalIssues, meta.TechnicalIssue)
	}
}

func reasonOr(meta *model.ControlMeta, fallback string) string {
	if meta != nil && meta.Reason != "" {
		return meta.Reason
	}
	return fallback
}

func (z *Zilean) applyStart(sess *model.InterviewSession, now time.Time) {
	sess.State = model.SessionStateInProgress
	sess.StartedAt = &now
	sess.Metadata.PauseCount = 0
	sess.Metadata.SkipCount = 0
	sess.Metadata.AutoSkippedQuestions = []int32{}
}

func (z *Zilean) applyPause(sess *model.InterviewSession, now time.Time) {
	sess.State = model.SessionStatePaused
	sess.PausedAt = &now
	sess.Metadata.PauseCount++
}

func (z *Zilean) applyResume(sess *model.InterviewSession, now time.Time) {
	sess.State = model.SessionStateInProgress
	sess.ResumedAt = &now
	if sess.PausedAt != nil {
		if paused := int64(now.Sub(*sess.PausedAt).Seconds()); paused > 0 {
			sess.Metadata.TotalPausedTime += paused
		}
	}
}

func (z *Zilean) applySkip(sess *model.InterviewSession, meta *model.ControlMeta, now time.Time) {
	if q := sess.CurrentQuestion(); q != nil {
		sess.Metadata.SkippedQuestions = append(sess.Metadata.SkippedQuestions, model.SkippedQuestion{
			QuestionID:    q.ID,
			QuestionIndex: sess.CurrentQuestionIndex,
			Reason:        reasonOr(meta, "skipped_by_user"),
			SkippedAt:     now,
		})
	}
	sess.CurrentQuestionIndex++
	sess.Metadata.SkipCount++
	if int(sess.CurrentQuestionIndex) >= len(sess.Questions) {
		z.complete(sess, model.SessionStateCompleted, now, false)
	}
}

// applyTimeBudgets re-checks the clocks after a mutation that left the
// session running. An exhausted session budget overrides the requested
// transition with an auto-complete; an exhausted question budget
// auto-advances the cursor, completing the session when it runs off the
// end of the question list.
func (z *Zilean) applyTimeBudgets(sess *model.InterviewSession, now time.Time) {
	if session.SessionTimeStatus(sess, now).Exceeded {
		z.logger.Info("Session time budget exceeded, auto-completing",
			zap.String("sessionId", sess.ID))
		z.complete(sess, model.SessionStateCompleted, now, true)
		return
	}

	if session.QuestionTimeStatus(sess, now).Exceeded {
		z.logger.Info("Question time budget exceeded, auto-advancing",
			zap.String("sessionId", sess.ID),
			zap.Int32("questionIndex", sess.CurrentQuestionIndex))
		sess.Metadata.AutoSkippedQuestions = append(sess.Metadata.AutoSkippedQuestions, sess.CurrentQuestionIndex)
		sess.CurrentQuestionIndex++
		if int(sess.CurrentQuestionIndex) >= len(sess.Questions) {
			z.complete(sess, model.SessionStateCompleted, now, true)
		}
	}
}

func (z *Zilean) complete(sess *model.InterviewSession, state model.SessionState, now time.Time, auto bool) {
	sess.State = state
	sess.CompletedAt = &now
	sess.Duration = session.SessionDuration(sess, now)
	if auto {
		sess.Metadata.AutoCompleted = true
	}
}

func (z *Zilean) publishLifecycle(sess *model.InterviewSession, action model.SessionAction) {
	if z.publisher == nil {
		return
	}
	z.publisher.Enqueue(LifecycleEvent{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		ConfigID:      sess.ConfigID,
		State:         sess.State,
		Action:        action,
		Duration:      sess.Duration,
		AutoCompleted: sess.Metadata.AutoCompleted,
		OccurredAt:    *sess.CompletedAt,
	})
}

// GetSessionStatus composes the current time budgets and a progress
// summary without mutating the session.
func (z *Zilean) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	sess, err := z.repo.Session.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := z.now().UTC()
	return &SessionStatus{
		Session:      sess,
		SessionTime:  session.SessionTimeStatus(sess, now),
		QuestionTime: session.QuestionTimeStatus(sess, now),
		Progress:     progressOf(sess),
	}, nil
}

func progressOf(sess *model.InterviewSession) Progress {
	var completed int32
	for i := range sess.Responses {
		if sess.Responses[i].CompletedAt != nil && !sess.Responses[i].IsSkipped {
			completed++
		}
	}
	skipped := int32(len(sess.Metadata.SkippedQuestions) + len(sess.Metadata.AutoSkippedQuestions))

	var pct int32
	if len(sess.Questions) > 0 {
		pct = int32(math.Round(float64(len(sess.Responses)) / float64(len(sess.Questions)) * 100))
	}
	return Progress{
		CompletedQuestions: completed,
		SkippedQuestions:   skipped,
		ProgressPercentage: pct,
	}
}
