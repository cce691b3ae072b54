package features

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"zilean/internal/model"
	repo "zilean/internal/repo"
	"zilean/internal/session"
	"zilean/internal/utils/locker"
	rabbit "zilean/pkg/rabbit/pkg"
)

var baseTime = time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)

// fakeSessionRepo is an in-memory ISession with the same optimistic
// version discipline as the SQL implementation.
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.InterviewSession
	updates  int
	// beforeUpdate simulates a concurrent writer sneaking in between
	// the controller's load and save.
	beforeUpdate func()
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: map[string]*model.InterviewSession{}}
}

func clone(s *model.InterviewSession) *model.InterviewSession {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out model.InterviewSession
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (f *fakeSessionRepo) Create(ctx context.Context, s *model.InterviewSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.Version = 1
	s.CreatedAt = baseTime
	s.UpdatedAt = baseTime
	f.sessions[s.ID] = clone(s)
	return nil
}

func (f *fakeSessionRepo) Get(ctx context.Context, id string) (*model.InterviewSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return clone(s), nil
}

func (f *fakeSessionRepo) Update(ctx context.Context, s *model.InterviewSession) error {
	if f.beforeUpdate != nil {
		hook := f.beforeUpdate
		f.beforeUpdate = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.sessions[s.ID]
	if !ok {
		return session.ErrSessionNotFound
	}
	if stored.Version != s.Version {
		return session.ErrVersionConflict
	}
	f.updates++
	next := clone(s)
	next.Version++
	f.sessions[s.ID] = next
	s.Version++
	return nil
}

func (f *fakeSessionRepo) Exists(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	return ok, nil
}

func newTestZilean(t *testing.T, fake *fakeSessionRepo) *Zilean {
	t.Helper()
	z := New(&repo.Repository{Session: fake}, locker.Local(), nil, zap.NewNop())
	z.now = func() time.Time { return baseTime }
	return z
}

func threeQuestionConfig() model.InterviewConfig {
	return model.InterviewConfig{
		Duration:        60,
		TimePerQuestion: 0,
		Settings:        model.ConfigSettings{AllowPause: true, AllowSkip: true},
		Questions: []model.Question{
			{ID: "q1", Text: "Tell me about yourself."},
			{ID: "q2", Text: "Describe a hard bug you fixed."},
			{ID: "q3", Text: "Where do you want to grow next?"},
		},
	}
}

func seedSession(t *testing.T, fake *fakeSessionRepo, mutate func(*model.InterviewSession)) string {
	t.Helper()
	started := baseTime.Add(-10 * time.Minute)
	s := &model.InterviewSession{
		ID:        "sess-1",
		UserID:    42,
		ConfigID:  "cfg-1",
		Config:    threeQuestionConfig(),
		State:     model.SessionStateInProgress,
		Questions: threeQuestionConfig().Questions,
		StartedAt: &started,
		Metadata:  model.SessionMetadata{AutoSkippedQuestions: []int32{}},
	}
	if mutate != nil {
		mutate(s)
	}
	if err := fake.Create(context.Background(), s); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return s.ID
}

func TestCreateSessionStartsInCreatedState(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)

	sess, err := z.CreateSession(context.Background(), 42, "cfg-1", threeQuestionConfig())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.State != model.SessionStateCreated {
		t.Fatalf("expected CREATED, got %s", sess.State)
	}
	if sess.ID == "" {
		t.Fatal("expected generated session id")
	}
	if sess.StartedAt != nil || sess.CompletedAt != nil {
		t.Fatal("no timestamps before START")
	}
	if len(sess.Questions) != 3 {
		t.Fatalf("expected question snapshot, got %d", len(sess.Questions))
	}
}

func TestCreateSessionRejectsEmptyConfig(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)

	cfg := threeQuestionConfig()
	cfg.Questions = nil
	if _, err := z.CreateSession(context.Background(), 42, "cfg-1", cfg); err == nil {
		t.Fatal("expected error for config without questions")
	}
}

func TestControlSessionNotFound(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)

	_, err := z.ControlSession(context.Background(), "missing", model.ActionStart, nil)
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStartInitializesSession(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		s.State = model.SessionStateCreated
		s.StartedAt = nil
		s.Metadata = model.SessionMetadata{}
	})

	sess, err := z.ControlSession(context.Background(), id, model.ActionStart, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.State != model.SessionStateInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", sess.State)
	}
	if sess.StartedAt == nil || !sess.StartedAt.Equal(baseTime) {
		t.Fatalf("expected startedAt=%v, got %v", baseTime, sess.StartedAt)
	}
	if sess.Metadata.AutoSkippedQuestions == nil {
		t.Fatal("expected autoSkippedQuestions initialized")
	}
}

func TestInvalidTransitionLeavesSessionUntouched(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		s.State = model.SessionStateCreated
		s.StartedAt = nil
	})

	_, err := z.ControlSession(context.Background(), id, model.ActionEnd, nil)
	var invalid *session.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if fake.updates != 0 {
		t.Fatalf("invalid transition must not hit the repository, got %d updates", fake.updates)
	}
}

func TestPauseDisabledByConfig(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		s.Config.Settings.AllowPause = false
	})

	_, err := z.ControlSession(context.Background(), id, model.ActionPause, nil)
	var invalid *session.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if invalid.Reason == "" {
		t.Fatal("config denial must carry a feature-disabled reason")
	}
	if fake.updates != 0 {
		t.Fatal("config denial must not persist anything")
	}

	stored, _ := fake.Get(context.Background(), id)
	if stored.Metadata.PauseCount != 0 || stored.State != model.SessionStateInProgress {
		t.Fatal("session must be unchanged after a denied pause")
	}
}

func TestPauseResumeAccounting(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, nil)

	z.now = func() time.Time { return baseTime }
	sess, err := z.ControlSession(context.Background(), id, model.ActionPause, nil)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if sess.State != model.SessionStatePaused || sess.Metadata.PauseCount != 1 {
		t.Fatalf("expected paused session with pauseCount=1, got %s/%d", sess.State, sess.Metadata.PauseCount)
	}

	z.now = func() time.Time { return baseTime.Add(120 * time.Second) }
	sess, err = z.ControlSession(context.Background(), id, model.ActionResume, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sess.State != model.SessionStateInProgress {
		t.Fatalf("expected IN_PROGRESS after resume, got %s", sess.State)
	}
	if sess.Metadata.TotalPausedTime != 120 {
		t.Fatalf("expected 120s of paused time, got %d", sess.Metadata.TotalPausedTime)
	}
	if sess.ResumedAt == nil {
		t.Fatal("expected resumedAt set")
	}
}

func TestSkipAdvancesCursor(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, nil)

	sess, err := z.ControlSession(context.Background(), id, model.ActionSkipQuestion, &model.ControlMeta{Reason: "too hard"})
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if sess.CurrentQuestionIndex != 1 {
		t.Fatalf("expected cursor at 1, got %d", sess.CurrentQuestionIndex)
	}
	if sess.Metadata.SkipCount != 1 || len(sess.Metadata.SkippedQuestions) != 1 {
		t.Fatal("expected skip bookkeeping")
	}
	skipped := sess.Metadata.SkippedQuestions[0]
	if skipped.QuestionID != "q1" || skipped.QuestionIndex != 0 || skipped.Reason != "too hard" {
		t.Fatalf("unexpected skip record: %+v", skipped)
	}
}

func TestSkipDisabledByConfig(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		s.Config.Settings.AllowSkip = false
	})

	_, err := z.ControlSession(context.Background(), id, model.ActionSkipQuestion, nil)
	var invalid *session.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestSkipLastQuestionCompletesSession(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		s.CurrentQuestionIndex = 2
	})

	sess, err := z.ControlSession(context.Background(), id, model.ActionSkipQuestion, nil)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if sess.State != model.SessionStateCompleted {
		t.Fatalf("expected COMPLETED, got %s", sess.State)
	}
	if int(sess.CurrentQuestionIndex) != len(sess.Questions) {
		t.Fatalf("expected cursor at %d, got %d", len(sess.Questions), sess.CurrentQuestionIndex)
	}
	if sess.CompletedAt == nil || sess.Duration < 0 {
		t.Fatal("terminal session needs completedAt and a non-negative duration")
	}
}

func TestEndSetsDurationAndReason(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		s.Metadata.TotalPausedTime = 100
	})

	sess, err := z.ControlSession(context.Background(), id, model.ActionEnd, &model.ControlMeta{Reason: "candidate done"})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if sess.State != model.SessionStateCompleted {
		t.Fatalf("expected COMPLETED, got %s", sess.State)
	}
	// Started 600s before baseTime with 100s paused.
	if sess.Duration != 500 {
		t.Fatalf("expected 500s duration, got %d", sess.Duration)
	}
	if sess.Metadata.EndReason != "candidate done" {
		t.Fatalf("expected end reason recorded, got %q", sess.Metadata.EndReason)
	}
}

func TestAbandonFromError(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		s.State = model.SessionStateError
	})

	sess, err := z.ControlSession(context.Background(), id, model.ActionAbandon, nil)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if sess.State != model.SessionStateAbandoned {
		t.Fatalf("expected ABANDONED, got %s", sess.State)
	}
	if sess.Metadata.AbandonReason == "" {
		t.Fatal("expected a default abandon reason")
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	for _, state := range []model.SessionState{model.SessionStateCompleted, model.SessionStateAbandoned} {
		fake := newFakeSessionRepo()
		z := newTestZilean(t, fake)
		id := seedSession(t, fake, func(s *model.InterviewSession) {
			s.State = state
		})

		for _, action := range []model.SessionAction{
			model.ActionStart, model.ActionPause, model.ActionResume,
			model.ActionSkipQuestion, model.ActionEnd, model.ActionAbandon,
		} {
			if _, err := z.ControlSession(context.Background(), id, action, nil); err == nil {
				t.Fatalf("expected %s denied in %s", action, state)
			}
		}
	}
}

func TestAutoCompleteWhenSessionBudgetExceeded(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	// 60 minute budget, started 3700s ago.
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		started := baseTime.Add(-3700 * time.Second)
		s.StartedAt = &started
	})

	sess, err := z.ControlSession(context.Background(), id, model.ActionSkipQuestion, nil)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if sess.State != model.SessionStateCompleted {
		t.Fatalf("expected auto-complete, got %s", sess.State)
	}
	if !sess.Metadata.AutoCompleted {
		t.Fatal("expected autoCompleted tag")
	}
	if sess.CompletedAt == nil || sess.Duration != 3700 {
		t.Fatalf("expected 3700s duration, got %d", sess.Duration)
	}
}

func TestAutoSkipWhenQuestionBudgetExceeded(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	// Question budget long gone (60s each, session started 10min ago,
	// no responses recorded), session budget still fine.
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		s.Config.TimePerQuestion = 60
	})

	sess, err := z.ControlSession(context.Background(), id, model.ActionSkipQuestion, nil)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	// User skip moved the cursor to 1; the exhausted budget of question
	// 1 then auto-advanced it to 2.
	if sess.CurrentQuestionIndex != 2 {
		t.Fatalf("expected cursor at 2, got %d", sess.CurrentQuestionIndex)
	}
	if len(sess.Metadata.AutoSkippedQuestions) != 1 || sess.Metadata.AutoSkippedQuestions[0] != 1 {
		t.Fatalf("expected auto-skip record for question 1, got %v", sess.Metadata.AutoSkippedQuestions)
	}
	if sess.State != model.SessionStateInProgress {
		t.Fatalf("expected session still running, got %s", sess.State)
	}
}

func TestAutoSkipPastLastQuestionCompletes(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		s.Config.TimePerQuestion = 60
		s.CurrentQuestionIndex = 1
	})

	sess, err := z.ControlSession(context.Background(), id, model.ActionSkipQuestion, nil)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if sess.State != model.SessionStateCompleted {
		t.Fatalf("expected COMPLETED after auto-advance past the end, got %s", sess.State)
	}
	if !sess.Metadata.AutoCompleted {
		t.Fatal("expected autoCompleted tag")
	}
}

func TestConcurrentModificationSurfacesConflict(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	id := seedSession(t, fake, nil)

	// A concurrent writer commits between this request's load and save.
	fake.beforeUpdate = func() {
		other, err := fake.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("concurrent get: %v", err)
		}
		other.Metadata.PauseCount++
		if err := fake.Update(context.Background(), other); err != nil {
			t.Fatalf("concurrent update: %v", err)
		}
	}

	_, err := z.ControlSession(context.Background(), id, model.ActionPause, nil)
	if !errors.Is(err, session.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	stored, _ := fake.Get(context.Background(), id)
	if stored.Metadata.PauseCount != 1 {
		t.Fatalf("exactly one pause increment may commit, got %d", stored.Metadata.PauseCount)
	}
}

func TestTerminalTransitionPublishesLifecycleEvent(t *testing.T) {
	fake := newFakeSessionRepo()
	captured := &capturingRabbit{}
	publisher := NewEventPublisher(captured, zap.NewNop(), 1, 8)
	publisher.Start()

	z := New(&repo.Repository{Session: fake}, locker.Local(), publisher, zap.NewNop())
	z.now = func() time.Time { return baseTime }
	id := seedSession(t, fake, nil)

	if _, err := z.ControlSession(context.Background(), id, model.ActionEnd, nil); err != nil {
		t.Fatalf("end: %v", err)
	}
	publisher.Stop()

	bodies := captured.Bodies()
	if len(bodies) != 1 {
		t.Fatalf("expected one lifecycle event, got %d", len(bodies))
	}
	var ev LifecycleEvent
	if err := json.Unmarshal(bodies[0], &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.SessionID != id || ev.State != model.SessionStateCompleted || ev.Action != model.ActionEnd {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestGetSessionStatusProgress(t *testing.T) {
	fake := newFakeSessionRepo()
	z := newTestZilean(t, fake)
	completed := baseTime.Add(-60 * time.Second)
	id := seedSession(t, fake, func(s *model.InterviewSession) {
		s.CurrentQuestionIndex = 2
		s.Responses = []model.SessionResponse{
			{QuestionID: "q1", StartedAt: baseTime.Add(-300 * time.Second), CompletedAt: &completed},
			{QuestionID: "q2", StartedAt: baseTime.Add(-50 * time.Second)},
		}
		s.Metadata.SkippedQuestions = []model.SkippedQuestion{
			{QuestionID: "q2", QuestionIndex: 1, SkippedAt: baseTime},
		}
	})

	status, err := z.GetSessionStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Progress.CompletedQuestions != 1 {
		t.Fatalf("expected 1 completed, got %d", status.Progress.CompletedQuestions)
	}
	if status.Progress.SkippedQuestions != 1 {
		t.Fatalf("expected 1 skipped, got %d", status.Progress.SkippedQuestions)
	}
	// 2 of 3 responses recorded.
	if status.Progress.ProgressPercentage != 67 {
		t.Fatalf("expected 67%%, got %d", status.Progress.ProgressPercentage)
	}
	if status.SessionTime.Remaining == nil {
		t.Fatal("expected a session budget")
	}
}

var _ rabbit.Rabbit = (*capturingRabbit)(nil)
