package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zilean/internal/model"
	"zilean/internal/session"
)

type ISession interface {
	Create(ctx context.Context, s *model.InterviewSession) error
	Get(ctx context.Context, id string) (*model.InterviewSession, error)
	// Update persists the session guarded by its Version field and bumps
	// it on success. A stale version yields session.ErrVersionConflict.
	Update(ctx context.Context, s *model.InterviewSession) error
	Exists(ctx context.Context, id string) (bool, error)
}

type SQLSession struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) ISession {
	return &SQLSession{db: db}
}

// EnsureSchema creates the sessions table when it does not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS interview_sessions (
		id VARCHAR(36) PRIMARY KEY,
		user_id BIGINT UNSIGNED NOT NULL,
		config_id VARCHAR(64) NOT NULL,
		config JSON NOT NULL,
		state VARCHAR(16) NOT NULL,
		current_question_index INT NOT NULL DEFAULT 0,
		questions JSON NOT NULL,
		responses JSON NOT NULL,
		metadata JSON NOT NULL,
		started_at DATETIME(3) NULL,
		paused_at DATETIME(3) NULL,
		resumed_at DATETIME(3) NULL,
		completed_at DATETIME(3) NULL,
		duration BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1,
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		INDEX idx_sessions_user (user_id),
		INDEX idx_sessions_state (state)
	)`)
	return err
}

func (r *SQLSession) Create(ctx context.Context, s *model.InterviewSession) error {
	config, questions, responses, metadata, err := marshalDocs(s)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	s.Version = 1

	_, err = r.db.ExecContext(ctx, `INSERT INTO interview_sessions
		(id, user_id, config_id, config, state, current_question_index,
		 questions, responses, metadata,
		 started_at, paused_at, resumed_at, completed_at,
		 duration, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.ConfigID, config, string(s.State), s.CurrentQuestionIndex,
		questions, responses, metadata,
		s.StartedAt, s.PausedAt, s.ResumedAt, s.CompletedAt,
		s.Duration, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (r *SQLSession) Get(ctx context.Context, id string) (*model.InterviewSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT
		id, user_id, config_id, config, state, current_question_index,
		questions, responses, metadata,
		started_at, paused_at, resumed_at, completed_at,
		duration, version, created_at, updated_at
		FROM interview_sessions WHERE id = ?`, id)

	var (
		s           model.InterviewSession
		state       string
		config      []byte
		questions   []byte
		responses   []byte
		metadata    []byte
		startedAt   sql.NullTime
		pausedAt    sql.NullTime
		resumedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.ConfigID, &config, &state, &s.CurrentQuestionIndex,
		&questions, &responses, &metadata,
		&startedAt, &pausedAt, &resumedAt, &completedAt,
		&s.Duration, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", id, err)
	}

	s.State = model.SessionState(state)
	if err := json.Unmarshal(config, &s.Config); err != nil {
		return nil, fmt.Errorf("decode session %s config: %w", id, err)
	}
	if err := json.Unmarshal(questions, &s.Questions); err != nil {
		return nil, fmt.Errorf("decode session %s questions: %w", id, err)
	}
	if err := json.Unmarshal(responses, &s.Responses); err != nil {
		return nil, fmt.Errorf("decode session %s responses: %w", id, err)
	}
	if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
		return nil, fmt.Errorf("decode session %s metadata: %w", id, err)
	}
	s.StartedAt = nullableTime(startedAt)
	s.PausedAt = nullableTime(pausedAt)
	s.ResumedAt = nullableTime(resumedAt)
	s.CompletedAt = nullableTime(completedAt)
	return &s, nil
}

func (r *SQLSession) Update(ctx context.Context, s *model.InterviewSession) error {
	config, questions, responses, metadata, err := marshalDocs(s)
	if err != nil {
		return err
	}

	updatedAt := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `UPDATE interview_sessions SET
		config = ?, state = ?, current_question_index = ?,
		questions = ?, responses = ?, metadata = ?,
		started_at = ?, paused_at = ?, resumed_at = ?, completed_at = ?,
		duration = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		config, string(s.State), s.CurrentQuestionIndex,
		questions, responses, metadata,
		s.StartedAt, s.PausedAt, s.ResumedAt, s.CompletedAt,
		s.Duration, updatedAt,
		s.ID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		exists, err := r.Exists(ctx, s.ID)
		if err != nil {
			return err
		}
		if !exists {
			return session.ErrSessionNotFound
		}
		return session.ErrVersionConflict
	}
	s.Version++
	s.UpdatedAt = updatedAt
	return nil
}

func (r *SQLSession) Exists(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interview_sessions WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func marshalDocs(s *model.InterviewSession) (config, questions, responses, metadata []byte, err error) {
	if config, err = json.Marshal(s.Config); err != nil {
		return
	}
	if s.Questions == nil {
		questions = []byte("[]")
	} else if questions, err = json.Marshal(s.Questions); err != nil {
		return
	}
	if s.Responses == nil {
		responses = []byte("[]")
	} else if responses, err = json.Marshal(s.Responses); err != nil {
		return
	}
	metadata, err = json.Marshal(s.Metadata)
	return
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
