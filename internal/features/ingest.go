package features

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"zilean/internal/model"
	repo "zilean/internal/repo"
	"zilean/internal/session"
	"zilean/internal/utils/locker"
	rabbit "zilean/pkg/rabbit/pkg"
)

// responseMessage is the wire shape the answer pipeline publishes for
// each recorded candidate response.
type responseMessage struct {
	SessionID   string     `json:"sessionId"`
	QuestionID  string     `json:"questionId"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	IsSkipped   bool       `json:"isSkipped,omitempty"`
}

// ResponseIngestor consumes candidate responses from the broker and
// appends them to their session. Responses are append-only; the session
// lock and version check serialize it against control requests.
type ResponseIngestor struct {
	repo   repo.Repository
	locks  locker.Locker
	logger *zap.Logger
}

func NewResponseIngestor(repo *repo.Repository, locks locker.Locker, logger *zap.Logger) *ResponseIngestor {
	return &ResponseIngestor{
		repo:   *repo,
		locks:  locks,
		logger: logger,
	}
}

// Run blocks consuming the configured queue until the broker connection
// ends.
func (i *ResponseIngestor) Run(ctx context.Context, rb rabbit.Rabbit) error {
	return rb.Consume(ctx, i.Handle)
}

// Handle processes one delivery. A nil return acknowledges the message;
// returned errors requeue it, so unrecoverable messages (malformed,
// unknown session, terminal session) are logged and dropped instead.
func (i *ResponseIngestor) Handle(ctx context.Context, msg amqp.Delivery) error {
	var m responseMessage
	if err := json.Unmarshal(msg.Body, &m); err != nil {
		i.logger.Warn("Dropping malformed response message", zap.Error(err))
		return nil
	}
	if m.SessionID == "" || m.QuestionID == "" {
		i.logger.Warn("Dropping response message without session or question id")
		return nil
	}

	unlock, err := i.locks.Lock(ctx, m.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := i.repo.Session.Get(ctx, m.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		i.logger.Warn("Dropping response for unknown session",
			zap.String("sessionId", m.SessionID))
		return nil
	}
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		i.logger.Warn("Dropping response for terminal session",
			zap.String("sessionId", m.SessionID),
			zap.String("state", string(sess.State)))
		return nil
	}

	sess.Responses = append(sess.Responses, model.SessionResponse{
		QuestionID:  m.QuestionID,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		IsSkipped:   m.IsSkipped,
	})
	if err := i.repo.Session.Update(ctx, sess); err != nil {
		return err
	}

	i.logger.Info("Recorded session response",
		zap.String("sessionId", m.SessionID),
		zap.String("questionId", m.QuestionID),
		zap.Int("responses", len(sess.Responses)))
	return nil
}
