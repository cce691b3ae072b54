package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	feat "zilean/internal/features"
	"zilean/internal/model"
	"zilean/internal/session"
	"zilean/internal/utils/locker"
	logging "zilean/pkg/logger/pkg"
)

// SessionHandler exposes the session lifecycle over HTTP.
type SessionHandler struct {
	zilean feat.IZilean
	logger *zap.Logger
}

func NewSessionHandler(zilean feat.IZilean, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{zilean: zilean, logger: logger}
}

func (h *SessionHandler) Register(r *gin.Engine) {
	r.Use(requestIDMiddleware())

	v1 := r.Group("/v1")
	v1.POST("/sessions", h.createSession)
	v1.POST("/sessions/:id/control", h.controlSession)
	v1.GET("/sessions/:id/status", h.sessionStatus)
}

// requestIDMiddleware threads the X-Request-Id header into the request
// context for log correlation.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader("X-Request-Id"); id != "" {
			c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		}
		c.Next()
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, err error) {
	var invalid *session.InvalidStateError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, apiError{Code: "SESSION_NOT_FOUND", Message: err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, apiError{Code: "INVALID_SESSION_STATE", Message: invalid.Error()})
	case errors.Is(err, session.ErrVersionConflict):
		c.JSON(http.StatusConflict, apiError{Code: "CONCURRENT_MODIFICATION", Message: err.Error()})
	case errors.Is(err, locker.ErrNotAcquired):
		c.JSON(http.StatusConflict, apiError{Code: "SESSION_BUSY", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, apiError{Code: "INTERNAL", Message: http.StatusText(http.StatusInternalServerError)})
	}
}

func userIDFrom(c *gin.Context) (uint64, bool) {
	raw := c.GetHeader("X-User-Id")
	if raw == "" {
		c.JSON(http.StatusUnauthorized, apiError{Code: "UNAUTHENTICATED", Message: "missing X-User-Id header"})
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusUnauthorized, apiError{Code: "UNAUTHENTICATED", Message: "invalid X-User-Id header"})
		return 0, false
	}
	return id, true
}

type createSessionRequest struct {
	ConfigID string                `json:"configId" binding:"required"`
	Config   model.InterviewConfig `json:"config" binding:"required"`
}

func (h *SessionHandler) createSession(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	sess, err := h.zilean.CreateSession(c.Request.Context(), userID, req.ConfigID, req.Config)
	if err != nil {
		h.logger.Error("Failed to create session", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

type controlSessionRequest struct {
	Action   model.SessionAction `json:"action" binding:"required"`
	Metadata *model.ControlMeta  `json:"metadata,omitempty"`
}

func (h *SessionHandler) controlSession(c *gin.Context) {
	if _, ok := userIDFrom(c); !ok {
		return
	}

	var req controlSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}
	if !req.Action.Valid() {
		c.JSON(http.StatusBadRequest, apiError{Code: "INVALID_REQUEST", Message: "unknown action: " + string(req.Action)})
		return
	}

	sess, err := h.zilean.ControlSession(c.Request.Context(), c.Param("id"), req.Action, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) sessionStatus(c *gin.Context) {
	status, err := h.zilean.GetSessionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
