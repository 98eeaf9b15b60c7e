package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/validator"
)

// AttemptService is what the attempt endpoints need from the service layer.
type AttemptService interface {
	GetExamForAttempt(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.ExamPaper, error)
	Submit(ctx context.Context, attemptID uuid.UUID, studentID int, req *model.SubmitRequest) (*model.SubmitResponse, error)
	VerifyActiveAttempt(ctx context.Context, attemptID uuid.UUID, studentID int) error
	RecordViolation(ctx context.Context, attemptID uuid.UUID, studentID int, kind model.ViolationKind, count int, occurredAt int64) (int, error)
}

// AttemptHandler serves the exam paper and accepts submissions.
type AttemptHandler struct {
	attempts AttemptService
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

// GetExam godoc
// GET /api/v1/student/attempts/:attempt_id/exam
// Returns the frozen paper and the authoritative remaining time. Called on
// every mount, so a reload resumes from the server clock.
func (h *AttemptHandler) GetExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	paper, err := h.attempts.GetExamForAttempt(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, paper)
}

// Submit godoc
// POST /api/v1/student/attempts/:attempt_id/submit
// Closes the attempt. Safe to repeat: a closed attempt answers
// success with "already submitted".
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.attempts.Submit(c.Request.Context(), attemptID, claims.UserID, &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// fail maps service errors to envelope codes. Anything unexpected is a 500.
func (h *AttemptHandler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", response.RequestID(c)).
			Str("path", c.FullPath()).
			Msg("Attempt request failed")
	}
	response.Fail(c, status, code)
}

func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrAttemptNotFound
	case errors.Is(err, service.ErrExamNotAvailable):
		return http.StatusForbidden, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrAlreadySubmitted):
		return http.StatusConflict, response.ErrAttemptAlreadySubmitted
	case errors.Is(err, service.ErrAttemptMismatch):
		return http.StatusBadRequest, response.ErrAttemptMismatch
	case errors.Is(err, service.ErrNoQuestions):
		return http.StatusConflict, response.ErrNoQuestions
	case errors.Is(err, service.ErrSubmitInProgress):
		// 429 so clients retry; the retry sees the closed attempt.
		return http.StatusTooManyRequests, response.ErrSubmitInProgress
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
