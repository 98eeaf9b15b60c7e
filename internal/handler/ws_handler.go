package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode). Native
// clients send no Origin header and are always accepted.
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(allowedOrigins) == 0 || origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the violation audit stream.
type WSHandler struct {
	attempts AttemptService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attempts AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attempts: attempts,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ViolationStream godoc
// WS /ws/v1/student/attempts/:attempt_id/stream
// Receives counted violations for audit and answers pings.
func (h *WSHandler) ViolationStream(c *gin.Context) {
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

	// Refuse before upgrading so the client sees a plain HTTP status.
	if err := h.attempts.VerifyActiveAttempt(c.Request.Context(), attemptID, claims.UserID); err != nil {
		status, code := errorStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).Msg("Verify attempt failed")
		}
		response.Fail(c, status, code)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	studentID := claims.UserID
	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("attempt_id", attemptID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")

	ctx := c.Request.Context()
	for {
		action, raw, err := ws.ReadAction(conn)
		if err != nil {
			if raw != nil {
				// Malformed frame: report and keep the stream.
				_ = ws.WriteError(conn, "malformed message")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch action {
		case ws.ActionViolation:
			var req ws.ViolationRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				_ = ws.WriteError(conn, "malformed violation")
				continue
			}
			count, err := h.attempts.RecordViolation(ctx, attemptID, studentID, req.Kind, req.Count, req.OccurredAt)
			if err != nil {
				if errors.Is(err, service.ErrInvalidViolation) {
					_ = ws.WriteError(conn, "invalid violation")
					continue
				}
				wsLog.Error().Err(err).Msg("Record violation failed")
				_ = ws.WriteError(conn, "violation not recorded")
				continue
			}
			wsLog.Info().Str("kind", string(req.Kind)).Int("count", count).Msg("Violation recorded")
			_ = ws.WriteTyped(conn, ws.AckResponse{Event: ws.EventAck, Count: count})
		case ws.ActionPing:
			_ = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(action)).Msg("Unknown action")
			_ = ws.WriteError(conn, "unknown action: "+string(action))
		}
	}
}
