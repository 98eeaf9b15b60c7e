package websocket

import "github.com/stemsi/exstem-attempt/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionViolation Action = "violation"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ViolationRequest reports one counted integrity violation for audit.
type ViolationRequest struct {
	Action     Action              `json:"action"`
	Kind       model.ViolationKind `json:"kind"`
	Count      int                 `json:"count"`
	OccurredAt int64               `json:"occurred_at"` // unix millis on the client
}

// PingRequest keeps the stream alive.
type PingRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError Event = "error"
	EventAck   Event = "ack"
	EventPong  Event = "pong"
)

type AckResponse struct {
	Event Event `json:"event"`
	Count int   `json:"count"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// ResponseEnvelope is used by clients to peek at the event type.
type ResponseEnvelope struct {
	Event Event  `json:"event"`
	Count int    `json:"count,omitempty"`
	Error string `json:"error,omitempty"`
}
