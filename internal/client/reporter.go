package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/model"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

// Reporter streams counted violations to the server for audit. Delivery is
// best effort: the authoritative count travels with the submission.
type Reporter struct {
	endpoint string
	dialer   *websocket.Dialer
	log      zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewReporter creates a reporter for one attempt. wsBaseURL is the websocket
// root (e.g. ws://localhost:8080/ws/v1).
func NewReporter(wsBaseURL, token, attemptID string, log zerolog.Logger) *Reporter {
	q := url.Values{}
	q.Set("token", token)
	return &Reporter{
		endpoint: fmt.Sprintf("%s/student/attempts/%s/stream?%s", wsBaseURL, url.PathEscape(attemptID), q.Encode()),
		dialer:   &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		log:      log.With().Str("component", "violation_reporter").Str("attempt_id", attemptID).Logger(),
	}
}

// Report sends one violation and waits for the server's ack. A broken
// connection is dropped and redialed on the next report.
func (r *Reporter) Report(ctx context.Context, kind model.ViolationKind, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.connLocked(ctx)
	if err != nil {
		return err
	}

	req := ws.ViolationRequest{
		Action:     ws.ActionViolation,
		Kind:       kind,
		Count:      count,
		OccurredAt: time.Now().UnixMilli(),
	}
	if err := ws.WriteTyped(conn, req); err != nil {
		r.dropLocked()
		return fmt.Errorf("send violation: %w", err)
	}

	var reply ws.ResponseEnvelope
	if err := ws.ReadJSON(conn, &reply); err != nil {
		r.dropLocked()
		return fmt.Errorf("read ack: %w", err)
	}
	if reply.Event == ws.EventError {
		return fmt.Errorf("server rejected violation: %s", reply.Error)
	}
	r.log.Debug().Str("kind", string(kind)).Int("count", count).Msg("Violation acknowledged")
	return nil
}

// Ping checks the stream is alive.
func (r *Reporter) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.connLocked(ctx)
	if err != nil {
		return err
	}
	if err := ws.WriteTyped(conn, ws.PingRequest{Action: ws.ActionPing}); err != nil {
		r.dropLocked()
		return fmt.Errorf("send ping: %w", err)
	}
	var reply ws.ResponseEnvelope
	if err := ws.ReadJSON(conn, &reply); err != nil {
		r.dropLocked()
		return fmt.Errorf("read pong: %w", err)
	}
	if reply.Event != ws.EventPong {
		return fmt.Errorf("unexpected reply %q", reply.Event)
	}
	return nil
}

// Close closes the stream if open.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := r.conn.Close()
	r.conn = nil
	return err
}

func (r *Reporter) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	conn, res, err := r.dialer.DialContext(ctx, r.endpoint, nil)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial violation stream: unauthorized")
		}
		return nil, fmt.Errorf("dial violation stream: %w", err)
	}
	r.conn = conn
	r.log.Info().Msg("Violation stream connected")
	return conn, nil
}

func (r *Reporter) dropLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}
