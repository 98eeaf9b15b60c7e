// Package client talks to the attempt server: exam fetch and submission over
// HTTP, violation audit over a websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
)

// Error is a failed call to the attempt server. Network failures carry Err
// and no Status.
type Error struct {
	Op      string
	Status  int
	Code    response.ErrCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Code)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether repeating the call may succeed: network errors,
// timeouts, throttling and 5xx answers.
func (e *Error) Transient() bool {
	if e.Err != nil {
		return !errors.Is(e.Err, context.Canceled)
	}
	switch {
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// IsCode reports whether err is a server answer with the given code.
func IsCode(err error, code response.ErrCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// AttemptClient implements the exam fetch and submit calls.
type AttemptClient struct {
	http    *http.Client
	baseURL string
	token   string
	log     zerolog.Logger
}

// NewAttemptClient creates a client for the API rooted at baseURL
// (e.g. http://localhost:8080/api/v1).
func NewAttemptClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *AttemptClient {
	return &AttemptClient{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
		log:     log.With().Str("component", "attempt_client").Logger(),
	}
}

// FetchExam loads the exam paper of an attempt.
func (c *AttemptClient) FetchExam(ctx context.Context, attemptID string) (*model.ExamPaper, error) {
	var paper model.ExamPaper
	if err := c.do(ctx, "fetch exam", http.MethodGet, c.attemptURL(attemptID, "exam"), nil, &paper); err != nil {
		return nil, err
	}
	return &paper, nil
}

// Submit sends the terminal submission of an attempt.
func (c *AttemptClient) Submit(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	var out model.SubmitResponse
	if err := c.do(ctx, "submit attempt", http.MethodPost, c.attemptURL(req.AttemptID, "submit"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AttemptClient) attemptURL(attemptID, leaf string) string {
	return fmt.Sprintf("%s/student/attempts/%s/%s", c.baseURL, url.PathEscape(attemptID), leaf)
}

func (c *AttemptClient) do(ctx context.Context, op, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("op", op).Str("request_id", reqID).Msg("Request failed")
		return &Error{Op: op, Err: err}
	}
	defer res.Body.Close()

	var bodyReader io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "br" {
		bodyReader = brotli.NewReader(res.Body)
	}
	raw, err := io.ReadAll(bodyReader)
	if err != nil {
		return &Error{Op: op, Status: res.StatusCode, Err: err}
	}

	c.log.Debug().
		Str("op", op).
		Str("request_id", reqID).
		Int("status", res.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Request completed")

	env, decodeErr := response.DecodeEnvelope(raw, out)
	if res.StatusCode/100 != 2 {
		apiErr := &Error{Op: op, Status: res.StatusCode}
		if env != nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if decodeErr != nil {
		return &Error{Op: op, Status: res.StatusCode, Code: response.ErrInvalidPayload, Message: decodeErr.Error()}
	}
	return nil
}
