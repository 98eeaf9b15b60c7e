package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

func writeEnvelope(w http.ResponseWriter, status int, data interface{}, errBody *response.ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response.Response{Data: data, Error: errBody})
}

func TestAttemptClient_FetchExam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/student/attempts/a-1/exam", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		remaining := 1200
		writeEnvelope(w, http.StatusOK, model.ExamPaper{
			AttemptID:        "a-1",
			ExamID:           "e-1",
			Title:            "Chemistry",
			Mode:             model.ExamModeLive,
			DurationSeconds:  1800,
			TotalQuestions:   1,
			RemainingSeconds: &remaining,
			Questions: []model.Question{{
				ID: "q1", Text: "H2O is", Options: []model.Option{{ID: "A", Text: "water"}},
			}},
		}, nil)
	}))
	defer srv.Close()

	c := NewAttemptClient(srv.URL+"/api/v1", "tok", time.Second, zerolog.Nop())
	paper, err := c.FetchExam(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, "Chemistry", paper.Title)
	assert.Equal(t, model.ExamModeLive, paper.Mode)
	require.NotNil(t, paper.RemainingSeconds)
	assert.Equal(t, 1200, *paper.RemainingSeconds)
	require.Len(t, paper.Questions, 1)
}

func TestAttemptClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      response.ErrCode
		transient bool
	}{
		{"not assigned", http.StatusNotFound, response.ErrAttemptNotFound, false},
		{"outside window", http.StatusForbidden, response.ErrExamNotAvailable, false},
		{"already submitted", http.StatusConflict, response.ErrAttemptAlreadySubmitted, false},
		{"server error", http.StatusInternalServerError, response.ErrInternal, true},
		{"bad gateway without envelope", http.StatusBadGateway, "", true},
		{"throttled", http.StatusTooManyRequests, "", true},
		{"timeout", http.StatusRequestTimeout, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.code == "" {
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte("upstream unavailable"))
					return
				}
				writeEnvelope(w, tt.status, nil, &response.ErrorBody{Code: tt.code, Message: response.GetMessage(tt.code)})
			}))
			defer srv.Close()

			c := NewAttemptClient(srv.URL, "", time.Second, zerolog.Nop())
			_, err := c.FetchExam(context.Background(), "a-1")
			require.Error(t, err)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.transient, apiErr.Transient())
			if tt.code != "" {
				assert.True(t, IsCode(err, tt.code))
			}
		})
	}
}

func TestAttemptClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewAttemptClient(url, "", time.Second, zerolog.Nop())
	_, err := c.Submit(context.Background(), &model.SubmitRequest{AttemptID: "a-1"})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Transient())
}

func TestAttemptClient_Submit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/student/attempts/a-1/submit", r.URL.Path)

		var req model.SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a-1", req.AttemptID)
		assert.Equal(t, "C", req.Answers["q3"])
		assert.Equal(t, 2, req.ViolationCount)
		assert.Equal(t, model.SubmitReasonViolation, req.Reason)

		writeEnvelope(w, http.StatusOK, model.SubmitResponse{Success: true, Message: "submitted"}, nil)
	}))
	defer srv.Close()

	c := NewAttemptClient(srv.URL, "", time.Second, zerolog.Nop())
	res, err := c.Submit(context.Background(), &model.SubmitRequest{
		AttemptID:      "a-1",
		Answers:        map[string]string{"q3": "C"},
		ViolationCount: 2,
		Reason:         model.SubmitReasonViolation,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "submitted", res.Message)
}

func TestReporter_ReportAndPing(t *testing.T) {
	upgrader := websocket.Upgrader{}
	got := make(chan ws.ViolationRequest, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			action, raw, err := ws.ReadAction(conn)
			if err != nil {
				return
			}
			switch action {
			case ws.ActionViolation:
				var v ws.ViolationRequest
				_ = json.Unmarshal(raw, &v)
				got <- v
				_ = ws.WriteTyped(conn, ws.AckResponse{Event: ws.EventAck, Count: v.Count})
			case ws.ActionPing:
				_ = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
			}
		}
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	r := NewReporter(base, "tok", "a-1", zerolog.Nop())
	defer r.Close()

	require.NoError(t, r.Report(context.Background(), model.ViolationHidden, 1))
	v := <-got
	assert.Equal(t, model.ViolationHidden, v.Kind)
	assert.Equal(t, 1, v.Count)

	assert.NoError(t, r.Ping(context.Background()))
}
