package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-attempt/internal/config"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func serveHealth(t *testing.T, h *HealthHandler) (int, healthReport) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", h.Health)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		Data healthReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body.Data
}

func TestHealthReportsQueueDepth(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	_, err := mr.Push(config.WorkerKey.PersistViolationsQueue, "a", "b")
	require.NoError(t, err)
	_, err = mr.Push(config.WorkerKey.ScoreAttemptsQueue, "c")
	require.NoError(t, err)

	code, rep := serveHealth(t, NewHealthHandler(fakePinger{}, rdb, zerolog.Nop()))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", rep.Status)
	assert.Equal(t, int64(2), rep.QueueViolations)
	assert.Equal(t, int64(1), rep.QueueScores)
}

func TestHealthDegradedWhenPostgresDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	code, rep := serveHealth(t, NewHealthHandler(fakePinger{err: errors.New("refused")}, rdb, zerolog.Nop()))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "down", rep.Postgres)
	assert.Equal(t, "ok", rep.Redis)
}

func TestHealthDegradedWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	code, rep := serveHealth(t, NewHealthHandler(fakePinger{}, rdb, zerolog.Nop()))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "down", rep.Redis)
}
