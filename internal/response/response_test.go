package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, reqID string, h gin.HandlerFunc) (*httptest.ResponseRecorder, *Envelope) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", h)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	env, err := DecodeEnvelope(rec.Body.Bytes(), nil)
	require.NoError(t, err)
	return rec, env
}

func TestSuccessEnvelope(t *testing.T) {
	now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { now = time.Now })

	rec, env := serve(t, "client-abc.1", func(c *gin.Context) {
		Success(c, http.StatusOK, gin.H{"answer": 42})
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, env.Error)
	assert.Equal(t, "client-abc.1", env.Metadata.RequestID)
	assert.Equal(t, "client-abc.1", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "2026-03-01T08:00:00Z", env.Metadata.Timestamp)

	var data map[string]int
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 42, data["answer"])
}

func TestFailWithFields(t *testing.T) {
	rec, env := serve(t, "", func(c *gin.Context) {
		FailWithFields(c, http.StatusBadRequest, ErrValidation, map[string]string{"attemptId": "required"})
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrValidation, env.Error.Code)
	assert.Equal(t, GetMessage(ErrValidation), env.Error.Message)
	assert.Equal(t, "required", env.Error.Fields["attemptId"])
	assert.Len(t, env.Metadata.RequestID, 36)
}

func TestRequestIDRejectsUnsafeValues(t *testing.T) {
	for _, id := range []string{"has space", "<script>", string(make([]byte, 65))} {
		_, env := serve(t, id, func(c *gin.Context) { Success(c, http.StatusOK, nil) })
		assert.NotEqual(t, id, env.Metadata.RequestID)
		assert.Len(t, env.Metadata.RequestID, 36)
	}
}
