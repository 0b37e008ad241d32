package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevel(t *testing.T) {
	logger, err := NewWithWriter(&bytes.Buffer{}, "warn", "json")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	_, err = NewWithWriter(&bytes.Buffer{}, "loud", "json")
	assert.Error(t, err)
}

func TestAccessLogCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "info", "json")
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(AccessLog(logger))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	router.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "request", line["message"])
	assert.Equal(t, "req-123", line["request_id"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Equal(t, "/healthz", line["path"])
}
