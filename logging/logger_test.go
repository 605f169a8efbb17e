package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(buf *bytes.Buffer) *Logger {
	return New(Config{Level: slog.LevelDebug, Format: "json", Component: ComponentHTTP, Output: buf})
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf).WithComponent(ComponentLedger)

	logger.Info("hello", FieldCard, "4111")

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, ComponentLedger, got[0][FieldComponent])
	assert.Equal(t, "4111", got[0][FieldCard])
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestMiddleware_LevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Middleware(jsonLogger(&buf)))
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/bad", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	got := lines(t, &buf)
	require.Len(t, got, 4) // start + end per request
	assert.Equal(t, "INFO", got[1]["level"])
	assert.Equal(t, float64(200), got[1][FieldStatusCode])
	assert.Equal(t, "WARN", got[3]["level"])
	assert.NotEmpty(t, got[3][FieldRequestID])
}
