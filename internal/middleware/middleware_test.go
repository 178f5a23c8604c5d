package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"threadrecall/internal/logging"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddleware_RequestID(t *testing.T) {
	var sawLogger bool
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawLogger = logging.LoggerFromContext(r.Context()) != slog.Default()
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.True(t, sawLogger)
	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	assert.NoError(t, err)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", id)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "not a uuid\n")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.NotEqual(t, "not a uuid\n", rec.Header().Get("X-Request-ID"))
}

func TestMetricsMiddleware_RouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/items/{id}", routeName(r))
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/42", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, "unmatched", routeName(httptest.NewRequest(http.MethodGet, "/nope", nil)))
}

func TestIPLimiters(t *testing.T) {
	limiters := NewIPLimiters(1, 2)
	handler := limiters.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote, forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/query", nil)
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000", ""))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1001", ""))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1002", ""), "same host, other port")
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000", ""))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000", "203.0.113.7, 10.0.0.1"))

	require.Equal(t, 3, limiters.Len())
	assert.Equal(t, 0, limiters.Cleanup(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 3, limiters.Cleanup(time.Millisecond))
	assert.Equal(t, 0, limiters.Len())
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", getClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.4")
	assert.Equal(t, "203.0.113.9", getClientIP(req))
}
