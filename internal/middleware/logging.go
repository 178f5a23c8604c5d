package middleware

import (
	"net/http"
	"time"

	"threadrecall/internal/logging"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// LoggingMiddleware logs HTTP requests with structured logging and puts a
// request-scoped logger in the request context.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		rw.Header().Set(requestIDHeader, requestID)

		logger := logging.RequestLogger(r.Context(), requestID, r.Method, r.URL.Path)
		next.ServeHTTP(rw, r.WithContext(logging.ContextWithLogger(r.Context(), logger)))

		logger.Info("HTTP Request",
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"status_code", rw.statusCode,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
