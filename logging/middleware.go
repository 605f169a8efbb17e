package logging

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Middleware logs the start and end of every request. The end line is
// logged at Warn for 4xx and Error for 5xx. Must run after chi's RequestID.
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := logger.With(
				FieldRequestID, middleware.GetReqID(r.Context()),
				FieldMethod, r.Method,
				FieldPath, r.URL.Path,
			)
			reqLogger.Debug("HTTP request started",
				FieldQuery, r.URL.RawQuery,
				FieldClientIP, r.RemoteAddr,
				FieldUserAgent, r.UserAgent(),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= 400 && status < 500 {
				level = slog.LevelWarn
			} else if status >= 500 {
				level = slog.LevelError
			}

			reqLogger.Log(r.Context(), level, "HTTP request completed",
				FieldStatusCode, status,
				FieldDuration, time.Since(start).Milliseconds(),
				FieldBytes, ww.BytesWritten(),
			)
		})
	}
}
