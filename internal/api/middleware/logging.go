// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/synergy-network/synergy-node/pkg/logger"
)

// quietPaths are polled by health checkers and scrapers and logged at debug.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// RequestLogger returns a middleware that logs HTTP requests and carries the
// request ID into the context for handler logging.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			r = r.WithContext(logger.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context())))

			defer func() {
				level := slog.LevelInfo
				switch {
				case ww.Status() >= http.StatusInternalServerError:
					level = slog.LevelError
				case quietPaths[r.URL.Path]:
					level = slog.LevelDebug
				}
				log.Log(r.Context(), level, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", middleware.GetReqID(r.Context()),
					"operator_id", GetOperatorID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
