package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/synergy-network/synergy-node/internal/api/errors"
)

// Recovery returns a middleware that recovers from panics and logs the error.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestID := middleware.GetReqID(r.Context())
				logger.Error("panic recovered",
					"error", rec,
					"stack_trace", string(debug.Stack()),
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
				)
				apierrors.WriteError(w, apierrors.NewInternalError("An unexpected error occurred").WithRequestID(requestID))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
