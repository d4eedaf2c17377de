package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/synergy-network/synergy-node/internal/api/errors"
	"github.com/synergy-network/synergy-node/internal/auth"
)

type contextKey string

// OperatorIDKey is the context key for the authenticated operator.
const OperatorIDKey contextKey = "operator_id"

// GetOperatorID extracts the operator ID from the request context.
func GetOperatorID(ctx context.Context) string {
	if v, ok := ctx.Value(OperatorIDKey).(string); ok {
		return v
	}
	return ""
}

// AuthMiddleware handles JWT and API key authentication.
type AuthMiddleware struct {
	authService  *auth.Service
	apiKeyHeader string
	logger       *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authService *auth.Service, apiKeyHeader string, logger *slog.Logger) *AuthMiddleware {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		authService:  authService,
		apiKeyHeader: apiKeyHeader,
		logger:       logger,
	}
}

// Authenticate accepts the operator API key header or a bearer token and
// rejects everything else with 401.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := chimiddleware.GetReqID(r.Context())

		var operatorID string
		if key := r.Header.Get(m.apiKeyHeader); key != "" {
			if err := m.authService.ValidateAPIKey(key); err != nil {
				m.logger.Debug("API key validation failed", "request_id", requestID)
				unauthorized(w, "Invalid API key", requestID)
				return
			}
			operatorID = auth.APIKeyOperator
		} else {
			token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				unauthorized(w, "Missing authentication", requestID)
				return
			}
			claims, err := m.authService.ValidateToken(token)
			if err != nil {
				m.logger.Debug("JWT validation failed", "error", err, "request_id", requestID)
				if errors.Is(err, auth.ErrExpiredToken) {
					unauthorized(w, "Token has expired", requestID)
					return
				}
				unauthorized(w, "Invalid token", requestID)
				return
			}
			operatorID = claims.OperatorID
		}

		ctx := context.WithValue(r.Context(), OperatorIDKey, operatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, message, requestID string) {
	apierrors.WriteError(w, apierrors.NewUnauthorizedError(message).WithRequestID(requestID))
}
