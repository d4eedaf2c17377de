package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"

	apierrors "github.com/synergy-network/synergy-node/internal/api/errors"
	"github.com/synergy-network/synergy-node/internal/auth"
	"github.com/synergy-network/synergy-node/pkg/logger"
)

func newAuthService(t *testing.T, apiKey string) *auth.Service {
	t.Helper()
	cfg := &auth.Config{
		JWTSecret:   []byte(strings.Repeat("x", auth.MinSecretLength)),
		TokenExpiry: time.Hour,
	}
	if apiKey != "" {
		hash, err := auth.HashAPIKey(apiKey)
		require.NoError(t, err)
		cfg.APIKeyHash = hash
	}
	svc, err := auth.NewService(cfg, logger.Discard())
	require.NoError(t, err)
	return svc
}

func echoOperator() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetOperatorID(r.Context())))
	})
}

func TestAuthenticate(t *testing.T) {
	const key = "syn_test-key"
	svc := newAuthService(t, key)
	token, err := svc.GenerateToken("alice")
	require.NoError(t, err)

	h := NewAuthMiddleware(svc, "", logger.Discard()).Authenticate(echoOperator())

	tests := []struct {
		name     string
		header   string
		value    string
		status   int
		operator string
	}{
		{"bearer token", "Authorization", "Bearer " + token, http.StatusOK, "alice"},
		{"api key", "X-API-Key", key, http.StatusOK, auth.APIKeyOperator},
		{"wrong api key", "X-API-Key", "nope", http.StatusUnauthorized, ""},
		{"bad token", "Authorization", "Bearer nope", http.StatusUnauthorized, ""},
		{"no credentials", "", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/clusters", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				require.Equal(t, tt.operator, rec.Body.String())
				return
			}
			var body apierrors.APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, apierrors.CodeUnauthorized, body.Code)
		})
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/clusters", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body apierrors.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, apierrors.CodeInternalError, body.Code)
	require.Contains(t, buf.String(), "panic recovered")
}

func TestRequestLoggerQuietPaths(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Empty(t, buf.String())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/clusters", nil))
	require.Contains(t, buf.String(), `"path":"/v1/clusters"`)
}

func TestRequestLoggerCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	h := chimiddleware.RequestID(RequestLogger(logger.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
		logger.FromContext(r.Context(), log).Info("handled")
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/clusters", nil)
	req.Header.Set(chimiddleware.RequestIDHeader, "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, "req-42", seen)
	require.Contains(t, buf.String(), `"request_id":"req-42"`)
}
