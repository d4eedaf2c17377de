package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/engine"
	"github.com/synergy-network/synergy-node/internal/tasks"
)

// **Feature: operator-api, Property 1: Error responses carry code and status**
// For any code and message, the written body decodes to the same code and
// message and the HTTP status matches the code.
func TestWriteErrorShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	codes := []string{
		CodeValidationError, CodeNotFound, CodeUnauthorized, CodeForbidden,
		CodeInternalError, CodeConflict, CodeUnavailable,
	}

	properties.Property("body and status agree with the error", prop.ForAll(
		func(idx int, message, requestID string) bool {
			apiErr := New(codes[idx], message).WithRequestID(requestID)
			rec := httptest.NewRecorder()
			WriteError(rec, apiErr)

			var body APIError
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				return false
			}
			return rec.Code == apiErr.HTTPStatusCode() &&
				body.Code == codes[idx] &&
				body.Message == message &&
				body.RequestID == requestID &&
				rec.Header().Get("Content-Type") == "application/json"
		},
		gen.IntRange(0, len(codes)-1),
		gen.AlphaString(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestFromDomain(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("lookup: %w", cluster.ErrValidatorNotFound), http.StatusNotFound},
		{cluster.ErrClusterNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: t1", tasks.ErrTaskNotFound), http.StatusNotFound},
		{engine.ErrNoInstance, http.StatusNotFound},
		{cluster.ErrNoClusterFormed, http.StatusConflict},
		{cluster.ErrNoSuitableCluster, http.StatusConflict},
		{tasks.ErrTaskExists, http.StatusConflict},
		{fmt.Errorf("%w: bad type", tasks.ErrInvalidTask), http.StatusBadRequest},
		{engine.ErrNotRunning, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			apiErr, ok := FromDomain(tt.err)
			require.True(t, ok)
			require.Equal(t, tt.status, apiErr.HTTPStatusCode())
		})
	}

	_, ok := FromDomain(fmt.Errorf("disk on fire"))
	require.False(t, ok)
}

func TestValidationErrors(t *testing.T) {
	var v ValidationErrors
	require.False(t, v.HasErrors())
	require.Equal(t, "validation failed", v.ToAPIError().Message)

	v.Add("min_validators", "must be positive")
	v.Add("max_validators", "must be at least min_validators")
	require.True(t, v.HasErrors())

	apiErr := v.ToAPIError()
	require.Equal(t, CodeValidationError, apiErr.Code)
	require.Equal(t, "must be positive (and 1 more errors)", apiErr.Message)
	require.Len(t, apiErr.Details["fields"], 2)
}

func TestWithDetailsCopies(t *testing.T) {
	base := NewNotFoundError("missing")
	detailed := base.WithDetails(map[string]any{"path": "/v1/nope"})

	require.Nil(t, base.Details)
	require.Equal(t, "/v1/nope", detailed.Details["path"])
	require.Equal(t, CodeNotFound, detailed.Code)
	require.Equal(t, http.StatusNotFound, detailed.HTTPStatusCode())
}
