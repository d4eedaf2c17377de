package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.err
}

func statusCheck(s Status) CheckFunc {
	return func(ctx context.Context) ComponentStatus {
		return ComponentStatus{Status: s}
	}
}

// **Feature: node-health, Property 1: Overall status is the worst component**
// For any mix of component statuses, the aggregated status is unhealthy if any
// component is unhealthy, degraded if any is degraded, and healthy otherwise.
func TestPropertyOverallStatusIsWorst(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	all := []Status{StatusHealthy, StatusDegraded, StatusUnhealthy}

	properties.Property("aggregate is the worst status", prop.ForAll(
		func(idx []int) bool {
			c := NewChecker("n0", "v1")
			want := StatusHealthy
			for i, k := range idx {
				s := all[k]
				c.Register(string(rune('a'+i)), statusCheck(s))
				if s == StatusUnhealthy || (s == StatusDegraded && want == StatusHealthy) {
					want = s
				}
			}
			resp := c.Check(context.Background())
			return resp.Status == want && len(resp.Components) == len(idx)
		},
		gen.SliceOfN(5, gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

func TestHandlerStatusCodes(t *testing.T) {
	c := NewChecker("n0", "v1")
	c.RegisterPinger("store", &mockPinger{})

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, StatusHealthy, resp.Status)
	require.Equal(t, "n0", resp.NodeID)
	require.Equal(t, "v1", resp.Version)
	require.Equal(t, "connected", resp.Components["store"].Message)

	c.Register("engine", statusCheck(StatusDegraded))
	rec = httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	c.RegisterPinger("store", &mockPinger{err: errors.New("connection refused")})
	rec = httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Components["store"].Message, "connection refused")
}

func TestNilPingerIsUnhealthy(t *testing.T) {
	c := NewChecker("n0", "v1")
	c.RegisterPinger("store", nil)
	require.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestSetTimeoutBoundsChecks(t *testing.T) {
	c := NewChecker("n0", "v1")
	c.SetTimeout(20 * time.Millisecond)
	c.Register("slow", func(ctx context.Context) ComponentStatus {
		<-ctx.Done()
		return ComponentStatus{Status: StatusUnhealthy, Message: ctx.Err().Error()}
	})

	start := time.Now()
	resp := c.Check(context.Background())
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, StatusUnhealthy, resp.Status)
	require.Equal(t, context.DeadlineExceeded.Error(), resp.Components["slow"].Message)
}
