package points

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/pkg/logger"
)

var epoch0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(now *time.Time) *Ledger {
	l := NewLedger(nil, logger.Discard())
	l.now = func() time.Time { return *now }
	return l
}

func TestCalculateTaskPoints(t *testing.T) {
	now := epoch0
	l := newTestLedger(&now)

	points := l.CalculateTaskPoints(1.0, 8*time.Second, 10*time.Second, "v1")
	require.Equal(t, uint64(12), points)

	m := l.Metrics("v1")
	require.Equal(t, uint64(12), m.TotalPoints)
	require.Equal(t, uint64(1), m.TasksCompleted)
	require.Equal(t, uint64(1), m.ConsecutiveSuccesses)
	require.Equal(t, epoch0, m.LastActive)
	require.Equal(t, []models.PointsAward{{At: epoch0, Points: 12}}, m.History)
}

func TestCalculateTaskPointsMultipliers(t *testing.T) {
	tests := []struct {
		name       string
		complexity float64
		completion time.Duration
		baseline   time.Duration
		want       uint64
	}{
		{name: "efficiency capped", complexity: 1, completion: time.Second, baseline: 10 * time.Second, want: 20},
		{name: "instant completion", complexity: 1, completion: 0, baseline: 10 * time.Second, want: 20},
		{name: "slow completion", complexity: 2, completion: 15 * time.Second, baseline: 10 * time.Second, want: 13},
		{name: "negative complexity", complexity: -1, completion: time.Second, baseline: time.Second, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := epoch0
			l := newTestLedger(&now)
			got := l.CalculateTaskPoints(tt.complexity, tt.completion, tt.baseline, "v1")
			require.Equal(t, tt.want, got)
		})
	}
}

func TestConsistencyMultiplier(t *testing.T) {
	now := epoch0
	l := newTestLedger(&now)

	// Streaks grow the multiplier by 1% per success up to 1.5.
	for k := 0; k < 50; k++ {
		l.CalculateTaskPoints(10, time.Second, time.Second, "v1")
	}
	require.Equal(t, uint64(150), l.CalculateTaskPoints(10, time.Second, time.Second, "v1"))
	require.Equal(t, uint64(150), l.CalculateTaskPoints(10, time.Second, time.Second, "v1"))

	l.RecordTaskFailure("v1")
	require.Equal(t, uint64(0), l.Metrics("v1").ConsecutiveSuccesses)
	require.Equal(t, uint64(100), l.CalculateTaskPoints(10, time.Second, time.Second, "v1"))
}

func TestHistoryIsBounded(t *testing.T) {
	now := epoch0
	l := newTestLedger(&now)

	for k := 0; k < DefaultHistoryLimit+20; k++ {
		now = now.Add(time.Second)
		l.CalculateTaskPoints(1, time.Second, time.Second, "v1")
	}

	m := l.Metrics("v1")
	require.Len(t, m.History, DefaultHistoryLimit)
	require.Equal(t, now, m.History[len(m.History)-1].At)
	require.Equal(t, uint64(DefaultHistoryLimit+20), m.TasksCompleted)
}

func TestRecordTaskFailureKeepsPoints(t *testing.T) {
	now := epoch0
	l := newTestLedger(&now)
	l.CalculateTaskPoints(1, 8*time.Second, 10*time.Second, "v1")

	now = now.Add(time.Hour)
	l.RecordTaskFailure("v1")

	m := l.Metrics("v1")
	require.Equal(t, uint64(12), m.TotalPoints)
	require.Equal(t, now, m.LastActive)

	// Failures alone create an entry with zero points.
	l.RecordTaskFailure("v2")
	require.Equal(t, uint64(0), l.Points("v2"))
	require.Equal(t, 2, l.Len())
}

func TestApplyPointsDecay(t *testing.T) {
	now := epoch0
	l := newTestLedger(&now)
	for k := 0; k < 10; k++ {
		l.CalculateTaskPoints(1, time.Second, time.Second, "v1")
	}
	l.metrics["v1"].TotalPoints = 100
	l.metrics["v1"].ActivePoints = 100

	tests := []struct {
		name string
		idle time.Duration
		want uint64
	}{
		{"no idle time", 0, 100},
		{"half an epoch", 12 * time.Hour, 97},
		{"one and a half epochs", 36 * time.Hour, 92},
		{"same instant again", 36 * time.Hour, 92},
		{"two epochs", 2 * DefaultEpochDuration, 90},
		{"earlier instant never restores points", DefaultEpochDuration, 90},
		{"three epochs", 3 * DefaultEpochDuration, 85},
	}
	for _, tt := range tests {
		out := l.ApplyPointsDecay(epoch0.Add(tt.idle))
		require.Equal(t, tt.want, out["v1"], tt.name)
		require.Equal(t, tt.want, l.Points("v1"), tt.name)
	}

	// Activity resets the base the next decay is computed from.
	now = epoch0.Add(3 * DefaultEpochDuration)
	l.RecordTaskFailure("v1")
	require.Equal(t, uint64(85), l.Metrics("v1").ActivePoints)
	out := l.ApplyPointsDecay(now.Add(DefaultEpochDuration))
	require.Equal(t, uint64(80), out["v1"])
}

func TestDistributeBlockReward(t *testing.T) {
	now := epoch0
	l := newTestLedger(&now)

	require.Empty(t, l.DistributeBlockReward(100, nil))
	require.Equal(t, map[string]uint64{"v1": 50, "v2": 50}, l.DistributeBlockReward(100, []string{"v1", "v2"}))
	require.Equal(t, map[string]uint64{"v1": 33, "v2": 33, "v3": 33}, l.DistributeBlockReward(100, []string{"v1", "v2", "v3"}))

	l.metrics["v1"] = &models.SynergyMetrics{TotalPoints: 1}
	l.metrics["v2"] = &models.SynergyMetrics{TotalPoints: 1}
	l.metrics["v3"] = &models.SynergyMetrics{TotalPoints: 1}
	rewards := l.DistributeBlockReward(100, []string{"v2", "v1", "v3"})
	require.Equal(t, map[string]uint64{"v1": 33, "v2": 34, "v3": 33}, rewards)

	l.metrics["v3"].TotalPoints = 2
	rewards = l.DistributeBlockReward(10, []string{"v1", "v2", "v3"})
	require.Equal(t, map[string]uint64{"v1": 2, "v2": 2, "v3": 6}, rewards)

	// Duplicate participants are paid once.
	rewards = l.DistributeBlockReward(10, []string{"v3", "v3"})
	require.Equal(t, map[string]uint64{"v3": 10}, rewards)
}

func TestGetTopValidators(t *testing.T) {
	now := epoch0
	l := newTestLedger(&now)
	l.metrics["a"] = &models.SynergyMetrics{TotalPoints: 5}
	l.metrics["b"] = &models.SynergyMetrics{TotalPoints: 9}
	l.metrics["c"] = &models.SynergyMetrics{TotalPoints: 5}
	l.metrics["d"] = &models.SynergyMetrics{TotalPoints: 1}

	require.Equal(t, []models.ValidatorStanding{
		{ValidatorID: "b", Points: 9},
		{ValidatorID: "a", Points: 5},
		{ValidatorID: "c", Points: 5},
	}, l.GetTopValidators(3))

	tests := []struct {
		limit int
		want  []string
	}{
		{-1, []string{}},
		{0, []string{}},
		{1, []string{"b"}},
		{4, []string{"b", "a", "c", "d"}},
		{10, []string{"b", "a", "c", "d"}},
	}
	for _, tt := range tests {
		top := l.GetTopValidators(tt.limit)
		ids := make([]string, 0, len(top))
		for _, s := range top {
			ids = append(ids, s.ValidatorID)
		}
		require.Equal(t, tt.want, ids, "limit %d", tt.limit)
	}
	require.Len(t, l.Standings(), 4)
}

func TestLedgerSnapshotRoundTrip(t *testing.T) {
	now := epoch0
	l := newTestLedger(&now)
	for k := 0; k < 5; k++ {
		now = now.Add(time.Minute)
		l.CalculateTaskPoints(float64(k+1), 8*time.Second, 10*time.Second, "v1")
	}
	l.RecordTaskFailure("v2")
	l.ApplyPointsDecay(now.Add(3 * DefaultEpochDuration))

	data, err := l.MarshalSnapshot()
	require.NoError(t, err)

	restored, err := Restore(nil, logger.Discard(), data)
	require.NoError(t, err)

	again, err := restored.MarshalSnapshot()
	require.NoError(t, err)
	require.Equal(t, data, again)
	require.Equal(t, l.Points("v1"), restored.Points("v1"))
	require.Len(t, restored.Metrics("v1").History, 5)
}

func TestRestoreRejectsCorruptLedger(t *testing.T) {
	bad := &Snapshot{Validators: []ValidatorRecord{
		{ValidatorID: "v1", Metrics: models.SynergyMetrics{History: []models.PointsAward{}}},
		{ValidatorID: "v1", Metrics: models.SynergyMetrics{History: []models.PointsAward{}}},
	}}
	data, err := snapshot.Encode(snapshot.KindPoints, SnapshotVersion, bad)
	require.NoError(t, err)

	_, err = Restore(nil, logger.Discard(), data)
	require.ErrorIs(t, err, snapshot.ErrCorrupt)

	data, err = snapshot.Encode(snapshot.KindPoints, SnapshotVersion+1, &Snapshot{})
	require.NoError(t, err)
	_, err = Restore(nil, logger.Discard(), data)
	require.ErrorIs(t, err, snapshot.ErrVersionMismatch)
}
