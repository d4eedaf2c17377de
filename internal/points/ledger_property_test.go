package points

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/synergy-network/synergy-node/internal/models"
)

// **Feature: synergy-points, Property 1: Block reward conservation**
// For any participants and points, a points-weighted split pays out exactly
// the total, and an equal split never pays out more than the total.
func TestPropertyBlockRewardConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("rewards sum to the total", prop.ForAll(
		func(total uint64, pts []uint64) bool {
			now := epoch0
			l := newTestLedger(&now)
			ids := make([]string, len(pts))
			var sum uint64
			for k, p := range pts {
				ids[k] = fmt.Sprintf("v%d", k)
				l.metrics[ids[k]] = &models.SynergyMetrics{TotalPoints: p}
				sum += p
			}

			rewards := l.DistributeBlockReward(total, ids)
			if len(rewards) != len(ids) {
				return false
			}
			var paid uint64
			for _, r := range rewards {
				paid += r
			}
			if sum == 0 {
				return paid <= total && total-paid < uint64(len(ids))
			}
			return paid == total
		},
		gen.UInt64Range(0, 1<<40),
		gen.SliceOfN(6, gen.UInt64Range(0, 1<<20)).SuchThat(func(v []uint64) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}

// **Feature: synergy-points, Property 2: Decay never increases points**
// For any points balance and idle interval, decay leaves points unchanged
// with no idle time and never raises them. Decaying in many small steps ends
// at the same balance as decaying once.
func TestPropertyDecayMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("decay is non-increasing", prop.ForAll(
		func(points uint64, idleHours int64) bool {
			now := epoch0
			l := newTestLedger(&now)
			l.metrics["v1"] = &models.SynergyMetrics{TotalPoints: points, LastActive: epoch0}

			out := l.ApplyPointsDecay(epoch0.Add(time.Duration(idleHours) * time.Hour))
			if idleHours == 0 {
				return out["v1"] == points
			}
			return out["v1"] <= points
		},
		gen.UInt64Range(0, 1<<32),
		gen.Int64Range(0, 24*30),
	))

	properties.Property("stepwise decay matches a single pass", prop.ForAll(
		func(points uint64, idleHours int64, steps int) bool {
			now := epoch0
			once := newTestLedger(&now)
			stepped := newTestLedger(&now)
			once.metrics["v1"] = &models.SynergyMetrics{TotalPoints: points, ActivePoints: points, LastActive: epoch0}
			stepped.metrics["v1"] = &models.SynergyMetrics{TotalPoints: points, ActivePoints: points, LastActive: epoch0}

			end := epoch0.Add(time.Duration(idleHours) * time.Hour)
			for k := 1; k <= steps; k++ {
				stepped.ApplyPointsDecay(epoch0.Add(end.Sub(epoch0) * time.Duration(k) / time.Duration(steps)))
			}
			return once.ApplyPointsDecay(end)["v1"] == stepped.Points("v1")
		},
		gen.UInt64Range(0, 1<<32),
		gen.Int64Range(0, 24*30),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

// **Feature: synergy-points, Property 3: Ranking order**
// For any set of balances, the top validators are sorted by points descending.
func TestPropertyTopValidatorsSorted(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("standings are ordered", prop.ForAll(
		func(pts []uint64, limit int) bool {
			now := epoch0
			l := newTestLedger(&now)
			for k, p := range pts {
				l.metrics[fmt.Sprintf("v%d", k)] = &models.SynergyMetrics{TotalPoints: p}
			}
			top := l.GetTopValidators(limit)
			if len(top) > limit {
				return false
			}
			for k := 1; k < len(top); k++ {
				if top[k-1].Points < top[k].Points {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64Range(0, 1000)),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
