package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// **Feature: synergy-consensus, Property 1: Fault tolerance and primary rotation**
// For any membership size n, f is floor((n-1)/3) and the primary of view v is
// the member at index v mod n.
func TestPropertyFaultToleranceAndRotation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("f and primary follow membership order", prop.ForAll(
		func(n int, view uint64) bool {
			members := memberIDs(n)
			inst, err := New(DefaultConfig(members[0], members))
			if err != nil {
				return false
			}
			if inst.FaultTolerance() != (n-1)/3 {
				return false
			}
			return inst.PrimaryFor(view) == members[view%uint64(n)]
		},
		gen.IntRange(1, 40),
		gen.UInt64Range(0, 1<<20),
	))

	properties.TestingRun(t)
}

// **Feature: synergy-consensus, Property 2: Agreement under a healthy network**
// For any cluster size and any sequence of proposals, every member commits
// every sequence number exactly once with the same digest and content.
func TestPropertyAgreement(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("all members commit identical results", prop.ForAll(
		func(n int, payloads []string) bool {
			net := newTestNetwork(t, n)
			for k, p := range payloads {
				net.propose(t, "n0", []byte(fmt.Sprintf("%d:%s", k, p)))
			}
			ref := net.committed["n0"]
			if len(ref) != len(payloads) {
				return false
			}
			for _, id := range net.order {
				got := net.committed[id]
				if len(got) != len(ref) {
					return false
				}
				for k := range got {
					if got[k].Sequence != uint64(k+1) || got[k].Digest != ref[k].Digest || string(got[k].Content) != string(ref[k].Content) {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.SliceOfN(5, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// **Feature: synergy-consensus, Property 3: Views advance one at a time**
// For any number of expired deadlines, each expiry moves the view forward by
// exactly one and the view never decreases.
func TestPropertyViewMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("each timeout adds exactly one view", prop.ForAll(
		func(timeouts int) bool {
			clock := newFakeClock()
			inst := newTestInstance(t, "n1", memberIDs(4), clock)
			inst.TriggerViewChange()
			for k := 0; k < timeouts; k++ {
				before := inst.View()
				clock.Advance(DefaultViewChangeTimeout + time.Millisecond)
				res := inst.CheckTimers(clock.Now())
				if !res.ViewChanged || res.View != before+1 || inst.View() != before+1 {
					return false
				}
			}
			return inst.View() == uint64(timeouts)+1 && inst.FailedViews() == timeouts
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

// **Feature: synergy-consensus, Property 4: Snapshot round trip**
// For any history of proposals, restoring a snapshot yields an instance whose
// snapshot is identical to the original.
func TestPropertySnapshotRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("restore reproduces state", prop.ForAll(
		func(n int, proposals int, dropCommits bool) bool {
			net := newTestNetwork(t, n)
			if dropCommits {
				net.filter = func(from, to string, m Message) bool {
					_, isCommit := m.(*Commit)
					return !isCommit
				}
			}
			for k := 0; k < proposals; k++ {
				net.propose(t, "n0", []byte(fmt.Sprintf("p%d", k)))
			}

			node := net.nodes[net.order[n-1]]
			data, err := node.MarshalSnapshot()
			if err != nil {
				return false
			}
			cfg := DefaultConfig(node.NodeID(), node.Members())
			cfg.Now = net.clock.Now
			restored, err := Restore(cfg, data)
			if err != nil {
				return false
			}
			again, err := restored.MarshalSnapshot()
			if err != nil {
				return false
			}
			return string(again) == string(data)
		},
		gen.IntRange(1, 7),
		gen.IntRange(0, 4),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
