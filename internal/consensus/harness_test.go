package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/synergy-network/synergy-node/pkg/logger"
)

// fakeClock is a manually advanced clock shared by a test cluster.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func memberIDs(n int) []string {
	ids := make([]string, n)
	for k := range ids {
		ids[k] = fmt.Sprintf("n%d", k)
	}
	return ids
}

func newTestInstance(t *testing.T, nodeID string, members []string, clock *fakeClock) *Instance {
	t.Helper()
	cfg := DefaultConfig(nodeID, members)
	cfg.Now = clock.Now
	cfg.Logger = logger.Discard()
	inst, err := New(cfg)
	require.NoError(t, err)
	return inst
}

type envelope struct {
	from string
	msg  Message
}

// testNetwork delivers outboxes between in-process instances until quiet.
type testNetwork struct {
	order     []string
	nodes     map[string]*Instance
	down      map[string]bool
	filter    func(from, to string, m Message) bool
	committed map[string][]*Committed
	clock     *fakeClock
}

func newTestNetwork(t *testing.T, n int) *testNetwork {
	t.Helper()
	clock := newFakeClock()
	members := memberIDs(n)
	net := &testNetwork{
		order:     members,
		nodes:     make(map[string]*Instance, n),
		down:      make(map[string]bool),
		committed: make(map[string][]*Committed),
		clock:     clock,
	}
	for _, id := range members {
		net.nodes[id] = newTestInstance(t, id, members, clock)
	}
	return net
}

func (n *testNetwork) record(id string, c *Committed) {
	if c != nil {
		n.committed[id] = append(n.committed[id], c)
	}
}

func (n *testNetwork) propose(t *testing.T, from string, content []byte) uint64 {
	t.Helper()
	seq, out, err := n.nodes[from].StartConsensus(content)
	require.NoError(t, err)
	n.record(from, out.Committed)
	n.deliver(from, out.Outbox)
	return seq
}

func (n *testNetwork) tick(d time.Duration) {
	n.clock.Advance(d)
	for _, id := range n.order {
		if n.down[id] {
			continue
		}
		out := n.nodes[id].CheckTimers(n.clock.Now())
		n.deliver(id, out.Outbox)
	}
}

func (n *testNetwork) deliver(from string, msgs []Message) {
	queue := make([]envelope, 0, len(msgs))
	for _, m := range msgs {
		queue = append(queue, envelope{from: from, msg: m})
	}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		for _, id := range n.order {
			if id == e.from || n.down[id] {
				continue
			}
			if n.filter != nil && !n.filter(e.from, id, e.msg) {
				continue
			}
			out := n.nodes[id].ReceiveMessage(e.msg)
			n.record(id, out.Committed)
			for _, m := range out.Outbox {
				queue = append(queue, envelope{from: id, msg: m})
			}
		}
	}
}
