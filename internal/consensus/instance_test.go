package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFaultTolerance(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{n: 1, want: 0},
		{n: 3, want: 0},
		{n: 4, want: 1},
		{n: 6, want: 1},
		{n: 7, want: 2},
		{n: 15, want: 4},
	}

	clock := newFakeClock()
	for _, tt := range tests {
		members := memberIDs(tt.n)
		inst := newTestInstance(t, members[0], members, clock)
		require.Equal(t, tt.want, inst.FaultTolerance(), "n=%d", tt.n)
	}
}

func TestNewRejectsBadMembership(t *testing.T) {
	_, err := New(DefaultConfig("n0", nil))
	require.ErrorIs(t, err, ErrEmptyMembership)

	_, err = New(DefaultConfig("n0", []string{"n0", "n1", "n0"}))
	require.ErrorIs(t, err, ErrDuplicateMember)

	_, err = New(DefaultConfig("x", []string{"n0", "n1"}))
	require.ErrorIs(t, err, ErrNotMember)
}

func TestPrimaryRotation(t *testing.T) {
	members := memberIDs(4)
	inst := newTestInstance(t, "n0", members, newFakeClock())

	for view := uint64(0); view < 12; view++ {
		require.Equal(t, members[view%4], inst.PrimaryFor(view))
	}
}

func TestStartConsensusRequiresPrimary(t *testing.T) {
	members := memberIDs(4)
	backup := newTestInstance(t, "n1", members, newFakeClock())

	_, _, err := backup.StartConsensus([]byte(`{"task":"t-1"}`))
	require.ErrorIs(t, err, ErrNotPrimary)
	require.Equal(t, StateIdle, backup.State())
}

func TestQuorumThresholdsFourNodes(t *testing.T) {
	members := memberIDs(4)
	clock := newFakeClock()
	primary := newTestInstance(t, "n0", members, clock)
	backup := newTestInstance(t, "n1", members, clock)

	seq, out, err := primary.StartConsensus([]byte(`{"task":"t-1"}`))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	require.Len(t, out.Outbox, 1)
	pp := out.Outbox[0].(*PrePrepare)

	res := backup.ReceiveMessage(pp)
	require.True(t, res.Accepted)
	require.Equal(t, StatePrePrepared, backup.State())
	require.Len(t, res.Outbox, 1)
	require.IsType(t, &Prepare{}, res.Outbox[0])

	// Own prepare plus one more makes 2f = 2.
	res = backup.ReceiveMessage(&Prepare{Header: Header{View: 0, Sequence: seq, Sender: "n2"}, Digest: pp.Digest})
	require.True(t, res.Accepted)
	require.Equal(t, StatePrepared, backup.State())
	require.Len(t, res.Outbox, 1)
	require.IsType(t, &Commit{}, res.Outbox[0])
	require.Nil(t, res.Committed)

	// A third prepare does not re-emit the commit.
	res = backup.ReceiveMessage(&Prepare{Header: Header{View: 0, Sequence: seq, Sender: "n3"}, Digest: pp.Digest})
	require.True(t, res.Accepted)
	require.Empty(t, res.Outbox)

	// Own commit plus one is still below 2f+1 = 3.
	res = backup.ReceiveMessage(&Commit{Header: Header{View: 0, Sequence: seq, Sender: "n2"}, Digest: pp.Digest})
	require.True(t, res.Accepted)
	require.Nil(t, res.Committed)

	res = backup.ReceiveMessage(&Commit{Header: Header{View: 0, Sequence: seq, Sender: "n3"}, Digest: pp.Digest})
	require.True(t, res.Accepted)
	require.NotNil(t, res.Committed)
	require.Equal(t, StateCommitted, backup.State())
	require.Equal(t, []byte(`{"task":"t-1"}`), res.Committed.Content)
	require.Equal(t, []string{"n1", "n2", "n3"}, res.Committed.Voters)

	// Late commits never produce a second result.
	res = backup.ReceiveMessage(&Commit{Header: Header{View: 0, Sequence: seq, Sender: "n0"}, Digest: pp.Digest})
	require.True(t, res.Accepted)
	require.Nil(t, res.Committed)

	content, ok := backup.Result(seq)
	require.True(t, ok)
	require.Equal(t, []byte(`{"task":"t-1"}`), content)
}

func TestHappyPathCommitsEverywhereOnce(t *testing.T) {
	net := newTestNetwork(t, 4)
	seq := net.propose(t, "n0", []byte(`{"task":"t-1"}`))
	require.Equal(t, uint64(1), seq)

	for _, id := range net.order {
		require.Len(t, net.committed[id], 1, "node %s", id)
		require.Equal(t, seq, net.committed[id][0].Sequence)
		require.Equal(t, net.committed["n0"][0].Digest, net.committed[id][0].Digest)
	}

	seq = net.propose(t, "n0", []byte(`{"task":"t-2"}`))
	require.Equal(t, uint64(2), seq)
	for _, id := range net.order {
		require.Len(t, net.committed[id], 2, "node %s", id)
	}
}

func TestSingleMemberCommitsImmediately(t *testing.T) {
	inst := newTestInstance(t, "solo", []string{"solo"}, newFakeClock())

	_, out, err := inst.StartConsensus([]byte("x"))
	require.NoError(t, err)
	require.NotNil(t, out.Committed)
	require.Equal(t, StateCommitted, inst.State())
}

func TestReceiveMessageDrops(t *testing.T) {
	members := memberIDs(4)
	clock := newFakeClock()
	content := []byte(`{"task":"t-1"}`)
	digest := SHA256Digest(0, 1, content)

	tests := []struct {
		name  string
		setup func(b *Instance)
		msg   Message
		want  DropReason
	}{
		{
			name: "unknown sender",
			msg:  &Prepare{Header: Header{View: 0, Sequence: 1, Sender: "mallory"}, Digest: digest},
			want: DropUnknownSender,
		},
		{
			name: "pre-prepare from non-primary",
			msg:  &PrePrepare{Header: Header{View: 0, Sequence: 1, Sender: "n2"}, Digest: digest, Content: content},
			want: DropNotPrimary,
		},
		{
			name: "pre-prepare for another view",
			msg:  &PrePrepare{Header: Header{View: 3, Sequence: 1, Sender: "n3"}, Digest: SHA256Digest(3, 1, content), Content: content},
			want: DropViewMismatch,
		},
		{
			name: "pre-prepare with wrong digest",
			msg:  &PrePrepare{Header: Header{View: 0, Sequence: 1, Sender: "n0"}, Digest: SHA256Digest(0, 2, content), Content: content},
			want: DropBadDigest,
		},
		{
			name: "malformed digest",
			msg:  &Prepare{Header: Header{View: 0, Sequence: 1, Sender: "n2"}, Digest: "abc"},
			want: DropMalformed,
		},
		{
			name: "prepare before pre-prepare",
			msg:  &Prepare{Header: Header{View: 0, Sequence: 1, Sender: "n2"}, Digest: digest},
			want: DropNoPrePrepare,
		},
		{
			name: "commit for another view",
			msg:  &Commit{Header: Header{View: 1, Sequence: 1, Sender: "n2"}, Digest: digest},
			want: DropViewMismatch,
		},
		{
			name: "conflicting pre-prepare",
			setup: func(b *Instance) {
				b.ReceiveMessage(&PrePrepare{Header: Header{View: 0, Sequence: 1, Sender: "n0"}, Digest: digest, Content: content})
			},
			msg: &PrePrepare{
				Header:  Header{View: 0, Sequence: 1, Sender: "n0"},
				Digest:  SHA256Digest(0, 1, []byte("other")),
				Content: []byte("other"),
			},
			want: DropConflicting,
		},
		{
			name: "duplicate pre-prepare",
			setup: func(b *Instance) {
				b.ReceiveMessage(&PrePrepare{Header: Header{View: 0, Sequence: 1, Sender: "n0"}, Digest: digest, Content: content})
			},
			msg:  &PrePrepare{Header: Header{View: 0, Sequence: 1, Sender: "n0"}, Digest: digest, Content: content},
			want: DropDuplicate,
		},
		{
			name: "stale view change",
			setup: func(b *Instance) {
				b.TriggerViewChange()
				b.TriggerViewChange()
			},
			msg:  &ViewChange{Header: Header{View: 1, Sender: "n2"}},
			want: DropStaleView,
		},
		{
			name: "new view from wrong primary",
			msg:  &NewView{Header: Header{View: 1, Sender: "n2"}, ViewChanges: []ViewChange{{Header: Header{View: 1, Sender: "n2"}}}},
			want: DropNotPrimary,
		},
		{
			name: "new view without quorum proof",
			msg:  &NewView{Header: Header{View: 2, Sender: "n2"}, ViewChanges: []ViewChange{{Header: Header{View: 2, Sender: "n2"}}}},
			want: DropMissingProof,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestInstance(t, "n1", members, clock)
			if tt.setup != nil {
				tt.setup(b)
			}
			before := b.Snapshot()

			res := b.ReceiveMessage(tt.msg)
			require.False(t, res.Accepted)
			require.Equal(t, tt.want, res.Reason)
			require.Empty(t, res.Outbox)
			require.Equal(t, before, b.Snapshot(), "dropped message must not mutate state")
		})
	}
}

func TestPrePrepareRejectedAfterCommit(t *testing.T) {
	net := newTestNetwork(t, 4)
	seq := net.propose(t, "n0", []byte("first"))

	// A replayed proposal for a committed sequence is refused.
	other := []byte("second")
	res := net.nodes["n1"].ReceiveMessage(&PrePrepare{
		Header:  Header{View: 0, Sequence: seq, Sender: "n0"},
		Digest:  SHA256Digest(0, seq, other),
		Content: other,
	})
	require.False(t, res.Accepted)
	require.Equal(t, DropAlreadyCommitted, res.Reason)
}

func TestTimeoutAdvancesViewByOne(t *testing.T) {
	members := memberIDs(4)
	clock := newFakeClock()
	primary := newTestInstance(t, "n0", members, clock)
	backup := newTestInstance(t, "n1", members, clock)

	_, out, err := primary.StartConsensus([]byte("payload"))
	require.NoError(t, err)
	backup.ReceiveMessage(out.Outbox[0])

	// Nothing expires before the request timeout.
	clock.Advance(10 * time.Second)
	res := backup.CheckTimers(clock.Now())
	require.False(t, res.ViewChanged)
	require.Equal(t, uint64(0), backup.View())

	clock.Advance(25 * time.Second)
	res = backup.CheckTimers(clock.Now())
	require.True(t, res.ViewChanged)
	require.Equal(t, uint64(1), res.View)
	require.Equal(t, uint64(1), backup.View())
	require.Equal(t, StateViewChanging, backup.State())
	require.Equal(t, "n1", backup.Info().Primary)
	require.Len(t, res.Outbox, 1)
	vc := res.Outbox[0].(*ViewChange)
	require.Equal(t, uint64(1), vc.View)

	// Repeating the check before the view-change deadline is a no-op.
	res = backup.CheckTimers(clock.Now())
	require.False(t, res.ViewChanged)
	require.Equal(t, uint64(1), backup.View())

	// An expired view-change deadline again moves exactly one view.
	clock.Advance(31 * time.Second)
	res = backup.CheckTimers(clock.Now())
	require.True(t, res.ViewChanged)
	require.Equal(t, uint64(2), backup.View())
	require.Equal(t, 2, res.FailedViews)
}

func TestLivenessEscalation(t *testing.T) {
	members := memberIDs(4)
	clock := newFakeClock()
	cfg := DefaultConfig("n1", members)
	cfg.Now = clock.Now
	cfg.MaxFailedViews = 3
	inst, err := New(cfg)
	require.NoError(t, err)

	inst.TriggerViewChange()
	var res TimerOutcome
	for k := 0; k < 3; k++ {
		clock.Advance(DefaultViewChangeTimeout + time.Second)
		res = inst.CheckTimers(clock.Now())
		require.True(t, res.ViewChanged)
		require.Equal(t, k == 2, res.Escalate, "round %d", k)
	}
	require.Equal(t, 3, inst.FailedViews())
	require.Equal(t, uint64(4), inst.View())
}

func TestViewChangeAfterPrimaryCrash(t *testing.T) {
	net := newTestNetwork(t, 4)

	// The primary reaches only n1 before crashing.
	net.filter = func(from, to string, m Message) bool {
		return !(from == "n0" && to != "n1")
	}
	net.propose(t, "n0", []byte("lost"))
	net.down["n0"] = true
	net.filter = nil

	net.tick(DefaultRequestTimeout + time.Second)

	for _, id := range []string{"n1", "n2", "n3"} {
		info := net.nodes[id].Info()
		require.Equal(t, uint64(1), info.View, "node %s", id)
		require.Equal(t, StateIdle, info.State, "node %s", id)
		require.Equal(t, "n1", info.Primary)
	}

	seq := net.propose(t, "n1", []byte("recovered"))
	for _, id := range []string{"n1", "n2", "n3"} {
		require.Len(t, net.committed[id], 1, "node %s", id)
		require.Equal(t, seq, net.committed[id][0].Sequence)
		require.Equal(t, []byte("recovered"), net.committed[id][0].Content)
	}
}

func TestNewViewCarriesPreparedEntries(t *testing.T) {
	net := newTestNetwork(t, 4)

	// Every node prepares but no commit gets through.
	net.filter = func(from, to string, m Message) bool {
		_, isCommit := m.(*Commit)
		return !isCommit
	}
	seq := net.propose(t, "n0", []byte("carried"))
	for _, id := range net.order {
		require.Empty(t, net.committed[id])
		require.Equal(t, StatePrepared, net.nodes[id].State(), "node %s", id)
	}

	net.down["n0"] = true
	net.filter = nil
	net.tick(DefaultRequestTimeout + time.Second)

	for _, id := range []string{"n1", "n2", "n3"} {
		require.Len(t, net.committed[id], 1, "node %s", id)
		c := net.committed[id][0]
		require.Equal(t, seq, c.Sequence)
		require.Equal(t, uint64(1), c.View)
		require.Equal(t, []byte("carried"), c.Content)
		require.Equal(t, SHA256Digest(0, seq, []byte("carried")), c.Digest)
	}

	// The new primary continues after the carried sequence number.
	next := net.propose(t, "n1", []byte("after"))
	require.Equal(t, seq+1, next)
}

func TestInfo(t *testing.T) {
	members := memberIDs(7)
	inst := newTestInstance(t, "n0", members, newFakeClock())

	info := inst.Info()
	require.Equal(t, "n0", info.NodeID)
	require.True(t, info.IsPrimary)
	require.Equal(t, 7, info.Members)
	require.Equal(t, 2, info.Faulty)
	require.Equal(t, StateIdle, info.State)
}
