package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/internal/store"
)

func result(cluster string, seq uint64, digest string) *models.CommittedResult {
	return &models.CommittedResult{
		ClusterID:   cluster,
		Sequence:    seq,
		View:        0,
		Digest:      digest,
		Content:     []byte("payload"),
		Voters:      []string{"v1", "v2", "v3"},
		CommittedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestApplyCommittedResultExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := New()

	applied, err := s.ApplyCommittedResult(ctx, result("c1", 1, "aa"))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = s.ApplyCommittedResult(ctx, result("c1", 1, "aa"))
	require.NoError(t, err)
	require.False(t, applied)

	_, err = s.ApplyCommittedResult(ctx, result("c1", 1, "bb"))
	require.ErrorIs(t, err, store.ErrConflictingResult)

	applied, err = s.ApplyCommittedResult(ctx, result("c2", 1, "bb"))
	require.NoError(t, err)
	require.True(t, applied)
}

func TestListCommittedResultsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	for seq := uint64(1); seq <= 4; seq++ {
		_, err := s.ApplyCommittedResult(ctx, result("c1", seq, "aa"))
		require.NoError(t, err)
	}

	all, err := s.ListCommittedResults(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, uint64(4), all[0].Sequence)

	two, err := s.ListCommittedResults(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	require.Equal(t, uint64(3), two[1].Sequence)

	_, err = s.GetCommittedResult(ctx, "c1", 9)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestResultsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := New()
	r := result("c1", 1, "aa")
	_, err := s.ApplyCommittedResult(ctx, r)
	require.NoError(t, err)

	r.Voters[0] = "mutated"
	got, err := s.GetCommittedResult(ctx, "c1", 1)
	require.NoError(t, err)
	require.Equal(t, "v1", got.Voters[0])
}

func TestSnapshotsByKind(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.LoadSnapshot(ctx, store.SnapshotKey{Kind: snapshot.KindPoints})
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveSnapshot(ctx, store.SnapshotKey{Kind: snapshot.KindPoints}, []byte("p")))
	require.NoError(t, s.SaveSnapshot(ctx, store.SnapshotKey{Kind: snapshot.KindConsensus, Scope: "c2"}, []byte("b")))
	require.NoError(t, s.SaveSnapshot(ctx, store.SnapshotKey{Kind: snapshot.KindConsensus, Scope: "c1"}, []byte("a")))

	keys, err := s.ListSnapshots(ctx, snapshot.KindConsensus)
	require.NoError(t, err)
	require.Equal(t, []store.SnapshotKey{
		{Kind: snapshot.KindConsensus, Scope: "c1"},
		{Kind: snapshot.KindConsensus, Scope: "c2"},
	}, keys)
	require.Equal(t, "consensus/c1", keys[0].String())

	require.NoError(t, s.DeleteSnapshot(ctx, keys[0]))
	_, err = s.LoadSnapshot(ctx, keys[0])
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompositeOverridesSnapshots(t *testing.T) {
	ctx := context.Background()
	results := New()
	snaps := New()
	c := store.WithSnapshots(results, snaps)

	require.NoError(t, c.Snapshots().SaveSnapshot(ctx, store.SnapshotKey{Kind: snapshot.KindPoints}, []byte("p")))
	_, err := results.LoadSnapshot(ctx, store.SnapshotKey{Kind: snapshot.KindPoints})
	require.ErrorIs(t, err, store.ErrNotFound)

	err = c.WithTx(ctx, func(tx store.Store) error {
		_, err := tx.Snapshots().LoadSnapshot(ctx, store.SnapshotKey{Kind: snapshot.KindPoints})
		return err
	})
	require.NoError(t, err)
}
