package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/internal/store"
)

// getTestDSN returns the database DSN for testing.
func getTestDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// setupTestStore connects to the test database and applies the schema.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := getTestDSN()
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Skipf("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("failed to ping database: %v", err)
	}
	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return newStore(db, slog.Default())
}

func TestResultStoreExactlyOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cluster := uuid.NewString()

	r := &models.CommittedResult{
		ClusterID:   cluster,
		Sequence:    1,
		View:        2,
		Digest:      "aa",
		Content:     []byte(`{"task_id":"t1"}`),
		Voters:      []string{"v1", "v2", "v3"},
		CommittedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}

	applied, err := s.Results().ApplyCommittedResult(ctx, r)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = s.Results().ApplyCommittedResult(ctx, r)
	require.NoError(t, err)
	require.False(t, applied)

	conflicting := *r
	conflicting.Digest = "bb"
	_, err = s.Results().ApplyCommittedResult(ctx, &conflicting)
	require.ErrorIs(t, err, store.ErrConflictingResult)

	got, err := s.Results().GetCommittedResult(ctx, cluster, 1)
	require.NoError(t, err)
	require.Equal(t, r, got)

	_, err = s.Results().GetCommittedResult(ctx, cluster, 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResultStoreListNewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cluster := uuid.NewString()

	for seq := uint64(1); seq <= 3; seq++ {
		_, err := s.Results().ApplyCommittedResult(ctx, &models.CommittedResult{
			ClusterID:   cluster,
			Sequence:    seq,
			Digest:      "aa",
			Content:     []byte("x"),
			Voters:      []string{"v1"},
			CommittedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	got, err := s.Results().ListCommittedResults(ctx, cluster, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(3), got[0].Sequence)
	require.Equal(t, uint64(2), got[1].Sequence)
}

func TestSnapshotStoreUpsert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	key := store.SnapshotKey{Kind: snapshot.KindConsensus, Scope: uuid.NewString()}

	_, err := s.Snapshots().LoadSnapshot(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Snapshots().SaveSnapshot(ctx, key, []byte("first")))
	require.NoError(t, s.Snapshots().SaveSnapshot(ctx, key, []byte("second")))

	data, err := s.Snapshots().LoadSnapshot(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), data)

	keys, err := s.Snapshots().ListSnapshots(ctx, snapshot.KindConsensus)
	require.NoError(t, err)
	require.Contains(t, keys, key)

	require.NoError(t, s.Snapshots().DeleteSnapshot(ctx, key))
	_, err = s.Snapshots().LoadSnapshot(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	key := store.SnapshotKey{Kind: snapshot.KindPoints, Scope: uuid.NewString()}

	err := s.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Snapshots().SaveSnapshot(ctx, key, []byte("doomed")); err != nil {
			return err
		}
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = s.Snapshots().LoadSnapshot(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
}
