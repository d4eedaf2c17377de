package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/internal/store"
)

// SnapshotStore implements store.SnapshotStore on the component_snapshots table.
type SnapshotStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *SnapshotStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// SaveSnapshot upserts the snapshot stored under key.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, key store.SnapshotKey, data []byte) error {
	query := `
		INSERT INTO component_snapshots (kind, scope, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kind, scope) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.conn().ExecContext(ctx, query, string(key.Kind), key.Scope, data); err != nil {
		return fmt.Errorf("saving snapshot %s: %w", key, err)
	}
	s.logger.Debug("snapshot saved", "key", key.String(), "bytes", len(data))
	return nil
}

// LoadSnapshot returns the snapshot stored under key.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, key store.SnapshotKey) ([]byte, error) {
	query := `SELECT data FROM component_snapshots WHERE kind = $1 AND scope = $2`

	var data []byte
	if err := s.conn().QueryRowContext(ctx, query, string(key.Kind), key.Scope).Scan(&data); err != nil {
		return nil, notFound(err, "snapshot "+key.String())
	}
	return data, nil
}

// ListSnapshots returns the keys of kind ordered by scope.
func (s *SnapshotStore) ListSnapshots(ctx context.Context, kind snapshot.Kind) ([]store.SnapshotKey, error) {
	query := `SELECT scope FROM component_snapshots WHERE kind = $1 ORDER BY scope`

	rows, err := s.conn().QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("listing %s snapshots: %w", kind, err)
	}
	defer rows.Close()

	var keys []store.SnapshotKey
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scanning snapshot key: %w", err)
		}
		keys = append(keys, store.SnapshotKey{Kind: kind, Scope: scope})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot keys: %w", err)
	}
	return keys, nil
}

// DeleteSnapshot removes the snapshot under key.
func (s *SnapshotStore) DeleteSnapshot(ctx context.Context, key store.SnapshotKey) error {
	query := `DELETE FROM component_snapshots WHERE kind = $1 AND scope = $2`
	if _, err := s.conn().ExecContext(ctx, query, string(key.Kind), key.Scope); err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", key, err)
	}
	return nil
}
