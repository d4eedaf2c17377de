// Package store provides persistence interfaces for component snapshots and
// committed consensus results, with in-memory, PostgreSQL and file-backed
// implementations.
package store

import (
	"context"
	"errors"

	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/snapshot"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflictingResult is returned when a different digest was already
	// applied for the same cluster and sequence number.
	ErrConflictingResult = errors.New("conflicting committed result")
)

// SnapshotKey identifies one persisted snapshot. Scope is empty for
// node-wide components and holds the cluster ID for consensus instances.
type SnapshotKey struct {
	Kind  snapshot.Kind
	Scope string
}

// String returns the key as "kind" or "kind/scope".
func (k SnapshotKey) String() string {
	if k.Scope == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + "/" + k.Scope
}

// SnapshotStore persists encoded snapshot envelopes. Envelopes are opaque to
// the store; integrity is checked by the snapshot package on load.
type SnapshotStore interface {
	// SaveSnapshot replaces the snapshot stored under key.
	SaveSnapshot(ctx context.Context, key SnapshotKey, data []byte) error
	// LoadSnapshot returns the snapshot stored under key, or ErrNotFound.
	LoadSnapshot(ctx context.Context, key SnapshotKey) ([]byte, error)
	// ListSnapshots returns the keys of a kind, sorted by scope.
	ListSnapshots(ctx context.Context, kind snapshot.Kind) ([]SnapshotKey, error)
	// DeleteSnapshot removes a snapshot. Deleting a missing key is not an error.
	DeleteSnapshot(ctx context.Context, key SnapshotKey) error
}

// ResultStore is the state ledger of committed results.
type ResultStore interface {
	// ApplyCommittedResult records r exactly once per (cluster, sequence).
	// It returns false without error when the same digest was already
	// applied and ErrConflictingResult when a different one was.
	ApplyCommittedResult(ctx context.Context, r *models.CommittedResult) (bool, error)
	// GetCommittedResult returns one committed result, or ErrNotFound.
	GetCommittedResult(ctx context.Context, clusterID string, sequence uint64) (*models.CommittedResult, error)
	// ListCommittedResults returns the most recent results of a cluster,
	// newest first. A limit of zero or less returns all of them.
	ListCommittedResults(ctx context.Context, clusterID string, limit int) ([]*models.CommittedResult, error)
}

// Store is the main interface for node persistence.
type Store interface {
	// Snapshots returns the SnapshotStore.
	Snapshots() SnapshotStore
	// Results returns the ResultStore.
	Results() ResultStore
	// WithTx executes fn within a transaction where the backend supports one.
	WithTx(ctx context.Context, fn func(Store) error) error
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend.
	Close() error
}

// Composite pairs a result ledger with a separately configured snapshot
// store, such as PostgreSQL results with encrypted file snapshots.
type Composite struct {
	Store
	snapshots SnapshotStore
}

// WithSnapshots returns s with its snapshot store replaced by snapshots.
func WithSnapshots(s Store, snapshots SnapshotStore) *Composite {
	return &Composite{Store: s, snapshots: snapshots}
}

// Snapshots returns the overriding snapshot store.
func (c *Composite) Snapshots() SnapshotStore {
	return c.snapshots
}

// WithTx runs fn against the underlying store's transaction, keeping the
// overriding snapshot store.
func (c *Composite) WithTx(ctx context.Context, fn func(Store) error) error {
	return c.Store.WithTx(ctx, func(tx Store) error {
		return fn(&Composite{Store: tx, snapshots: c.snapshots})
	})
}
