// Package memory provides an in-memory implementation of the store
// interfaces for tests and single-node runs without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/internal/store"
)

type resultKey struct {
	cluster  string
	sequence uint64
}

// Store keeps snapshots and committed results in maps.
type Store struct {
	mu        sync.RWMutex
	snapshots map[store.SnapshotKey][]byte
	results   map[resultKey]*models.CommittedResult
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		snapshots: make(map[store.SnapshotKey][]byte),
		results:   make(map[resultKey]*models.CommittedResult),
	}
}

// Snapshots returns the store itself.
func (s *Store) Snapshots() store.SnapshotStore { return s }

// Results returns the store itself.
func (s *Store) Results() store.ResultStore { return s }

// WithTx runs fn against s. Each operation is atomic on its own.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// SaveSnapshot stores a copy of data under key.
func (s *Store) SaveSnapshot(ctx context.Context, key store.SnapshotKey, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[key] = append([]byte(nil), data...)
	return nil
}

// LoadSnapshot returns a copy of the snapshot under key.
func (s *Store) LoadSnapshot(ctx context.Context, key store.SnapshotKey) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.snapshots[key]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", key, store.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// ListSnapshots returns the keys of kind sorted by scope.
func (s *Store) ListSnapshots(ctx context.Context, kind snapshot.Kind) ([]store.SnapshotKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []store.SnapshotKey
	for k := range s.snapshots {
		if k.Kind == kind {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].Scope < keys[b].Scope })
	return keys, nil
}

// DeleteSnapshot removes key.
func (s *Store) DeleteSnapshot(ctx context.Context, key store.SnapshotKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, key)
	return nil
}

// ApplyCommittedResult records r once per (cluster, sequence).
func (s *Store) ApplyCommittedResult(ctx context.Context, r *models.CommittedResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := resultKey{cluster: r.ClusterID, sequence: r.Sequence}
	if existing, ok := s.results[k]; ok {
		if existing.Digest != r.Digest {
			return false, fmt.Errorf("%w: cluster %s sequence %d", store.ErrConflictingResult, r.ClusterID, r.Sequence)
		}
		return false, nil
	}
	s.results[k] = cloneResult(r)
	return true, nil
}

// GetCommittedResult returns one result.
func (s *Store) GetCommittedResult(ctx context.Context, clusterID string, sequence uint64) (*models.CommittedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[resultKey{cluster: clusterID, sequence: sequence}]
	if !ok {
		return nil, fmt.Errorf("result %s/%d: %w", clusterID, sequence, store.ErrNotFound)
	}
	return cloneResult(r), nil
}

// ListCommittedResults returns results of clusterID newest first.
func (s *Store) ListCommittedResults(ctx context.Context, clusterID string, limit int) ([]*models.CommittedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CommittedResult
	for k, r := range s.results {
		if k.cluster == clusterID {
			out = append(out, cloneResult(r))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Sequence > out[b].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneResult(r *models.CommittedResult) *models.CommittedResult {
	c := *r
	c.Content = append([]byte(nil), r.Content...)
	c.Voters = append([]string(nil), r.Voters...)
	return &c
}
