// Package file provides a directory-backed snapshot store. Snapshots are
// sealed with age when a sealer is configured.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/synergy-network/synergy-node/internal/secrets"
	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/internal/store"
)

const (
	plainExt  = ".snap"
	sealedExt = ".age"
	// nodeScope names the file of node-wide snapshots, which have no scope.
	nodeScope = "_node"
)

// SnapshotStore writes one file per snapshot key under dir/<kind>/.
type SnapshotStore struct {
	dir    string
	sealer *secrets.Sealer
	logger *slog.Logger
}

// NewSnapshotStore creates the directory if needed. A nil sealer stores
// snapshots in the clear; otherwise it must be able to both seal and open.
func NewSnapshotStore(dir string, sealer *secrets.Sealer, logger *slog.Logger) (*SnapshotStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if sealer != nil && (!sealer.CanSeal() || !sealer.CanOpen()) {
		return nil, fmt.Errorf("snapshot sealer needs both a recipient and an identity")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &SnapshotStore{
		dir:    dir,
		sealer: sealer,
		logger: logger.With("component", "snapshot_files"),
	}, nil
}

func (s *SnapshotStore) ext() string {
	if s.sealer != nil {
		return sealedExt
	}
	return plainExt
}

func (s *SnapshotStore) path(key store.SnapshotKey) string {
	name := nodeScope
	if key.Scope != "" {
		name = url.PathEscape(key.Scope)
	}
	return filepath.Join(s.dir, url.PathEscape(string(key.Kind)), name+s.ext())
}

// SaveSnapshot writes data atomically through a temporary file and rename.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, key store.SnapshotKey, data []byte) error {
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(data)
		if err != nil {
			return fmt.Errorf("sealing snapshot %s: %w", key, err)
		}
		data = sealed
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing snapshot %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("installing snapshot %s: %w", key, err)
	}

	s.logger.Debug("snapshot written", "key", key.String(), "path", path, "bytes", len(data))
	return nil
}

// LoadSnapshot reads and, when sealed, opens the snapshot under key.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, key store.SnapshotKey) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("snapshot %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", key, err)
	}
	if s.sealer == nil {
		return data, nil
	}
	opened, err := s.sealer.Open(data)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", snapshot.ErrCorrupt, key, err)
	}
	return opened, nil
}

// ListSnapshots returns the keys of kind sorted by scope.
func (s *SnapshotStore) ListSnapshots(ctx context.Context, kind snapshot.Kind) ([]store.SnapshotKey, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, url.PathEscape(string(kind))))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s snapshots: %w", kind, err)
	}

	var keys []store.SnapshotKey
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), s.ext())
		if e.IsDir() || !ok || strings.HasPrefix(name, ".") {
			continue
		}
		if name == nodeScope {
			keys = append(keys, store.SnapshotKey{Kind: kind})
			continue
		}
		scope, err := url.PathUnescape(name)
		if err != nil {
			s.logger.Warn("skipping unrecognised snapshot file", "name", e.Name())
			continue
		}
		keys = append(keys, store.SnapshotKey{Kind: kind, Scope: scope})
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].Scope < keys[b].Scope })
	return keys, nil
}

// DeleteSnapshot removes the file for key.
func (s *SnapshotStore) DeleteSnapshot(ctx context.Context, key store.SnapshotKey) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting snapshot %s: %w", key, err)
	}
	return nil
}
