package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/consensus"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/points"
	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/internal/store"
	"github.com/synergy-network/synergy-node/pkg/config"
)

// State is the component state a node starts from.
type State struct {
	Points    *points.Ledger
	Clusters  *cluster.Manager
	Instances map[string]*consensus.Instance
}

// Recover rebuilds node state from the latest snapshots. Missing snapshots
// start the component fresh. A snapshot that exists but cannot be verified
// fails the whole recovery; the node must not run on partial state.
func Recover(ctx context.Context, snaps store.SnapshotStore, cfg *config.Config, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recovery", "node_id", cfg.NodeID)

	st := &State{Instances: make(map[string]*consensus.Instance)}

	data, err := snaps.LoadSnapshot(ctx, pointsKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st.Points = points.NewLedger(&cfg.Points, logger)
	case err != nil:
		return nil, fmt.Errorf("loading points snapshot: %w", err)
	default:
		if st.Points, err = points.Restore(&cfg.Points, logger, data); err != nil {
			return nil, fmt.Errorf("restoring points ledger: %w", err)
		}
		logger.Info("points ledger restored", "validators", st.Points.Len())
	}

	data, err = snaps.LoadSnapshot(ctx, clustersKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st.Clusters = cluster.NewManager(&cfg.Cluster, st.Points, logger)
	case err != nil:
		return nil, fmt.Errorf("loading cluster snapshot: %w", err)
	default:
		if st.Clusters, err = cluster.Restore(&cfg.Cluster, st.Points, logger, data); err != nil {
			return nil, fmt.Errorf("restoring cluster manager: %w", err)
		}
		logger.Info("cluster manager restored", "clusters", len(st.Clusters.Clusters()))
	}

	keys, err := snaps.ListSnapshots(ctx, snapshot.KindConsensus)
	if err != nil {
		return nil, fmt.Errorf("listing instance snapshots: %w", err)
	}
	for _, key := range keys {
		c, err := st.Clusters.GetCluster(key.Scope)
		if err != nil {
			return nil, fmt.Errorf("%w: instance snapshot %s has no cluster", snapshot.ErrCorrupt, key)
		}
		if !c.HasMember(cfg.NodeID) {
			return nil, fmt.Errorf("%w: instance snapshot %s for a cluster this node is not in", snapshot.ErrCorrupt, key)
		}
		if c.Status != models.ClusterStatusActive && c.Status != models.ClusterStatusReshuffling {
			logger.Info("skipping instance of retired cluster", "cluster_id", c.ID, "status", c.Status)
			continue
		}

		data, err := snaps.LoadSnapshot(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("loading instance snapshot %s: %w", key, err)
		}
		inst, err := consensus.Restore(instanceConfig(cfg.NodeID, cfg.Consensus, c.MemberIDs(), logger), data)
		if err != nil {
			return nil, fmt.Errorf("restoring instance %s: %w", c.ID, err)
		}
		st.Instances[c.ID] = inst
		info := inst.Info()
		logger.Info("consensus instance restored", "cluster_id", c.ID, "view", info.View, "sequence", info.Sequence)
	}
	return st, nil
}
