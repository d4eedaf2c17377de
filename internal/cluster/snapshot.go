package cluster

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/pkg/config"
)

// SnapshotVersion is the schema version of Snapshot.
const SnapshotVersion = 1

// ClusterRecord is a cluster in a snapshot. Members are stored by ID and
// relinked to the registry on restore.
type ClusterRecord struct {
	ID            string                    `json:"id"`
	MemberIDs     []string                  `json:"member_ids"`
	AssignedTasks []string                  `json:"assigned_tasks"`
	FormedAt      time.Time                 `json:"formed_at"`
	ReshuffleAt   time.Time                 `json:"reshuffle_at"`
	Status        models.ClusterStatus      `json:"status"`
	Performance   models.ClusterPerformance `json:"performance"`
	MinValidators int                       `json:"min_validators"`
	MaxValidators int                       `json:"max_validators"`
}

// Assignment maps a validator to the cluster it currently belongs to.
type Assignment struct {
	ValidatorID string `json:"validator_id"`
	ClusterID   string `json:"cluster_id"`
}

// Snapshot is the persisted state of a manager, ordered by ID throughout.
type Snapshot struct {
	Validators  []models.Validator `json:"validators"`
	Clusters    []ClusterRecord    `json:"clusters"`
	Assignments []Assignment       `json:"assignments"`
}

// Snapshot captures the registry, the cluster table and the assignment map.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Snapshot{
		Validators:  make([]models.Validator, 0, len(m.validators)),
		Clusters:    make([]ClusterRecord, 0, len(m.clusters)),
		Assignments: make([]Assignment, 0, len(m.assignments)),
	}
	for _, id := range sortedIDs(m.validators) {
		s.Validators = append(s.Validators, *m.validators[id].Clone())
	}
	for _, id := range sortedIDs(m.clusters) {
		c := m.clusters[id]
		s.Clusters = append(s.Clusters, ClusterRecord{
			ID:            c.ID,
			MemberIDs:     c.MemberIDs(),
			AssignedTasks: append([]string{}, c.AssignedTasks...),
			FormedAt:      c.FormedAt,
			ReshuffleAt:   c.ReshuffleAt,
			Status:        c.Status,
			Performance:   c.Performance,
			MinValidators: c.MinValidators,
			MaxValidators: c.MaxValidators,
		})
	}
	for _, vid := range sortedIDs(m.assignments) {
		s.Assignments = append(s.Assignments, Assignment{ValidatorID: vid, ClusterID: m.assignments[vid]})
	}
	return s
}

// MarshalSnapshot encodes the manager state in a versioned envelope.
func (m *Manager) MarshalSnapshot() ([]byte, error) {
	return snapshot.Encode(snapshot.KindClusters, SnapshotVersion, m.Snapshot())
}

// Restore rebuilds a manager from data produced by MarshalSnapshot. Dangling
// references between validators, clusters and assignments are rejected with
// snapshot.ErrCorrupt.
func Restore(cfg *config.ClusterConfig, points PointsReader, logger *slog.Logger, data []byte) (*Manager, error) {
	var s Snapshot
	if err := snapshot.Decode(data, snapshot.KindClusters, SnapshotVersion, &s); err != nil {
		return nil, err
	}

	m := NewManager(cfg, points, logger)
	for k := range s.Validators {
		v := s.Validators[k].Clone()
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", snapshot.ErrCorrupt, err)
		}
		if _, dup := m.validators[v.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate validator %s", snapshot.ErrCorrupt, v.ID)
		}
		m.validators[v.ID] = v
	}

	for _, rec := range s.Clusters {
		if rec.ID == "" || !rec.Status.IsValid() {
			return nil, fmt.Errorf("%w: cluster %q has invalid identity or status", snapshot.ErrCorrupt, rec.ID)
		}
		if _, dup := m.clusters[rec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate cluster %s", snapshot.ErrCorrupt, rec.ID)
		}
		if len(rec.MemberIDs) > rec.MaxValidators {
			return nil, fmt.Errorf("%w: cluster %s exceeds its member bound", snapshot.ErrCorrupt, rec.ID)
		}
		c := &models.Cluster{
			ID:            rec.ID,
			Validators:    make([]*models.Validator, 0, len(rec.MemberIDs)),
			AssignedTasks: append([]string{}, rec.AssignedTasks...),
			FormedAt:      rec.FormedAt,
			ReshuffleAt:   rec.ReshuffleAt,
			Status:        rec.Status,
			Performance:   rec.Performance,
			MinValidators: rec.MinValidators,
			MaxValidators: rec.MaxValidators,
		}
		for _, vid := range rec.MemberIDs {
			v, ok := m.validators[vid]
			if !ok {
				return nil, fmt.Errorf("%w: cluster %s references unknown validator %s", snapshot.ErrCorrupt, rec.ID, vid)
			}
			if !c.AddValidator(v) {
				return nil, fmt.Errorf("%w: cluster %s lists validator %s twice", snapshot.ErrCorrupt, rec.ID, vid)
			}
		}
		m.clusters[c.ID] = c
	}

	for _, a := range s.Assignments {
		c, ok := m.clusters[a.ClusterID]
		if !ok || !c.HasMember(a.ValidatorID) {
			return nil, fmt.Errorf("%w: validator %s mapped to %s without membership", snapshot.ErrCorrupt, a.ValidatorID, a.ClusterID)
		}
		if _, dup := m.assignments[a.ValidatorID]; dup {
			return nil, fmt.Errorf("%w: validator %s mapped twice", snapshot.ErrCorrupt, a.ValidatorID)
		}
		m.assignments[a.ValidatorID] = a.ClusterID
	}
	return m, nil
}
