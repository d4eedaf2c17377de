package points

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/pkg/config"
)

// SnapshotVersion is the schema version of Snapshot.
const SnapshotVersion = 2

// ValidatorRecord is one validator's metrics in a snapshot.
type ValidatorRecord struct {
	ValidatorID string                `json:"validator_id"`
	Metrics     models.SynergyMetrics `json:"metrics"`
}

// Snapshot is the persisted state of a ledger, ordered by validator ID.
type Snapshot struct {
	Validators []ValidatorRecord `json:"validators"`
}

// Snapshot captures every validator's metrics including full history.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.metrics))
	for id := range l.metrics {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s := &Snapshot{Validators: make([]ValidatorRecord, 0, len(ids))}
	for _, id := range ids {
		s.Validators = append(s.Validators, ValidatorRecord{ValidatorID: id, Metrics: *l.metrics[id].Clone()})
	}
	return s
}

// MarshalSnapshot encodes the ledger in a versioned envelope.
func (l *Ledger) MarshalSnapshot() ([]byte, error) {
	return snapshot.Encode(snapshot.KindPoints, SnapshotVersion, l.Snapshot())
}

// Restore rebuilds a ledger from data produced by MarshalSnapshot.
func Restore(cfg *config.PointsConfig, logger *slog.Logger, data []byte) (*Ledger, error) {
	var s Snapshot
	if err := snapshot.Decode(data, snapshot.KindPoints, SnapshotVersion, &s); err != nil {
		return nil, err
	}

	l := NewLedger(cfg, logger)
	for _, rec := range s.Validators {
		if rec.ValidatorID == "" {
			return nil, fmt.Errorf("%w: points record without validator id", snapshot.ErrCorrupt)
		}
		if _, dup := l.metrics[rec.ValidatorID]; dup {
			return nil, fmt.Errorf("%w: duplicate points record for %s", snapshot.ErrCorrupt, rec.ValidatorID)
		}
		m := rec.Metrics.Clone()
		if m.ConsecutiveSuccesses > m.TasksCompleted {
			return nil, fmt.Errorf("%w: %s streak exceeds completed tasks", snapshot.ErrCorrupt, rec.ValidatorID)
		}
		l.metrics[rec.ValidatorID] = m
	}
	return l, nil
}
