// Package points implements the synergy points ledger: per-validator
// contribution scoring, idle decay and points-weighted reward splits.
package points

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/pkg/config"
)

// Default scoring parameters.
const (
	DefaultBasePerTask    = 10
	DefaultMaxEfficiency  = 2.0
	DefaultMaxConsistency = 1.5
	DefaultDecayRate      = 0.05
	DefaultEpochDuration  = 24 * time.Hour
	DefaultHistoryLimit   = 100
)

// DefaultConfig returns the default scoring parameters.
func DefaultConfig() *config.PointsConfig {
	return &config.PointsConfig{
		BasePerTask:    DefaultBasePerTask,
		MaxEfficiency:  DefaultMaxEfficiency,
		MaxConsistency: DefaultMaxConsistency,
		DecayRate:      DefaultDecayRate,
		EpochDuration:  DefaultEpochDuration,
		HistoryLimit:   DefaultHistoryLimit,
	}
}

// Ledger tracks synergy metrics for every validator that has been scored.
// It is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	cfg     config.PointsConfig
	metrics map[string]*models.SynergyMetrics
	now     func() time.Time
	logger  *slog.Logger
}

// NewLedger creates an empty ledger. A nil cfg uses DefaultConfig.
func NewLedger(cfg *config.PointsConfig, logger *slog.Logger) *Ledger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := *cfg
	if c.EpochDuration <= 0 {
		c.EpochDuration = DefaultEpochDuration
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return &Ledger{
		cfg:     c,
		metrics: make(map[string]*models.SynergyMetrics),
		now:     time.Now,
		logger:  logger.With("component", "points"),
	}
}

func (l *Ledger) entry(validatorID string, now time.Time) *models.SynergyMetrics {
	m, ok := l.metrics[validatorID]
	if !ok {
		m = &models.SynergyMetrics{LastActive: now, History: []models.PointsAward{}}
		l.metrics[validatorID] = m
	}
	return m
}

// CalculateTaskPoints scores a completed task for a validator and credits the
// points to its metrics. A non-positive completion time earns the maximum
// efficiency multiplier.
func (l *Ledger) CalculateTaskPoints(complexity float64, completion, baseline time.Duration, validatorID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	m := l.entry(validatorID, now)

	efficiency := l.cfg.MaxEfficiency
	if completion > 0 {
		efficiency = math.Min(baseline.Seconds()/completion.Seconds(), l.cfg.MaxEfficiency)
	}
	consistency := math.Min(1+float64(m.ConsecutiveSuccesses)/100, l.cfg.MaxConsistency)

	points := floorPoints(float64(l.cfg.BasePerTask) * complexity * efficiency * consistency)

	m.TotalPoints += points
	m.TasksCompleted++
	m.ConsecutiveSuccesses++
	m.LastActive = now
	m.ActivePoints = m.TotalPoints
	m.History = append(m.History, models.PointsAward{At: now, Points: points})
	if over := len(m.History) - l.cfg.HistoryLimit; over > 0 {
		m.History = append([]models.PointsAward{}, m.History[over:]...)
	}

	l.logger.Debug("task points awarded",
		"validator_id", validatorID,
		"points", points,
		"efficiency", efficiency,
		"consistency", consistency,
	)
	return points
}

// floorPoints truncates a non-negative score; negative and NaN scores are zero.
func floorPoints(v float64) uint64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(math.Floor(v))
}

// RecordTaskFailure breaks the validator's success streak. Points are kept.
func (l *Ledger) RecordTaskFailure(validatorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	m := l.entry(validatorID, now)
	m.ConsecutiveSuccesses = 0
	m.LastActive = now
	m.ActivePoints = m.TotalPoints

	l.logger.Debug("task failure recorded", "validator_id", validatorID)
}

// ApplyPointsDecay sets the points of every idle validator to
// floor(active * (1 - rate)^epochs), where active is the balance held when it
// was last active and epochs is the fractional number of epochs since then.
// Points never rise through decay. It returns the resulting points of every
// known validator.
func (l *Ledger) ApplyPointsDecay(now time.Time) map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]uint64, len(l.metrics))
	for id, m := range l.metrics {
		if !now.After(m.LastActive) {
			out[id] = m.TotalPoints
			continue
		}
		epochs := float64(now.Sub(m.LastActive)) / float64(l.cfg.EpochDuration)
		base := max(m.ActivePoints, m.TotalPoints)

		before := m.TotalPoints
		m.TotalPoints = min(m.TotalPoints, floorPoints(float64(base)*math.Pow(1-l.cfg.DecayRate, epochs)))
		out[id] = m.TotalPoints

		if before != m.TotalPoints {
			l.logger.Debug("points decayed",
				"validator_id", id,
				"epochs", epochs,
				"before", before,
				"after", m.TotalPoints,
			)
		}
	}
	return out
}

// DistributeBlockReward splits total among the participants in proportion to
// their points. With no points on record the split is equal and the remainder
// is dropped. Otherwise the truncation remainder goes to the first listed
// participant holding the highest points.
func (l *Ledger) DistributeBlockReward(total uint64, participantIDs []string) map[string]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := dedupe(participantIDs)
	rewards := make(map[string]uint64, len(ids))
	if len(ids) == 0 {
		return rewards
	}

	points := make([]uint64, len(ids))
	var sum uint64
	for k, id := range ids {
		if m, ok := l.metrics[id]; ok {
			points[k] = m.TotalPoints
		}
		sum += points[k]
	}

	if sum == 0 {
		share := total / uint64(len(ids))
		for _, id := range ids {
			rewards[id] = share
		}
		return rewards
	}

	var paid uint64
	top := 0
	for k, id := range ids {
		r := models.MulDiv(total, points[k], sum)
		rewards[id] = r
		paid += r
		if points[k] > points[top] {
			top = k
		}
	}
	if paid < total {
		rewards[ids[top]] += total - paid
	}
	return rewards
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// GetTopValidators returns up to limit validators ordered by points, highest
// first. Equal points are ordered by validator ID. A non-positive limit
// returns an empty list.
func (l *Ledger) GetTopValidators(limit int) []models.ValidatorStanding {
	standings := l.Standings()
	limit = max(limit, 0)
	if len(standings) > limit {
		standings = standings[:limit]
	}
	return standings
}

// Standings returns every validator ordered as GetTopValidators orders them.
func (l *Ledger) Standings() []models.ValidatorStanding {
	l.mu.RLock()
	defer l.mu.RUnlock()

	standings := make([]models.ValidatorStanding, 0, len(l.metrics))
	for id, m := range l.metrics {
		standings = append(standings, models.ValidatorStanding{ValidatorID: id, Points: m.TotalPoints})
	}
	sort.Slice(standings, func(a, b int) bool {
		if standings[a].Points != standings[b].Points {
			return standings[a].Points > standings[b].Points
		}
		return standings[a].ValidatorID < standings[b].ValidatorID
	})
	return standings
}

// Points returns the validator's current points, zero when unknown.
func (l *Ledger) Points(validatorID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.metrics[validatorID]; ok {
		return m.TotalPoints
	}
	return 0
}

// Metrics returns a copy of the validator's metrics, or the zero value when
// the validator has never been scored.
func (l *Ledger) Metrics(validatorID string) models.SynergyMetrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.metrics[validatorID]; ok {
		return *m.Clone()
	}
	return models.SynergyMetrics{History: []models.PointsAward{}}
}

// Len returns the number of validators with metrics.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.metrics)
}
