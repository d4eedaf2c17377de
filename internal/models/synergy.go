package models

import "time"

// PointsAward is one entry of a validator's recent scoring history.
type PointsAward struct {
	At     time.Time `json:"at"`
	Points uint64    `json:"points"`
}

// SynergyMetrics is the per-validator scoring record kept by the points ledger.
type SynergyMetrics struct {
	TotalPoints          uint64    `json:"total_points"`
	TasksCompleted       uint64    `json:"tasks_completed"`
	ConsecutiveSuccesses uint64    `json:"consecutive_successes"`
	LastActive           time.Time `json:"last_active"`
	// ActivePoints is the balance held at LastActive. Idle decay is always
	// computed from it, so repeated passes never compound.
	ActivePoints uint64        `json:"active_points"`
	History      []PointsAward `json:"history"`
}

// Clone returns a deep copy of the metrics.
func (m *SynergyMetrics) Clone() *SynergyMetrics {
	c := *m
	c.History = append([]PointsAward{}, m.History...)
	return &c
}

// ValidatorStanding pairs a validator with its points total for rankings.
type ValidatorStanding struct {
	ValidatorID string `json:"validator_id"`
	Points      uint64 `json:"points"`
}
