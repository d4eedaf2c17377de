package models

import (
	"math/big"
	"time"
)

// ClusterStatus represents the lifecycle state of a validator cluster.
type ClusterStatus string

const (
	// ClusterStatusForming indicates members are still being gathered.
	ClusterStatusForming ClusterStatus = "forming"
	// ClusterStatusActive indicates the cluster accepts and processes tasks.
	ClusterStatusActive ClusterStatus = "active"
	// ClusterStatusDissolving indicates the cluster has been retired.
	ClusterStatusDissolving ClusterStatus = "dissolving"
	// ClusterStatusReshuffling indicates the cluster is past its deadline and
	// finishing its outstanding tasks.
	ClusterStatusReshuffling ClusterStatus = "reshuffling"
)

// String returns the string representation of the cluster status.
func (s ClusterStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known cluster status.
func (s ClusterStatus) IsValid() bool {
	switch s {
	case ClusterStatusForming, ClusterStatusActive, ClusterStatusDissolving, ClusterStatusReshuffling:
		return true
	default:
		return false
	}
}

// Cluster defaults.
const (
	DefaultMinValidators     = 7
	DefaultMaxValidators     = 15
	DefaultReshuffleInterval = 8 * time.Hour
)

// Reward split between proportional and flat shares, in tenths.
const (
	individualShareTenths    = 7
	collaborationShareTenths = 3
)

// ClusterPerformance tracks what a cluster has done over its lifetime.
type ClusterPerformance struct {
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksVerified  uint64 `json:"tasks_verified"`
	TasksFailed    uint64 `json:"tasks_failed"`
	// AvgCompletionTime is the running mean completion time in seconds.
	AvgCompletionTime float64 `json:"avg_completion_time"`
	RewardEarned      uint64  `json:"reward_earned"`
}

func (p *ClusterPerformance) recordCompletion(completion time.Duration, reward uint64) {
	secs := completion.Seconds()
	if p.TasksCompleted == 0 {
		p.AvgCompletionTime = secs
	} else {
		p.AvgCompletionTime = (p.AvgCompletionTime*float64(p.TasksCompleted) + secs) / float64(p.TasksCompleted+1)
	}
	p.TasksCompleted++
	p.RewardEarned += reward
}

// Cluster is a bounded, time-limited group of validators working on a
// subset of tasks.
type Cluster struct {
	ID            string             `json:"id"`
	Validators    []*Validator       `json:"validators"`
	AssignedTasks []string           `json:"assigned_tasks"`
	FormedAt      time.Time          `json:"formed_at"`
	ReshuffleAt   time.Time          `json:"reshuffle_at"`
	Status        ClusterStatus      `json:"status"`
	Performance   ClusterPerformance `json:"performance"`
	MinValidators int                `json:"min_validators"`
	MaxValidators int                `json:"max_validators"`
}

// NewCluster creates a forming cluster with the given bounds. Non-positive
// bounds fall back to the defaults.
func NewCluster(id string, formedAt time.Time, reshuffleInterval time.Duration, minN, maxN int) *Cluster {
	if minN <= 0 {
		minN = DefaultMinValidators
	}
	if maxN <= 0 {
		maxN = DefaultMaxValidators
	}
	if reshuffleInterval <= 0 {
		reshuffleInterval = DefaultReshuffleInterval
	}
	return &Cluster{
		ID:            id,
		Validators:    []*Validator{},
		AssignedTasks: []string{},
		FormedAt:      formedAt,
		ReshuffleAt:   formedAt.Add(reshuffleInterval),
		Status:        ClusterStatusForming,
		MinValidators: minN,
		MaxValidators: maxN,
	}
}

// AddValidator appends a member unless the cluster is full or already has it.
func (c *Cluster) AddValidator(v *Validator) bool {
	if len(c.Validators) >= c.MaxValidators {
		return false
	}
	if c.HasMember(v.ID) {
		return false
	}
	c.Validators = append(c.Validators, v)
	return true
}

// RemoveValidator drops a member, preserving the order of the rest.
func (c *Cluster) RemoveValidator(id string) bool {
	for i, v := range c.Validators {
		if v.ID == id {
			c.Validators = append(c.Validators[:i], c.Validators[i+1:]...)
			return true
		}
	}
	return false
}

// HasMember reports whether the validator belongs to the cluster.
func (c *Cluster) HasMember(id string) bool {
	for _, v := range c.Validators {
		if v.ID == id {
			return true
		}
	}
	return false
}

// MemberIDs returns member identifiers in membership order.
func (c *Cluster) MemberIDs() []string {
	ids := make([]string, len(c.Validators))
	for i, v := range c.Validators {
		ids[i] = v.ID
	}
	return ids
}

// HasTask reports whether the task is currently assigned to the cluster.
func (c *Cluster) HasTask(taskID string) bool {
	return c.taskIndex(taskID) >= 0
}

func (c *Cluster) taskIndex(taskID string) int {
	for i, id := range c.AssignedTasks {
		if id == taskID {
			return i
		}
	}
	return -1
}

func (c *Cluster) removeTask(taskID string) bool {
	i := c.taskIndex(taskID)
	if i < 0 {
		return false
	}
	c.AssignedTasks = append(c.AssignedTasks[:i], c.AssignedTasks[i+1:]...)
	return true
}

// AssignTask adds a task to the assigned set unless already present.
func (c *Cluster) AssignTask(taskID string) bool {
	if c.HasTask(taskID) {
		return false
	}
	c.AssignedTasks = append(c.AssignedTasks, taskID)
	return true
}

// CompleteTask records a completion and removes the task from the assigned set.
func (c *Cluster) CompleteTask(taskID string, completion time.Duration, reward uint64) bool {
	if !c.removeTask(taskID) {
		return false
	}
	c.Performance.recordCompletion(completion, reward)
	return true
}

// VerifyTask records a verification and releases the task if it was in the
// assigned set. The task does not need to be assigned.
func (c *Cluster) VerifyTask(taskID string) {
	c.removeTask(taskID)
	c.Performance.TasksVerified++
}

// FailTask records a failure and removes the task from the assigned set.
func (c *Cluster) FailTask(taskID string) bool {
	if !c.removeTask(taskID) {
		return false
	}
	c.Performance.TasksFailed++
	return true
}

// IsActive reports whether the cluster accepts new tasks.
func (c *Cluster) IsActive() bool {
	return c.Status == ClusterStatusActive
}

// ShouldReshuffle reports whether the reshuffle deadline has been reached.
func (c *Cluster) ShouldReshuffle(now time.Time) bool {
	return !now.Before(c.ReshuffleAt)
}

// ActiveValidators returns the members whose status is active.
func (c *Cluster) ActiveValidators() []*Validator {
	active := make([]*Validator, 0, len(c.Validators))
	for _, v := range c.Validators {
		if v.IsActive() {
			active = append(active, v)
		}
	}
	return active
}

// HasMinimumValidators reports whether enough members are active.
func (c *Cluster) HasMinimumValidators() bool {
	return len(c.ActiveValidators()) >= c.MinValidators
}

// DistributeRewards splits total among active members. With no points on
// record the split is equal; otherwise 70% is shared in proportion to synergy
// points and 30% is paid as an equal collaboration bonus.
func (c *Cluster) DistributeRewards(total uint64) map[string]uint64 {
	active := c.ActiveValidators()
	rewards := make(map[string]uint64, len(active))
	if len(active) == 0 {
		return rewards
	}

	var totalPoints uint64
	for _, v := range active {
		totalPoints += v.SynergyPoints
	}

	n := uint64(len(active))
	if totalPoints == 0 {
		for _, v := range active {
			rewards[v.ID] = total / n
		}
		return rewards
	}

	bonus := MulDiv(total, collaborationShareTenths, 10*n)
	for _, v := range active {
		individual := mulDiv3(total, individualShareTenths, v.SynergyPoints, 10*totalPoints)
		rewards[v.ID] = individual + bonus
	}
	return rewards
}

// Clone returns a deep copy of the cluster, including its members.
func (c *Cluster) Clone() *Cluster {
	cp := *c
	cp.Validators = make([]*Validator, len(c.Validators))
	for i, v := range c.Validators {
		cp.Validators[i] = v.Clone()
	}
	cp.AssignedTasks = append([]string{}, c.AssignedTasks...)
	return &cp
}

// MulDiv returns floor(a*b/d) without intermediate overflow. d must be non-zero.
func MulDiv(a, b, d uint64) uint64 {
	x := new(big.Int).SetUint64(a)
	x.Mul(x, new(big.Int).SetUint64(b))
	x.Quo(x, new(big.Int).SetUint64(d))
	return x.Uint64()
}

func mulDiv3(a, b, c, d uint64) uint64 {
	x := new(big.Int).SetUint64(a)
	x.Mul(x, new(big.Int).SetUint64(b))
	x.Mul(x, new(big.Int).SetUint64(c))
	x.Quo(x, new(big.Int).SetUint64(d))
	return x.Uint64()
}
