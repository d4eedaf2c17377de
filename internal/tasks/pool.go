// Package tasks holds the pool of submitted work and its lifecycle:
// pending, assigned to a cluster, then completed or cancelled.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/synergy-network/synergy-node/internal/models"
)

var (
	// ErrTaskNotFound is returned when a task ID is unknown.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when a submitted task reuses an ID.
	ErrTaskExists = errors.New("task already exists")
	// ErrInvalidTask is returned when a submission fails validation.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidTransition is returned when a task is not in the state an
	// operation requires.
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrWrongCluster is returned when a cluster completes a task assigned
	// to another cluster.
	ErrWrongCluster = errors.New("task is assigned to another cluster")
)

// DefaultAvailableLimit is the page size of Available when none is given.
const DefaultAvailableLimit = 10

// Stats summarizes the pool.
type Stats struct {
	Total             int                     `json:"total"`
	Pending           int                     `json:"pending"`
	Assigned          int                     `json:"assigned"`
	Completed         int                     `json:"completed"`
	Cancelled         int                     `json:"cancelled"`
	AverageCompletion time.Duration           `json:"average_completion"`
	ByType            map[models.TaskType]int `json:"by_type"`
}

// Pool is the in-memory task pool. It is safe for concurrent use.
type Pool struct {
	mu     sync.RWMutex
	tasks  map[string]*models.Task
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// NewPool creates an empty pool.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		tasks:  make(map[string]*models.Task),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger.With("component", "task_pool"),
	}
}

// Submit validates a task and adds it as pending. A missing ID is generated,
// a zero priority defaults to DefaultTaskPriority and a zero difficulty is
// estimated from the payload. Complexity is set from the difficulty level.
func (p *Pool) Submit(t *models.Task) (*models.Task, error) {
	task := *t
	if !task.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTask, task.Type)
	}
	if task.Priority == 0 {
		task.Priority = models.DefaultTaskPriority
	}
	if task.Priority < models.MinTaskPriority || task.Priority > models.MaxTaskPriority {
		return nil, fmt.Errorf("%w: priority %d outside [%d, %d]", ErrInvalidTask, task.Priority, models.MinTaskPriority, models.MaxTaskPriority)
	}
	if task.Difficulty == 0 {
		task.Difficulty = EstimateDifficulty(task.Type, task.Payload)
	}
	multiplier, err := models.DifficultyMultiplier(task.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	task.Complexity = multiplier
	if task.BaselineTime < 0 {
		return nil, fmt.Errorf("%w: negative baseline time", ErrInvalidTask)
	}
	if task.ID == "" {
		task.ID = p.newID()
	}
	task.Status = models.TaskStatusPending
	task.ClusterID = ""
	task.Result = nil
	task.AssignedAt, task.CompletedAt, task.CancelledAt = nil, nil, nil
	if task.CreatedAt.IsZero() {
		task.CreatedAt = p.now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[task.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	p.tasks[task.ID] = &task

	p.logger.Info("task submitted",
		"task_id", task.ID,
		"type", task.Type,
		"difficulty", task.Difficulty,
		"priority", task.Priority,
	)
	return cloneTask(&task), nil
}

// Get returns a copy of a task.
func (p *Pool) Get(id string) (*models.Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return cloneTask(t), nil
}

// Available returns up to limit pending tasks, highest priority first and
// oldest first within a priority. A non-positive limit uses
// DefaultAvailableLimit.
func (p *Pool) Available(limit int) []*models.Task {
	if limit <= 0 {
		limit = DefaultAvailableLimit
	}
	out := p.ByStatus(models.TaskStatusPending)
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Assign moves a pending task to clusterID.
func (p *Pool) Assign(taskID, clusterID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != models.TaskStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, taskID, t.Status)
	}
	now := p.now().UTC()
	t.Status = models.TaskStatusAssigned
	t.ClusterID = clusterID
	t.AssignedAt = &now

	p.logger.Debug("task assigned", "task_id", taskID, "cluster_id", clusterID)
	return nil
}

// Complete records the result of an assigned task. Only the cluster it was
// assigned to may complete it. It returns the time since assignment.
func (p *Pool) Complete(taskID, clusterID string, result json.RawMessage) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[taskID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != models.TaskStatusAssigned {
		return 0, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, taskID, t.Status)
	}
	if t.ClusterID != clusterID {
		return 0, fmt.Errorf("%w: %s belongs to %s", ErrWrongCluster, taskID, t.ClusterID)
	}
	now := p.now().UTC()
	t.Status = models.TaskStatusCompleted
	t.CompletedAt = &now
	t.Result = append(json.RawMessage(nil), result...)

	elapsed := now.Sub(*t.AssignedAt)
	p.logger.Info("task completed", "task_id", taskID, "cluster_id", clusterID, "elapsed", elapsed)
	return elapsed, nil
}

// Cancel withdraws a pending or assigned task.
func (p *Pool) Cancel(taskID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusAssigned {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, taskID, t.Status)
	}
	now := p.now().UTC()
	t.Status = models.TaskStatusCancelled
	t.CancelReason = reason
	t.CancelledAt = &now

	p.logger.Info("task cancelled", "task_id", taskID, "reason", reason)
	return nil
}

// ByStatus returns copies of every task in status, ordered by ID.
func (p *Pool) ByStatus(status models.TaskStatus) []*models.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*models.Task
	for _, t := range p.tasks {
		if t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Stats counts tasks per status and type and averages completion time over
// completed tasks.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{Total: len(p.tasks), ByType: make(map[models.TaskType]int)}
	var total time.Duration
	for _, t := range p.tasks {
		s.ByType[t.Type]++
		switch t.Status {
		case models.TaskStatusPending:
			s.Pending++
		case models.TaskStatusAssigned:
			s.Assigned++
		case models.TaskStatusCompleted:
			s.Completed++
			total += t.CompletedAt.Sub(*t.AssignedAt)
		case models.TaskStatusCancelled:
			s.Cancelled++
		}
	}
	if s.Completed > 0 {
		s.AverageCompletion = total / time.Duration(s.Completed)
	}
	return s
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	c.Requirements.SpecialHardware = append([]string(nil), t.Requirements.SpecialHardware...)
	return &c
}
