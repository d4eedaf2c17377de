package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType identifies the kind of work a task carries.
type TaskType string

const (
	TaskTypeTransaction TaskType = "transaction"
	TaskTypeBlock       TaskType = "block"
	TaskTypeValidation  TaskType = "validation"
	TaskTypeComputation TaskType = "computation"
	TaskTypeStorage     TaskType = "storage"
)

// IsValid returns true if the task type is supported.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskTypeTransaction, TaskTypeBlock, TaskTypeValidation, TaskTypeComputation, TaskTypeStorage:
		return true
	default:
		return false
	}
}

// TaskStatus represents where a task is in its lifecycle.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsValid returns true if the status is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusCompleted, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task priority and difficulty bounds.
const (
	MinTaskPriority     = 1
	MaxTaskPriority     = 10
	DefaultTaskPriority = 5
	MinTaskDifficulty   = 1
	MaxTaskDifficulty   = 5
)

// difficultyMultipliers maps difficulty level 1..5 to its points multiplier.
var difficultyMultipliers = [...]uint64{1, 2, 5, 10, 20}

// DifficultyMultiplier returns the points multiplier for a difficulty level.
func DifficultyMultiplier(level int) (uint64, error) {
	if level < MinTaskDifficulty || level > MaxTaskDifficulty {
		return 0, fmt.Errorf("invalid difficulty level: %d", level)
	}
	return difficultyMultipliers[level-1], nil
}

// Task is a unit of work submitted by the task source and executed by a cluster.
type Task struct {
	ID           string               `json:"id"`
	Type         TaskType             `json:"type"`
	Payload      json.RawMessage      `json:"payload,omitempty"`
	Requirements ResourceRequirements `json:"requirements"`
	// Difficulty is the submitted level (1..5); Complexity is its multiplier.
	Difficulty   int             `json:"difficulty"`
	Complexity   uint64          `json:"complexity"`
	Priority     int             `json:"priority"`
	BaselineTime time.Duration   `json:"baseline_time"`
	Status       TaskStatus      `json:"status"`
	ClusterID    string          `json:"cluster_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	AssignedAt   *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
}

// TaskResult is the content a cluster primary proposes for agreement once a
// task has been executed.
type TaskResult struct {
	TaskID           string          `json:"task_id"`
	Success          bool            `json:"success"`
	Output           json.RawMessage `json:"output,omitempty"`
	CompletionMillis int64           `json:"completion_ms"`
	BaselineMillis   int64           `json:"baseline_ms"`
	Complexity       float64         `json:"complexity"`
}

// CompletionTime returns the reported execution time.
func (r *TaskResult) CompletionTime() time.Duration {
	return time.Duration(r.CompletionMillis) * time.Millisecond
}

// BaselineTime returns the expected execution time.
func (r *TaskResult) BaselineTime() time.Duration {
	return time.Duration(r.BaselineMillis) * time.Millisecond
}

// CommittedResult is what the state ledger receives for every committed
// sequence number of a cluster.
type CommittedResult struct {
	ClusterID   string    `json:"cluster_id"`
	Sequence    uint64    `json:"sequence"`
	View        uint64    `json:"view"`
	Digest      string    `json:"digest"`
	Content     []byte    `json:"content"`
	Voters      []string  `json:"voters"`
	CommittedAt time.Time `json:"committed_at"`
}
