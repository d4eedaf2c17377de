// Package queue provides the durable intake queue of submitted tasks.
package queue

import (
	"context"
	"errors"

	"github.com/synergy-network/synergy-node/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrNoJobs is returned when no tasks are waiting in the queue.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound is returned when a task is not in the expected queue state.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when a task ID is already queued.
	ErrDuplicateJob = errors.New("job already queued")
)

// Queue defines the interface for task intake operations. Tasks are handed
// out by priority, highest first, then in submission order.
type Queue interface {
	// Enqueue adds a submitted task to the queue.
	// The task is serialized to JSON for storage.
	Enqueue(ctx context.Context, task *models.Task) error

	// Dequeue retrieves and locks the next waiting task.
	// Returns ErrNoJobs if no tasks are waiting.
	Dequeue(ctx context.Context) (*models.Task, error)

	// Ack acknowledges that a dequeued task was handed to the pool,
	// removing it from the queue.
	Ack(ctx context.Context, taskID string) error

	// Nack returns a dequeued task to the queue for another attempt.
	Nack(ctx context.Context, taskID string) error

	// Depth returns the number of tasks waiting to be dequeued.
	Depth(ctx context.Context) (int, error)
}
