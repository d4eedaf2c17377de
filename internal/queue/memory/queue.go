// Package memory provides an in-process implementation of the task queue.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/queue"
)

type entry struct {
	task       *models.Task
	seq        uint64
	processing bool
	retries    int
}

// Queue implements queue.Queue in memory. Contents are lost on restart.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextSeq uint64
	logger  *slog.Logger
}

// New creates an empty queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "task_queue"),
	}
}

// Enqueue adds a copy of task.
func (q *Queue) Enqueue(ctx context.Context, task *models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[task.ID]; ok {
		return fmt.Errorf("%w: %s", queue.ErrDuplicateJob, task.ID)
	}
	c := *task
	q.nextSeq++
	q.entries[task.ID] = &entry{task: &c, seq: q.nextSeq}
	q.logger.Debug("enqueued task", "task_id", task.ID, "priority", task.Priority)
	return nil
}

// Dequeue marks the highest-priority, earliest pending task processing.
func (q *Queue) Dequeue(ctx context.Context) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *entry
	for _, e := range q.entries {
		if e.processing {
			continue
		}
		if best == nil || e.task.Priority > best.task.Priority ||
			(e.task.Priority == best.task.Priority && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, queue.ErrNoJobs
	}
	best.processing = true
	c := *best.task
	return &c, nil
}

// Ack removes a processing task.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok || !e.processing {
		return queue.ErrJobNotFound
	}
	delete(q.entries, taskID)
	return nil
}

// Nack returns a processing task to the pending set. It keeps its original
// position among tasks of the same priority.
func (q *Queue) Nack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok || !e.processing {
		return queue.ErrJobNotFound
	}
	e.processing = false
	e.retries++
	return nil
}

// Depth counts pending tasks.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if !e.processing {
			n++
		}
	}
	return n, nil
}
