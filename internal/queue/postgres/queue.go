// Package postgres provides a PostgreSQL-backed implementation of the task queue.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/queue"
)

// PostgresQueue implements queue.Queue on the task_queue table.
type PostgresQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresQueue creates a new PostgreSQL-backed queue. The table is
// created by the store's schema migration.
func NewPostgresQueue(db *sql.DB, logger *slog.Logger) *PostgresQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueue{
		db:     db,
		logger: logger.With("component", "task_queue"),
	}
}

// Enqueue serializes the task to JSON and stores it in the task_queue table.
func (q *PostgresQueue) Enqueue(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task to JSON: %w", err)
	}

	query := `
		INSERT INTO task_queue (id, job_data, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $4)`

	now := time.Now().UTC()
	if _, err := q.db.ExecContext(ctx, query, task.ID, data, task.Priority, now); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", queue.ErrDuplicateJob, task.ID)
		}
		return fmt.Errorf("inserting task into queue: %w", err)
	}

	q.logger.Debug("enqueued task", "task_id", task.ID, "priority", task.Priority)
	return nil
}

// Dequeue locks the highest-priority, oldest pending task and marks it
// processing. SKIP LOCKED lets several dispatchers share the table.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id, job_data
		FROM task_queue
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var id string
	var data []byte
	if err := tx.QueryRowContext(ctx, selectQuery).Scan(&id, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJobs
		}
		return nil, fmt.Errorf("selecting task from queue: %w", err)
	}

	updateQuery := `
		UPDATE task_queue
		SET status = 'processing', updated_at = $2
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, updateQuery, id, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshaling task from JSON: %w", err)
	}

	q.logger.Debug("dequeued task", "task_id", task.ID)
	return &task, nil
}

// Ack removes a processing task from the queue.
func (q *PostgresQueue) Ack(ctx context.Context, taskID string) error {
	query := `
		DELETE FROM task_queue
		WHERE id = $1 AND status = 'processing'`

	return q.execOne(ctx, query, taskID, "acknowledged task")
}

// Nack makes a processing task pending again and counts the retry.
func (q *PostgresQueue) Nack(ctx context.Context, taskID string) error {
	query := `
		UPDATE task_queue
		SET status = 'pending', retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	return q.execOne(ctx, query, taskID, "nacked task")
}

// Depth counts pending tasks.
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queue WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending tasks: %w", err)
	}
	return n, nil
}

func (q *PostgresQueue) execOne(ctx context.Context, query, taskID, msg string) error {
	result, err := q.db.ExecContext(ctx, query, taskID)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", taskID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return queue.ErrJobNotFound
	}

	q.logger.Debug(msg, "task_id", taskID)
	return nil
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL error code 23505 is unique_violation
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "unique constraint") ||
		strings.Contains(err.Error(), "duplicate key")
}
