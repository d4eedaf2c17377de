package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/queue"
	"github.com/synergy-network/synergy-node/pkg/logger"
)

// **Feature: task-intake, Property 1: Dequeue order**
// For any sequence of enqueued priorities, tasks come out ordered by
// priority descending and, within a priority, in submission order.
func TestPropertyDequeueOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("priority then FIFO", prop.ForAll(
		func(priorities []int) bool {
			ctx := context.Background()
			q := New(logger.Discard())
			for k, p := range priorities {
				if err := q.Enqueue(ctx, &models.Task{ID: fmt.Sprintf("t%03d", k), Priority: p}); err != nil {
					return false
				}
			}

			prevPriority := models.MaxTaskPriority + 1
			prevID := ""
			for range priorities {
				task, err := q.Dequeue(ctx)
				if err != nil {
					return false
				}
				if task.Priority > prevPriority {
					return false
				}
				if task.Priority == prevPriority && task.ID < prevID {
					return false
				}
				prevPriority, prevID = task.Priority, task.ID
				if err := q.Ack(ctx, task.ID); err != nil {
					return false
				}
			}
			_, err := q.Dequeue(ctx)
			return err == queue.ErrNoJobs
		},
		gen.SliceOf(gen.IntRange(models.MinTaskPriority, models.MaxTaskPriority)),
	))

	properties.TestingRun(t)
}

func TestAckNackLifecycle(t *testing.T) {
	ctx := context.Background()
	q := New(logger.Discard())

	require.NoError(t, q.Enqueue(ctx, &models.Task{ID: "a", Priority: 5}))
	require.ErrorIs(t, q.Enqueue(ctx, &models.Task{ID: "a", Priority: 5}), queue.ErrDuplicateJob)
	require.ErrorIs(t, q.Ack(ctx, "a"), queue.ErrJobNotFound)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", task.ID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, queue.ErrNoJobs)

	require.NoError(t, q.Nack(ctx, "a"))
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, task.ID))
	require.ErrorIs(t, q.Nack(ctx, "a"), queue.ErrJobNotFound)
}
