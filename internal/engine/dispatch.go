package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/consensus"
	"github.com/synergy-network/synergy-node/internal/events"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/queue"
	"github.com/synergy-network/synergy-node/internal/tasks"
)

// Executor runs a task on behalf of the cluster it was assigned to. The
// returned result is what the cluster agrees on.
type Executor interface {
	Execute(ctx context.Context, t *models.Task) (*models.TaskResult, error)
}

// DigestExecutor attests to a task by hashing its payload.
type DigestExecutor struct{}

// Execute returns the SHA-256 of the payload as the task output.
func (DigestExecutor) Execute(ctx context.Context, t *models.Task) (*models.TaskResult, error) {
	start := time.Now()
	sum := sha256.Sum256(t.Payload)
	out, err := json.Marshal(map[string]string{"payload_sha256": hex.EncodeToString(sum[:])})
	if err != nil {
		return nil, err
	}
	return &models.TaskResult{
		TaskID:           t.ID,
		Success:          true,
		Output:           out,
		CompletionMillis: time.Since(start).Milliseconds(),
	}, nil
}

// errDeferred marks a task that cannot be dispatched by this node right now.
var errDeferred = errors.New("dispatch deferred")

// Dispatch moves up to DispatchBatch queued tasks to clusters. A task is
// dispatched only by the node hosting the primary of the chosen cluster;
// everything else goes back to the queue.
func (e *Engine) Dispatch(ctx context.Context) int {
	var deferred []string
	dispatched := 0

	for n := 0; n < e.cfg.DispatchBatch; n++ {
		t, err := e.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrNoJobs) {
			break
		}
		if err != nil {
			e.logger.Error("failed to dequeue task", "error", err)
			break
		}

		err = e.dispatchTask(ctx, t)
		switch {
		case err == nil:
			dispatched++
			if err := e.queue.Ack(ctx, t.ID); err != nil {
				e.logger.Error("failed to ack task", "task_id", t.ID, "error", err)
			}
		case errors.Is(err, errDeferred):
			e.logger.Debug("task deferred", "task_id", t.ID, "reason", err)
			deferred = append(deferred, t.ID)
		default:
			e.logger.Warn("task dropped", "task_id", t.ID, "error", err)
			if err := e.queue.Ack(ctx, t.ID); err != nil {
				e.logger.Error("failed to ack task", "task_id", t.ID, "error", err)
			}
		}
	}

	for _, id := range deferred {
		if err := e.queue.Nack(ctx, id); err != nil {
			e.logger.Error("failed to nack task", "task_id", id, "error", err)
		}
	}
	if depth, err := e.queue.Depth(ctx); err == nil {
		e.metrics.QueueDepth.Set(float64(depth))
	}
	return dispatched
}

// dispatchTask places one task. It returns errDeferred when the task should
// be retried later and any other error when it should be dropped.
func (e *Engine) dispatchTask(ctx context.Context, queued *models.Task) error {
	t, err := e.pool.Get(queued.ID)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		t, err = e.pool.Submit(queued)
	}
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	if t.Status != models.TaskStatusPending {
		return fmt.Errorf("task is %s", t.Status)
	}

	clusterID, err := e.clusters.FindClusterForTask(t.Requirements)
	if errors.Is(err, cluster.ErrNoSuitableCluster) {
		return fmt.Errorf("%w: %v", errDeferred, err)
	}
	if err != nil {
		return err
	}
	a := e.actor(clusterID)
	if a == nil || !a.inst.IsPrimary() {
		return fmt.Errorf("%w: not the primary of %s", errDeferred, clusterID)
	}

	result, err := e.executor.Execute(ctx, t)
	if err != nil {
		e.logger.Warn("task execution failed", "task_id", t.ID, "cluster_id", clusterID, "error", err)
		result = &models.TaskResult{TaskID: t.ID, Success: false}
	}
	result.TaskID = t.ID
	result.Complexity = float64(t.Complexity)
	baseline := t.BaselineTime
	if baseline <= 0 {
		baseline = DefaultBaselineTime
	}
	result.BaselineMillis = baseline.Milliseconds()

	content, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	var proposeErr error
	var seq uint64
	err = a.do(ctx, func() {
		info := a.inst.Info()
		if !info.IsPrimary || info.State == consensus.StateViewChanging {
			proposeErr = errDeferred
			return
		}
		if err := e.clusters.AssignTaskToCluster(t.ID, clusterID); err != nil {
			if errors.Is(err, cluster.ErrClusterNotActive) {
				proposeErr = fmt.Errorf("%w: %v", errDeferred, err)
			} else {
				proposeErr = err
			}
			return
		}
		if err := e.pool.Assign(t.ID, clusterID); err != nil {
			if releaseErr := e.clusters.FailTask(clusterID, t.ID); releaseErr != nil {
				e.logger.Warn("failed to release cluster assignment", "task_id", t.ID, "error", releaseErr)
			}
			proposeErr = err
			return
		}

		var out consensus.Outcome
		seq, out, proposeErr = a.inst.StartConsensus(content)
		if proposeErr != nil {
			return
		}
		e.afterOutcome(a, consensus.KindPrePrepare, out)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errDeferred, err)
	}
	if proposeErr != nil {
		return proposeErr
	}

	e.logger.Info("task dispatched", "task_id", t.ID, "cluster_id", clusterID, "sequence", seq)
	e.events.Publish(events.Event{
		Type:      events.TypeTaskAssigned,
		ClusterID: clusterID,
		Data:      map[string]any{"task_id": t.ID, "sequence": seq},
	})
	return nil
}
