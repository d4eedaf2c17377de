package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/consensus"
	"github.com/synergy-network/synergy-node/internal/events"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/tasks"
)

// applyCommit delivers a committed result to the state ledger and, the first
// time it is applied, to the points ledger, the cluster table and the task
// pool. It runs on the actor goroutine of clusterID, so results of one
// cluster are applied in commit order.
func (e *Engine) applyCommit(ctx context.Context, clusterID string, c *consensus.Committed) {
	logger := e.logger.With("cluster_id", clusterID, "sequence", c.Sequence, "view", c.View)

	applied, err := e.store.Results().ApplyCommittedResult(ctx, &models.CommittedResult{
		ClusterID:   clusterID,
		Sequence:    c.Sequence,
		View:        c.View,
		Digest:      c.Digest,
		Content:     c.Content,
		Voters:      c.Voters,
		CommittedAt: e.now().UTC(),
	})
	if err != nil {
		logger.Error("failed to apply committed result", "error", err)
		return
	}
	if !applied {
		logger.Debug("committed result already applied")
		return
	}

	data := map[string]any{
		"sequence": c.Sequence,
		"view":     c.View,
		"digest":   c.Digest,
		"voters":   c.Voters,
	}

	var result models.TaskResult
	if err := json.Unmarshal(c.Content, &result); err != nil || result.TaskID == "" {
		logger.Warn("committed content is not a task result", "error", err)
		e.events.Publish(events.Event{Type: events.TypeCommitted, ClusterID: clusterID, Data: data})
		return
	}
	data["task_id"] = result.TaskID
	data["success"] = result.Success
	e.events.Publish(events.Event{Type: events.TypeCommitted, ClusterID: clusterID, Data: data})

	if result.Success {
		e.creditTask(clusterID, c.Voters, &result)
	} else {
		e.failTask(clusterID, c.Voters, &result)
	}
}

// creditTask scores every voter and completes the task locally. The node
// that dispatched the task completes it; the other members record a
// verification.
func (e *Engine) creditTask(clusterID string, voters []string, r *models.TaskResult) {
	logger := e.logger.With("cluster_id", clusterID, "task_id", r.TaskID)

	complexity := r.Complexity
	if complexity <= 0 {
		complexity = 1
	}
	awarded := make(map[string]uint64, len(voters))
	var total uint64
	for _, id := range voters {
		p := e.points.CalculateTaskPoints(complexity, r.CompletionTime(), r.BaselineTime(), id)
		awarded[id] = p
		total += p
	}
	e.metrics.PointsAwarded.Add(float64(total))

	if t, err := e.pool.Get(r.TaskID); err == nil && t.Status == models.TaskStatusAssigned && t.ClusterID == clusterID {
		if _, err := e.pool.Complete(r.TaskID, clusterID, r.Output); err != nil {
			logger.Warn("failed to complete pool task", "error", err)
		}
		if err := e.clusters.CompleteTask(clusterID, r.TaskID, r.CompletionTime(), total); err != nil {
			logger.Warn("failed to record cluster completion", "error", err)
		}
	} else if err := e.clusters.VerifyTask(clusterID, r.TaskID); err != nil && !errors.Is(err, cluster.ErrClusterNotFound) {
		logger.Warn("failed to record verification", "error", err)
	}

	logger.Info("task completed", "points_awarded", total, "voters", len(voters))
	e.events.Publish(events.Event{
		Type:      events.TypeTaskCompleted,
		ClusterID: clusterID,
		Data: map[string]any{
			"task_id": r.TaskID,
			"points":  awarded,
		},
	})
}

// failTask breaks the voters' success streaks and releases the task.
func (e *Engine) failTask(clusterID string, voters []string, r *models.TaskResult) {
	logger := e.logger.With("cluster_id", clusterID, "task_id", r.TaskID)

	for _, id := range voters {
		e.points.RecordTaskFailure(id)
	}
	if err := e.clusters.FailTask(clusterID, r.TaskID); err != nil && !errors.Is(err, cluster.ErrTaskNotAssigned) {
		logger.Warn("failed to record cluster failure", "error", err)
	}
	if err := e.pool.Cancel(r.TaskID, "execution failed"); err != nil && !errors.Is(err, tasks.ErrTaskNotFound) {
		logger.Warn("failed to cancel pool task", "error", err)
	}
	logger.Warn("task failed", "voters", len(voters))
}

// trackProposals records on the local cluster table the tasks carried by
// proposals the instance has just accepted and not yet committed. A reshuffle
// then keeps the cluster, and this node's instance, alive until they commit.
// It runs on the actor goroutine before the outcome is applied.
func (e *Engine) trackProposals(a *actor, m consensus.Message, out consensus.Outcome) {
	if !out.Accepted {
		return
	}
	var proposals []*consensus.PrePrepare
	collect := func(m consensus.Message) {
		switch msg := m.(type) {
		case *consensus.PrePrepare:
			proposals = append(proposals, msg)
		case *consensus.NewView:
			for k := range msg.Prepared {
				proposals = append(proposals, &msg.Prepared[k].PrePrepare)
			}
		}
	}
	collect(m)
	for _, o := range out.Outbox {
		if _, ok := o.(*consensus.NewView); ok {
			collect(o)
		}
	}

	for _, pp := range proposals {
		if _, done := a.inst.Result(pp.Sequence); done {
			continue
		}
		var r models.TaskResult
		if err := json.Unmarshal(pp.Content, &r); err != nil || r.TaskID == "" {
			continue
		}
		if err := e.clusters.TrackTask(a.clusterID, r.TaskID); err != nil {
			e.logger.Warn("failed to track proposed task",
				"cluster_id", a.clusterID,
				"task_id", r.TaskID,
				"sequence", pp.Sequence,
				"error", err,
			)
		}
	}
}
