package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/synergy-network/synergy-node/internal/consensus"
	"github.com/synergy-network/synergy-node/internal/events"
	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/internal/store"
)

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	ViewChanges int      `json:"view_changes"`
	Escalations []string `json:"escalations"`
	Reshuffled  int      `json:"reshuffled"`
	Drained     []string `json:"drained"`
	Decayed     uint64   `json:"decayed_points"`
}

// Maintain runs one maintenance pass at now: instance timers, cluster
// reshuffle and drain, points decay and gauge refresh.
func (e *Engine) Maintain(ctx context.Context, now time.Time) MaintenanceReport {
	var report MaintenanceReport

	for _, id := range e.InstanceIDs() {
		a := e.actor(id)
		if a == nil {
			continue
		}
		var out consensus.TimerOutcome
		err := a.do(ctx, func() {
			out = a.inst.CheckTimers(now)
			e.send(a, out.Outbox)
		})
		if err != nil {
			e.logger.Warn("timer check skipped", "cluster_id", id, "error", err)
			continue
		}
		e.metrics.ObserveTimers(id, out)
		if !out.ViewChanged {
			continue
		}

		report.ViewChanges++
		e.logger.Warn("view change triggered", "cluster_id", id, "view", out.View, "failed_views", out.FailedViews)
		e.events.Publish(events.Event{
			Type:      events.TypeViewChanged,
			ClusterID: id,
			Data:      map[string]any{"view": out.View, "failed_views": out.FailedViews},
		})
		if out.Escalate {
			report.Escalations = append(report.Escalations, id)
			e.logger.Error("liveness escalation",
				"cluster_id", id,
				"view", out.View,
				"failed_views", out.FailedViews,
				"ceiling", e.cfg.Consensus.MaxFailedViews,
			)
			e.events.Publish(events.Event{
				Type:      events.TypeEscalation,
				ClusterID: id,
				Data:      map[string]any{"view": out.View, "failed_views": out.FailedViews},
			})
		}
	}

	report.Reshuffled = e.clusters.ReshuffleClusters(now)
	report.Drained = e.clusters.DrainReshuffling()
	if report.Reshuffled > 0 || len(report.Drained) > 0 {
		if err := e.Reconcile(); err != nil && !errors.Is(err, ErrNotRunning) {
			e.logger.Error("failed to reconcile cluster instances", "error", err)
		}
	}

	before := make(map[string]uint64)
	for _, s := range e.points.Standings() {
		before[s.ValidatorID] = s.Points
	}
	for id, after := range e.points.ApplyPointsDecay(now) {
		if b := before[id]; b > after {
			report.Decayed += b - after
		}
	}
	if report.Decayed > 0 {
		e.metrics.PointsDecayed.Add(float64(report.Decayed))
		e.events.Publish(events.Event{
			Type: events.TypePointsDecayed,
			Data: map[string]any{"points": report.Decayed},
		})
	}

	e.metrics.SetClusterHealth(e.clusters.CheckClusterHealth())
	e.metrics.SetTaskStats(e.pool.Stats())
	if depth, err := e.queue.Depth(ctx); err == nil {
		e.metrics.QueueDepth.Set(float64(depth))
	}

	e.logger.Debug("maintenance pass complete",
		"view_changes", report.ViewChanges,
		"reshuffled", report.Reshuffled,
		"drained", len(report.Drained),
		"decayed_points", report.Decayed,
	)
	return report
}

// Checkpoint writes snapshots of the points ledger, the cluster table and
// every hosted instance.
func (e *Engine) Checkpoint(ctx context.Context) error {
	start := time.Now()
	err := e.checkpoint(ctx)
	e.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.Snapshots.WithLabelValues("error").Inc()
		return err
	}
	e.metrics.Snapshots.WithLabelValues("ok").Inc()
	e.logger.Debug("checkpoint written", "duration", time.Since(start))
	return nil
}

func (e *Engine) checkpoint(ctx context.Context) error {
	snaps := e.store.Snapshots()

	data, err := e.points.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("encoding points snapshot: %w", err)
	}
	if err := snaps.SaveSnapshot(ctx, pointsKey, data); err != nil {
		return fmt.Errorf("saving points snapshot: %w", err)
	}

	data, err = e.clusters.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("encoding cluster snapshot: %w", err)
	}
	if err := snaps.SaveSnapshot(ctx, clustersKey, data); err != nil {
		return fmt.Errorf("saving cluster snapshot: %w", err)
	}

	var errs []error
	for _, id := range e.InstanceIDs() {
		a := e.actor(id)
		if a == nil {
			continue
		}
		var data []byte
		var encErr error
		if err := a.do(ctx, func() { data, encErr = a.inst.MarshalSnapshot() }); err != nil {
			errs = append(errs, fmt.Errorf("snapshotting instance %s: %w", id, err))
			continue
		}
		if encErr != nil {
			errs = append(errs, fmt.Errorf("encoding instance %s: %w", id, encErr))
			continue
		}
		if err := snaps.SaveSnapshot(ctx, consensusKey(id), data); err != nil {
			errs = append(errs, fmt.Errorf("saving instance %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

var (
	pointsKey   = store.SnapshotKey{Kind: snapshot.KindPoints}
	clustersKey = store.SnapshotKey{Kind: snapshot.KindClusters}
)

func consensusKey(clusterID string) store.SnapshotKey {
	return store.SnapshotKey{Kind: snapshot.KindConsensus, Scope: clusterID}
}
