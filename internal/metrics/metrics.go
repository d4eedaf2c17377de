// Package metrics exposes node health as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/consensus"
	"github.com/synergy-network/synergy-node/internal/tasks"
)

const namespace = "synergy"

// Metrics holds every collector the node reports. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	MessagesAccepted *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	Commits          *prometheus.CounterVec
	ViewChanges      *prometheus.CounterVec
	Escalations      *prometheus.CounterVec
	CurrentView      *prometheus.GaugeVec
	FailedViews      *prometheus.GaugeVec

	Clusters   *prometheus.GaugeVec
	Validators *prometheus.GaugeVec
	Tasks      *prometheus.GaugeVec
	QueueDepth prometheus.Gauge

	PointsAwarded prometheus.Counter
	PointsDecayed prometheus.Counter

	DeliveryFailures prometheus.Counter
	Snapshots        *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
}

// New creates and registers the node collectors along with the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "messages_accepted_total",
			Help:      "Protocol messages accepted, by kind.",
		}, []string{"kind"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "messages_dropped_total",
			Help:      "Protocol messages dropped, by reason.",
		}, []string{"reason"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "commits_total",
			Help:      "Results committed, by cluster.",
		}, []string{"cluster_id"}),
		ViewChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "view_changes_total",
			Help:      "Views abandoned after a timeout, by cluster.",
		}, []string{"cluster_id"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "liveness_escalations_total",
			Help:      "Failed views past the escalation ceiling, by cluster.",
		}, []string{"cluster_id"}),
		CurrentView: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "view",
			Help:      "Current view number, by cluster.",
		}, []string{"cluster_id"}),
		FailedViews: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "failed_views",
			Help:      "Consecutive failed views, by cluster.",
		}, []string{"cluster_id"}),
		Clusters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clusters",
			Help:      "Clusters by lifecycle status.",
		}, []string{"status"}),
		Validators: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validators",
			Help:      "Registered validators by state.",
		}, []string{"state"}),
		Tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Pool tasks by status.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Tasks waiting in the intake queue.",
		}),
		PointsAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "points",
			Name:      "awarded_total",
			Help:      "Synergy points credited for completed tasks.",
		}),
		PointsDecayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "points",
			Name:      "decayed_total",
			Help:      "Synergy points removed by idle decay.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "delivery_failures_total",
			Help:      "Peer deliveries that failed after retries.",
		}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "checkpoints_total",
			Help:      "Snapshot checkpoints, by outcome.",
		}, []string{"outcome"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "checkpoint_duration_seconds",
			Help:      "Time taken to write a full checkpoint.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesAccepted,
		m.MessagesDropped,
		m.Commits,
		m.ViewChanges,
		m.Escalations,
		m.CurrentView,
		m.FailedViews,
		m.Clusters,
		m.Validators,
		m.Tasks,
		m.QueueDepth,
		m.PointsAwarded,
		m.PointsDecayed,
		m.DeliveryFailures,
		m.Snapshots,
		m.SnapshotDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOutcome records the result of feeding one message to an instance.
func (m *Metrics) ObserveOutcome(clusterID string, kind consensus.Kind, out consensus.Outcome) {
	if out.Accepted {
		m.MessagesAccepted.WithLabelValues(kind.String()).Inc()
	} else if out.Reason != consensus.DropNone {
		m.MessagesDropped.WithLabelValues(string(out.Reason)).Inc()
	}
	if out.Committed != nil {
		m.Commits.WithLabelValues(clusterID).Inc()
	}
}

// ObserveTimers records a maintenance tick of an instance.
func (m *Metrics) ObserveTimers(clusterID string, out consensus.TimerOutcome) {
	if out.ViewChanged {
		m.ViewChanges.WithLabelValues(clusterID).Inc()
	}
	if out.Escalate {
		m.Escalations.WithLabelValues(clusterID).Inc()
	}
	m.CurrentView.WithLabelValues(clusterID).Set(float64(out.View))
	m.FailedViews.WithLabelValues(clusterID).Set(float64(out.FailedViews))
}

// ForgetCluster removes the per-cluster series of a retired cluster.
func (m *Metrics) ForgetCluster(clusterID string) {
	m.CurrentView.DeleteLabelValues(clusterID)
	m.FailedViews.DeleteLabelValues(clusterID)
}

// SetClusterHealth publishes a cluster census.
func (m *Metrics) SetClusterHealth(s cluster.HealthSummary) {
	m.Clusters.WithLabelValues("active").Set(float64(s.ActiveClusters))
	m.Clusters.WithLabelValues("forming").Set(float64(s.FormingClusters))
	m.Clusters.WithLabelValues("reshuffling").Set(float64(s.ReshufflingClusters))
	m.Clusters.WithLabelValues("dissolving").Set(float64(s.DissolvingClusters))
	m.Validators.WithLabelValues("total").Set(float64(s.TotalValidators))
	m.Validators.WithLabelValues("active").Set(float64(s.ActiveValidators))
	m.Validators.WithLabelValues("clustered").Set(float64(s.ClusteredValidators))
}

// SetTaskStats publishes task pool counts.
func (m *Metrics) SetTaskStats(s tasks.Stats) {
	m.Tasks.WithLabelValues("pending").Set(float64(s.Pending))
	m.Tasks.WithLabelValues("assigned").Set(float64(s.Assigned))
	m.Tasks.WithLabelValues("completed").Set(float64(s.Completed))
	m.Tasks.WithLabelValues("cancelled").Set(float64(s.Cancelled))
}
