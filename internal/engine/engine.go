// Package engine runs the node: one actor per local consensus instance, the
// fan-out of committed results, task dispatch and periodic maintenance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/consensus"
	"github.com/synergy-network/synergy-node/internal/events"
	"github.com/synergy-network/synergy-node/internal/metrics"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/points"
	"github.com/synergy-network/synergy-node/internal/queue"
	"github.com/synergy-network/synergy-node/internal/store"
	"github.com/synergy-network/synergy-node/internal/tasks"
	"github.com/synergy-network/synergy-node/internal/transport"
	"github.com/synergy-network/synergy-node/pkg/config"
	"github.com/synergy-network/synergy-node/pkg/logger"
)

// Defaults for the engine loops.
const (
	DefaultDispatchInterval = time.Second
	DefaultOutboxSize       = 1024
	DefaultBaselineTime     = time.Minute
)

var (
	// ErrNoInstance is returned when the node hosts no instance for a cluster.
	ErrNoInstance = errors.New("no local consensus instance for cluster")
	// ErrNotRunning is returned by operations that need a started engine.
	ErrNotRunning = errors.New("engine is not running")
)

// Peers delivers envelopes to the other members of a cluster.
type Peers interface {
	BroadcastToCluster(ctx context.Context, members []string, env *transport.Envelope) error
}

// Config configures the engine loops.
type Config struct {
	NodeID    string
	Consensus config.ConsensusConfig
	// SnapshotInterval is the checkpoint period. Zero disables periodic
	// checkpoints; Stop still writes a final one.
	SnapshotInterval time.Duration
	DispatchInterval time.Duration
	// DispatchBatch caps how many queued tasks one dispatch pass handles.
	DispatchBatch int
	OutboxSize    int
}

// DefaultConfig returns engine settings for nodeID with default timings.
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID: nodeID,
		Consensus: config.ConsensusConfig{
			RequestTimeout:      consensus.DefaultRequestTimeout,
			ViewChangeTimeout:   consensus.DefaultViewChangeTimeout,
			MaxFailedViews:      consensus.DefaultMaxFailedViews,
			MaintenanceInterval: time.Minute,
		},
		SnapshotInterval: 5 * time.Minute,
		DispatchInterval: DefaultDispatchInterval,
		DispatchBatch:    tasks.DefaultAvailableLimit,
		OutboxSize:       DefaultOutboxSize,
	}
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Clusters *cluster.Manager
	Points   *points.Ledger
	Pool     *tasks.Pool
	Queue    queue.Queue
	Store    store.Store
	Peers    Peers
	Executor Executor
	Events   *events.Hub
	Metrics  *metrics.Metrics
	// Instances are recovered consensus instances keyed by cluster ID.
	Instances map[string]*consensus.Instance
}

// Engine coordinates the components of one validator node.
type Engine struct {
	cfg      Config
	clusters *cluster.Manager
	points   *points.Ledger
	pool     *tasks.Pool
	queue    queue.Queue
	store    store.Store
	peers    Peers
	executor Executor
	events   *events.Hub
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	actors    map[string]*actor
	recovered map[string]*consensus.Instance
	runCtx    context.Context
	cancel    context.CancelFunc
	running   bool
	wg        sync.WaitGroup
}

// New creates an engine. Nil Events, Metrics and Executor get defaults.
func New(cfg *Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if cfg == nil || cfg.NodeID == "" {
		return nil, fmt.Errorf("engine: node id is required")
	}
	if deps.Clusters == nil || deps.Points == nil || deps.Pool == nil || deps.Queue == nil || deps.Store == nil || deps.Peers == nil {
		return nil, fmt.Errorf("engine: clusters, points, pool, queue, store and peers are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := *cfg
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = DefaultDispatchInterval
	}
	if c.DispatchBatch <= 0 {
		c.DispatchBatch = tasks.DefaultAvailableLimit
	}
	if c.Consensus.MaintenanceInterval <= 0 {
		c.Consensus.MaintenanceInterval = time.Minute
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Executor == nil {
		deps.Executor = DigestExecutor{}
	}
	recovered := make(map[string]*consensus.Instance, len(deps.Instances))
	for id, inst := range deps.Instances {
		recovered[id] = inst
	}

	return &Engine{
		cfg:       c,
		clusters:  deps.Clusters,
		points:    deps.Points,
		pool:      deps.Pool,
		queue:     deps.Queue,
		store:     deps.Store,
		peers:     deps.Peers,
		executor:  deps.Executor,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "engine", "node_id", c.NodeID),
		now:       time.Now,
		actors:    make(map[string]*actor),
		recovered: recovered,
	}, nil
}

// Start launches actors for every live cluster the node belongs to and runs
// the dispatch, maintenance and checkpoint loops until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.mu.Unlock()

	if err := e.Reconcile(); err != nil {
		e.abort()
		return fmt.Errorf("starting cluster actors: %w", err)
	}

	e.logger.Info("engine starting",
		"maintenance_interval", e.cfg.Consensus.MaintenanceInterval,
		"dispatch_interval", e.cfg.DispatchInterval,
		"snapshot_interval", e.cfg.SnapshotInterval,
	)

	e.loop(e.cfg.DispatchInterval, func(ctx context.Context) { e.Dispatch(ctx) })
	e.loop(e.cfg.Consensus.MaintenanceInterval, func(ctx context.Context) { e.Maintain(ctx, e.now()) })
	if e.cfg.SnapshotInterval > 0 {
		e.loop(e.cfg.SnapshotInterval, func(ctx context.Context) {
			if err := e.Checkpoint(ctx); err != nil {
				e.logger.Error("checkpoint failed", "error", err)
			}
		})
	}
	return nil
}

func (e *Engine) loop(interval time.Duration, fn func(context.Context)) {
	ctx := e.runCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop halts the loops and actors and writes a final checkpoint.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	err := e.Checkpoint(ctx)

	e.mu.Lock()
	actors := e.actors
	e.actors = make(map[string]*actor)
	e.mu.Unlock()
	for _, a := range actors {
		a.stop()
	}

	e.logger.Info("engine stopped")
	return err
}

// abort tears down a failed start without checkpointing.
func (e *Engine) abort() {
	e.mu.Lock()
	e.running = false
	e.cancel()
	actors := e.actors
	e.actors = make(map[string]*actor)
	e.mu.Unlock()
	for _, a := range actors {
		a.stop()
	}
}

// Events returns the engine's event hub.
func (e *Engine) Events() *events.Hub {
	return e.events
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Running reports whether the engine loops are running.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// NodeID returns the local validator ID.
func (e *Engine) NodeID() string {
	return e.cfg.NodeID
}

// Endpoint resolves a validator's declared endpoint from the registry.
func (e *Engine) Endpoint(validatorID string) (string, error) {
	v, err := e.clusters.GetValidator(validatorID)
	if err != nil {
		return "", err
	}
	if v.Endpoint == "" {
		return "", fmt.Errorf("%w: %s", transport.ErrNoEndpoint, validatorID)
	}
	return v.Endpoint, nil
}

// Deliver hands an inbound envelope to the instance of its cluster.
func (e *Engine) Deliver(ctx context.Context, env *transport.Envelope) (*transport.Ack, error) {
	a := e.actor(env.ClusterID)
	if a == nil {
		return nil, status.Errorf(codes.NotFound, "no instance for cluster %s", env.ClusterID)
	}
	m, err := env.Open()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx = logger.ContextWithValidatorID(logger.ContextWithClusterID(ctx, env.ClusterID), env.Sender)

	var out consensus.Outcome
	err = a.do(ctx, func() {
		out = a.inst.ReceiveMessage(m)
		e.trackProposals(a, m, out)
		e.afterOutcome(a, m.Kind(), out)
	})
	if err != nil {
		if errors.Is(err, ErrActorStopped) {
			return nil, status.Errorf(codes.Unavailable, "cluster %s is shutting down", env.ClusterID)
		}
		return nil, status.FromContextError(err).Err()
	}
	if out.Accepted {
		if err := e.clusters.Touch(env.Sender); err != nil && !errors.Is(err, cluster.ErrValidatorNotFound) {
			logger.FromContext(ctx, e.logger).Warn("failed to touch validator", "error", err)
		}
	}
	return &transport.Ack{Accepted: out.Accepted}, nil
}

// afterOutcome runs on the actor goroutine after the instance produced out.
func (e *Engine) afterOutcome(a *actor, kind consensus.Kind, out consensus.Outcome) {
	e.metrics.ObserveOutcome(a.clusterID, kind, out)
	e.send(a, out.Outbox)
	if out.Committed != nil {
		e.applyCommit(e.ctx(), a.clusterID, out.Committed)
	}
}

func (e *Engine) send(a *actor, msgs []consensus.Message) {
	if len(msgs) == 0 {
		return
	}
	now := e.now()
	dropped := a.enqueue(msgs, func(m consensus.Message) (*transport.Envelope, error) {
		return transport.Seal(a.clusterID, m, now)
	})
	if dropped > 0 {
		e.metrics.DeliveryFailures.Add(float64(dropped))
	}
}

func (e *Engine) broadcast(ctx context.Context, members []string, env *transport.Envelope) {
	if err := e.peers.BroadcastToCluster(ctx, members, env); err != nil {
		e.metrics.DeliveryFailures.Inc()
		e.logger.Debug("broadcast incomplete",
			"cluster_id", env.ClusterID,
			"kind", env.Kind.String(),
			"error", err,
		)
	}
}

func (e *Engine) ctx() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

func (e *Engine) actor(clusterID string) *actor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.actors[clusterID]
}

// Reconcile starts an actor for every ACTIVE or RESHUFFLING cluster the node
// belongs to and stops the actors of clusters that have dissolved.
func (e *Engine) Reconcile() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	ctx := e.runCtx

	live := make(map[string]bool)
	var started []*actor
	var errs []error
	for _, c := range e.clusters.Clusters() {
		if c.Status != models.ClusterStatusActive && c.Status != models.ClusterStatusReshuffling {
			continue
		}
		if !c.HasMember(e.cfg.NodeID) {
			continue
		}
		live[c.ID] = true
		if _, ok := e.actors[c.ID]; ok {
			continue
		}
		inst, err := e.instanceFor(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("cluster %s: %w", c.ID, err))
			continue
		}
		a := newActor(c.ID, inst, e.cfg.OutboxSize, e.logger)
		e.actors[c.ID] = a
		started = append(started, a)
	}

	var retired []*actor
	for id, a := range e.actors {
		if !live[id] {
			retired = append(retired, a)
			delete(e.actors, id)
		}
	}
	for id := range e.recovered {
		if !live[id] {
			delete(e.recovered, id)
		}
	}
	e.mu.Unlock()

	for _, a := range started {
		a.start(ctx, e.broadcast)
		e.logger.Info("cluster instance started", "cluster_id", a.clusterID, "members", len(a.members))
		e.events.Publish(events.Event{
			Type:      events.TypeClusterFormed,
			ClusterID: a.clusterID,
			Data:      map[string]any{"members": a.members},
		})
	}
	for _, a := range retired {
		a.stop()
		e.metrics.ForgetCluster(a.clusterID)
		if err := e.store.Snapshots().DeleteSnapshot(ctx, consensusKey(a.clusterID)); err != nil {
			e.logger.Warn("failed to delete instance snapshot", "cluster_id", a.clusterID, "error", err)
		}
		e.logger.Info("cluster instance retired", "cluster_id", a.clusterID)
		e.events.Publish(events.Event{Type: events.TypeClusterRetired, ClusterID: a.clusterID})
	}
	return errors.Join(errs...)
}

// instanceFor returns the recovered instance of c, or a fresh one. Callers
// hold e.mu.
func (e *Engine) instanceFor(c *models.Cluster) (*consensus.Instance, error) {
	if inst, ok := e.recovered[c.ID]; ok {
		delete(e.recovered, c.ID)
		return inst, nil
	}
	return consensus.New(instanceConfig(e.cfg.NodeID, e.cfg.Consensus, c.MemberIDs(), e.logger))
}

func instanceConfig(nodeID string, cfg config.ConsensusConfig, members []string, logger *slog.Logger) consensus.Config {
	c := consensus.DefaultConfig(nodeID, members)
	if cfg.RequestTimeout > 0 {
		c.RequestTimeout = cfg.RequestTimeout
	}
	if cfg.ViewChangeTimeout > 0 {
		c.ViewChangeTimeout = cfg.ViewChangeTimeout
	}
	c.MaxFailedViews = cfg.MaxFailedViews
	c.Logger = logger
	return c
}

// InstanceInfo returns the state summary of the local instance of a cluster.
func (e *Engine) InstanceInfo(clusterID string) (consensus.Info, error) {
	a := e.actor(clusterID)
	if a == nil {
		return consensus.Info{}, fmt.Errorf("%w: %s", ErrNoInstance, clusterID)
	}
	return a.inst.Info(), nil
}

// InstanceIDs returns the clusters the node currently hosts, sorted.
func (e *Engine) InstanceIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.actors))
	for id := range e.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CreateCluster forms a cluster from explicit members and starts its
// instance if the node is one of them.
func (e *Engine) CreateCluster(validatorIDs []string, minN, maxN int) (*models.Cluster, error) {
	c, err := e.clusters.CreateCluster(validatorIDs, minN, maxN)
	if err != nil {
		return nil, err
	}
	e.afterFormation(c)
	return c, nil
}

// FormCluster forms a cluster by requirements and starts its instance if the
// node was selected.
func (e *Engine) FormCluster(req models.ResourceRequirements, minN, maxN int) (*models.Cluster, error) {
	c, err := e.clusters.FormClusterByRequirements(req, minN, maxN)
	if err != nil {
		return nil, err
	}
	e.afterFormation(c)
	return c, nil
}

func (e *Engine) afterFormation(c *models.Cluster) {
	if !c.HasMember(e.cfg.NodeID) {
		e.events.Publish(events.Event{
			Type:      events.TypeClusterFormed,
			ClusterID: c.ID,
			Data:      map[string]any{"members": c.MemberIDs()},
		})
		return
	}
	if err := e.Reconcile(); err != nil && !errors.Is(err, ErrNotRunning) {
		e.logger.Error("failed to start cluster instance", "cluster_id", c.ID, "error", err)
	}
}

// SubmitTask adds a task to the pool and the intake queue.
func (e *Engine) SubmitTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	task, err := e.pool.Submit(t)
	if err != nil {
		return nil, err
	}
	if err := e.queue.Enqueue(ctx, task); err != nil {
		if cancelErr := e.pool.Cancel(task.ID, "enqueue failed"); cancelErr != nil {
			e.logger.Warn("failed to cancel unqueued task", "task_id", task.ID, "error", cancelErr)
		}
		return nil, fmt.Errorf("enqueueing task: %w", err)
	}
	return task, nil
}
