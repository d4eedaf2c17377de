package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/consensus"
	"github.com/synergy-network/synergy-node/internal/events"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/points"
	queuemem "github.com/synergy-network/synergy-node/internal/queue/memory"
	"github.com/synergy-network/synergy-node/internal/snapshot"
	"github.com/synergy-network/synergy-node/internal/store"
	"github.com/synergy-network/synergy-node/internal/store/memory"
	"github.com/synergy-network/synergy-node/internal/tasks"
	"github.com/synergy-network/synergy-node/internal/transport"
	"github.com/synergy-network/synergy-node/pkg/config"
	"github.com/synergy-network/synergy-node/pkg/logger"
)

// loopback delivers envelopes between in-process engines through the wire
// encoding used by the gRPC transport.
type loopback struct {
	mu    sync.RWMutex
	nodes map[string]*Engine
}

func newLoopback() *loopback {
	return &loopback{nodes: make(map[string]*Engine)}
}

func (l *loopback) add(e *Engine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[e.NodeID()] = e
}

func (l *loopback) BroadcastToCluster(ctx context.Context, members []string, env *transport.Envelope) error {
	wire := env.MarshalWire()
	var errs []error
	for _, id := range members {
		if id == env.Sender {
			continue
		}
		l.mu.RLock()
		peer := l.nodes[id]
		l.mu.RUnlock()
		if peer == nil {
			errs = append(errs, fmt.Errorf("%s unreachable", id))
			continue
		}
		var in transport.Envelope
		if err := in.UnmarshalWire(wire); err != nil {
			return err
		}
		if _, err := peer.Deliver(ctx, &in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type testNode struct {
	engine   *Engine
	store    *memory.Store
	clusters *cluster.Manager
	points   *points.Ledger
	pool     *tasks.Pool
	queue    *queuemem.Queue
}

func testConfig(nodeID string) *config.Config {
	return &config.Config{
		NodeID: nodeID,
		Consensus: config.ConsensusConfig{
			RequestTimeout:      time.Minute,
			ViewChangeTimeout:   time.Minute,
			MaxFailedViews:      5,
			MaintenanceInterval: time.Hour,
		},
		Cluster: config.ClusterConfig{
			MinValidators:     1,
			MaxValidators:     7,
			ReshuffleInterval: 8 * time.Hour,
		},
		Points: config.PointsConfig{
			BasePerTask:    10,
			MaxEfficiency:  2.0,
			MaxConsistency: 1.5,
			DecayRate:      0.05,
			EpochDuration:  24 * time.Hour,
			HistoryLimit:   100,
		},
	}
}

// newTestNode builds a node whose registry knows every member and which has
// cluster clusterID formed from them in order.
func newTestNode(t *testing.T, nodeID, clusterID string, members []string, peers Peers) *testNode {
	t.Helper()
	cfg := testConfig(nodeID)
	log := logger.Discard()

	ledger := points.NewLedger(&cfg.Points, log)
	mgr := cluster.NewManager(&cfg.Cluster, ledger, log)
	for _, id := range members {
		require.NoError(t, mgr.RegisterValidator(&models.Validator{
			ID:           id,
			Availability: 1,
			Resources:    models.ResourceCapabilities{CPU: 4, Memory: 8 << 30},
		}))
	}
	_, err := mgr.CreateClusterWithID(clusterID, members, len(members), 7)
	require.NoError(t, err)

	n := &testNode{
		store:    memory.New(),
		clusters: mgr,
		points:   ledger,
		pool:     tasks.NewPool(log),
		queue:    queuemem.New(log),
	}

	engCfg := DefaultConfig(nodeID)
	engCfg.Consensus = cfg.Consensus
	engCfg.DispatchInterval = time.Hour
	engCfg.SnapshotInterval = 0

	n.engine, err = New(engCfg, Deps{
		Clusters: mgr,
		Points:   ledger,
		Pool:     n.pool,
		Queue:    n.queue,
		Store:    n.store,
		Peers:    peers,
	}, log)
	require.NoError(t, err)
	return n
}

func startNode(t *testing.T, n *testNode) {
	t.Helper()
	require.NoError(t, n.engine.Start(context.Background()))
	t.Cleanup(func() { _ = n.engine.Stop(context.Background()) })
}

func computationTask() *models.Task {
	return &models.Task{
		Type:    models.TaskTypeComputation,
		Payload: json.RawMessage(`{"input":"abc"}`),
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig("n0"), Deps{}, logger.Discard())
	require.Error(t, err)

	_, err = New(&Config{}, Deps{}, logger.Discard())
	require.Error(t, err)
}

func TestFourNodeClusterCommitsTask(t *testing.T) {
	members := []string{"n0", "n1", "n2", "n3"}
	net := newLoopback()
	nodes := make([]*testNode, len(members))
	for i, id := range members {
		nodes[i] = newTestNode(t, id, "c1", members, net)
		net.add(nodes[i].engine)
	}
	for _, n := range nodes {
		startNode(t, n)
	}
	ctx := context.Background()

	primary := nodes[0]
	info, err := primary.engine.InstanceInfo("c1")
	require.NoError(t, err)
	require.True(t, info.IsPrimary)
	require.Equal(t, 1, info.Faulty)

	sub := primary.engine.Events().Subscribe("c1", events.TypeTaskCompleted)
	defer primary.engine.Events().Unsubscribe(sub)

	task, err := primary.engine.SubmitTask(ctx, computationTask())
	require.NoError(t, err)
	require.Equal(t, 1, primary.engine.Dispatch(ctx))

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if _, err := n.store.GetCommittedResult(ctx, "c1", 1); err != nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	var digest string
	for _, n := range nodes {
		r, err := n.store.GetCommittedResult(ctx, "c1", 1)
		require.NoError(t, err)
		if digest == "" {
			digest = r.Digest
		}
		require.Equal(t, digest, r.Digest)
		require.GreaterOrEqual(t, len(r.Voters), 3)
		require.Positive(t, n.points.Points(n.engine.NodeID()))
	}

	done, err := primary.pool.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, done.Status)
	require.Equal(t, "c1", done.ClusterID)

	select {
	case e := <-sub.C:
		require.Equal(t, task.ID, e.Data["task_id"])
	case <-time.After(time.Second):
		t.Fatal("no task completion event")
	}

	require.Eventually(t, func() bool {
		c, err := nodes[1].clusters.GetCluster("c1")
		return err == nil && c.Performance.TasksVerified == 1 && len(c.AssignedTasks) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReshuffleKeepsInFlightSequenceOnBackups(t *testing.T) {
	members := []string{"n0", "n1", "n2", "n3"}
	net := newLoopback()
	primary := newTestNode(t, "n0", "c1", members, net)
	backup := newTestNode(t, "n1", "c1", members, net)
	for _, n := range []*testNode{primary, backup} {
		net.add(n.engine)
		startNode(t, n)
	}
	ctx := context.Background()

	// n2 and n3 are unreachable, so the sequence cannot commit.
	task, err := primary.engine.SubmitTask(ctx, computationTask())
	require.NoError(t, err)
	require.Equal(t, 1, primary.engine.Dispatch(ctx))

	require.Eventually(t, func() bool {
		c, err := backup.clusters.GetCluster("c1")
		return err == nil && c.HasTask(task.ID)
	}, 5*time.Second, 10*time.Millisecond)

	later := time.Now().Add(9 * time.Hour)
	for _, n := range []*testNode{primary, backup} {
		report := n.engine.Maintain(ctx, later)
		require.Zero(t, report.Reshuffled, n.engine.NodeID())
		require.Empty(t, report.Drained, n.engine.NodeID())

		c, err := n.clusters.GetCluster("c1")
		require.NoError(t, err)
		require.Equal(t, models.ClusterStatusReshuffling, c.Status, n.engine.NodeID())
		require.Equal(t, []string{task.ID}, c.AssignedTasks, n.engine.NodeID())
		require.Equal(t, []string{"c1"}, n.engine.InstanceIDs(), n.engine.NodeID())
	}
}

func TestDispatchDefersOnBackup(t *testing.T) {
	members := []string{"n0", "n1", "n2", "n3"}
	net := newLoopback()
	backup := newTestNode(t, "n1", "c1", members, net)
	net.add(backup.engine)
	startNode(t, backup)
	ctx := context.Background()

	task, err := backup.engine.SubmitTask(ctx, computationTask())
	require.NoError(t, err)

	require.Zero(t, backup.engine.Dispatch(ctx))

	depth, err := backup.queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	pending, err := backup.pool.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusPending, pending.Status)
}

func TestSingleMemberClusterCommitsOnDispatch(t *testing.T) {
	n := newTestNode(t, "solo", "c1", []string{"solo"}, newLoopback())
	startNode(t, n)
	ctx := context.Background()

	task, err := n.engine.SubmitTask(ctx, computationTask())
	require.NoError(t, err)
	require.Equal(t, 1, n.engine.Dispatch(ctx))

	r, err := n.store.GetCommittedResult(ctx, "c1", 1)
	require.NoError(t, err)
	require.Equal(t, []string{"solo"}, r.Voters)

	var result models.TaskResult
	require.NoError(t, json.Unmarshal(r.Content, &result))
	require.Equal(t, task.ID, result.TaskID)
	require.True(t, result.Success)

	done, err := n.pool.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, done.Status)
	require.Positive(t, n.points.Points("solo"))

	c, err := n.clusters.GetCluster("c1")
	require.NoError(t, err)
	require.Empty(t, c.AssignedTasks)
	require.Equal(t, uint64(1), c.Performance.TasksCompleted)
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, t *models.Task) (*models.TaskResult, error) {
	return nil, errors.New("executor crashed")
}

func TestFailedExecutionCancelsTask(t *testing.T) {
	n := newTestNode(t, "solo", "c1", []string{"solo"}, newLoopback())
	n.engine.executor = failingExecutor{}
	startNode(t, n)
	ctx := context.Background()

	task, err := n.engine.SubmitTask(ctx, computationTask())
	require.NoError(t, err)
	require.Equal(t, 1, n.engine.Dispatch(ctx))

	cancelled, err := n.pool.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCancelled, cancelled.Status)
	require.Zero(t, n.points.Points("solo"))

	c, err := n.clusters.GetCluster("c1")
	require.NoError(t, err)
	require.Empty(t, c.AssignedTasks)
}

func TestMaintainRetiresDissolvedCluster(t *testing.T) {
	n := newTestNode(t, "solo", "c1", []string{"solo"}, newLoopback())
	startNode(t, n)
	ctx := context.Background()

	require.NoError(t, n.engine.Checkpoint(ctx))
	_, err := n.store.LoadSnapshot(ctx, consensusKey("c1"))
	require.NoError(t, err)

	sub := n.engine.Events().Subscribe("c1", events.TypeClusterRetired)
	defer n.engine.Events().Unsubscribe(sub)

	report := n.engine.Maintain(ctx, time.Now().Add(9*time.Hour))
	require.Equal(t, 1, report.Reshuffled)
	require.Empty(t, n.engine.InstanceIDs())

	_, err = n.engine.InstanceInfo("c1")
	require.ErrorIs(t, err, ErrNoInstance)

	_, err = n.store.LoadSnapshot(ctx, consensusKey("c1"))
	require.ErrorIs(t, err, store.ErrNotFound)

	select {
	case e := <-sub.C:
		require.Equal(t, events.TypeClusterRetired, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no retirement event")
	}
}

func TestDeliverRejectsUnknownCluster(t *testing.T) {
	n := newTestNode(t, "solo", "c1", []string{"solo"}, newLoopback())
	startNode(t, n)

	env, err := transport.Seal("elsewhere", &consensus.Prepare{
		Header: consensus.Header{View: 0, Sequence: 1, Sender: "x"},
		Digest: "d",
	}, time.Now())
	require.NoError(t, err)

	_, err = n.engine.Deliver(context.Background(), env)
	require.Error(t, err)
}

func TestCheckpointThenRecover(t *testing.T) {
	n := newTestNode(t, "solo", "c1", []string{"solo"}, newLoopback())
	startNode(t, n)
	ctx := context.Background()

	_, err := n.engine.SubmitTask(ctx, computationTask())
	require.NoError(t, err)
	require.Equal(t, 1, n.engine.Dispatch(ctx))
	require.NoError(t, n.engine.Checkpoint(ctx))

	st, err := Recover(ctx, n.store, testConfig("solo"), logger.Discard())
	require.NoError(t, err)
	require.Equal(t, n.points.Points("solo"), st.Points.Points("solo"))
	require.Len(t, st.Clusters.Clusters(), 1)
	require.Contains(t, st.Instances, "c1")

	info := st.Instances["c1"].Info()
	require.Equal(t, uint64(1), info.Sequence)
	require.Equal(t, 1, info.Results)
}

func TestRecoverFreshStore(t *testing.T) {
	st, err := Recover(context.Background(), memory.New(), testConfig("n0"), logger.Discard())
	require.NoError(t, err)
	require.Zero(t, st.Points.Len())
	require.Empty(t, st.Clusters.Clusters())
	require.Empty(t, st.Instances)
}

func TestRecoverFailsClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("corrupt points snapshot", func(t *testing.T) {
		s := memory.New()
		require.NoError(t, s.SaveSnapshot(ctx, pointsKey, []byte("not a snapshot")))
		_, err := Recover(ctx, s, testConfig("n0"), logger.Discard())
		require.Error(t, err)
	})

	t.Run("instance without cluster", func(t *testing.T) {
		src := newTestNode(t, "solo", "c1", []string{"solo"}, newLoopback())
		startNode(t, src)
		require.NoError(t, src.engine.Checkpoint(ctx))
		data, err := src.store.LoadSnapshot(ctx, consensusKey("c1"))
		require.NoError(t, err)

		s := memory.New()
		require.NoError(t, s.SaveSnapshot(ctx, consensusKey("c1"), data))
		_, err = Recover(ctx, s, testConfig("solo"), logger.Discard())
		require.ErrorIs(t, err, snapshot.ErrCorrupt)
	})

	t.Run("instance of another node", func(t *testing.T) {
		src := newTestNode(t, "solo", "c1", []string{"solo"}, newLoopback())
		startNode(t, src)
		require.NoError(t, src.engine.Checkpoint(ctx))

		_, err := Recover(ctx, src.store, testConfig("intruder"), logger.Discard())
		require.ErrorIs(t, err, snapshot.ErrCorrupt)
	})
}
