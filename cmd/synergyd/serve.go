package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/synergy-network/synergy-node/internal/api"
	"github.com/synergy-network/synergy-node/internal/auth"
	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/engine"
	"github.com/synergy-network/synergy-node/internal/genesis"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/queue"
	queuemem "github.com/synergy-network/synergy-node/internal/queue/memory"
	pgqueue "github.com/synergy-network/synergy-node/internal/queue/postgres"
	"github.com/synergy-network/synergy-node/internal/secrets"
	"github.com/synergy-network/synergy-node/internal/shutdown"
	"github.com/synergy-network/synergy-node/internal/store"
	"github.com/synergy-network/synergy-node/internal/store/file"
	"github.com/synergy-network/synergy-node/internal/store/memory"
	pgstore "github.com/synergy-network/synergy-node/internal/store/postgres"
	"github.com/synergy-network/synergy-node/internal/sysinfo"
	"github.com/synergy-network/synergy-node/internal/tasks"
	"github.com/synergy-network/synergy-node/internal/transport"
	"github.com/synergy-network/synergy-node/pkg/config"
	"github.com/synergy-network/synergy-node/pkg/logger"
)

type serveOptions struct {
	genesisFile string
	dataDir     string
	bandwidth   int64
	gpu         bool
	hardware    []string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the validator node",
		Long: `Run the validator node until SIGINT or SIGTERM.

State is recovered from the latest snapshots. On a fresh store the genesis
file, if any, seeds the validator registry and the initial clusters.

Examples:
  # Single node with in-memory ledger and file snapshots
  NODE_ID=n1 NODE_ENDPOINT=/ip4/10.0.0.1/tcp/9090 synergyd serve --genesis genesis.yaml

  # Postgres-backed node declaring 1 Gbit/s of bandwidth
  DATABASE_URL=postgres://... synergyd serve --bandwidth 125000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.genesisFile, "genesis", "", "Genesis file applied on a fresh store (overrides GENESIS_FILE)")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "/", "Filesystem whose free space is offered as storage")
	cmd.Flags().Int64Var(&opts.bandwidth, "bandwidth", 0, "Declared bandwidth in KB/s")
	cmd.Flags().BoolVar(&opts.gpu, "gpu", false, "Declare a GPU")
	cmd.Flags().StringSliceVar(&opts.hardware, "hardware", nil, "Declared special hardware tags (comma-separated)")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if opts.genesisFile != "" {
		cfg.GenesisFile = opts.genesisFile
	}
	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.JSONLogs())

	n, err := assemble(ctx, cfg, opts, log.Logger)
	if err != nil {
		return err
	}

	coord := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	n.register(coord)

	if err := n.engine.Start(context.Background()); err != nil {
		_ = coord.Shutdown()
		return fmt.Errorf("starting engine: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		if err := n.peers.Start(context.Background()); err != nil {
			cancel(fmt.Errorf("peer transport: %w", err))
		}
	}()
	go func() {
		if err := n.api.Start(context.Background()); err != nil {
			cancel(fmt.Errorf("api server: %w", err))
		}
	}()

	log.Info("node running",
		"node_id", cfg.NodeID,
		"api_port", cfg.APIPort,
		"grpc_port", cfg.GRPCPort,
		"clusters", len(n.engine.InstanceIDs()),
	)

	err = coord.WaitForSignal(runCtx)
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return errors.Join(cause, err)
	}
	return err
}

// node holds the assembled components of a running validator.
type node struct {
	store  store.Store
	queue  queue.Queue
	client *transport.Client
	engine *engine.Engine
	peers  *transport.Server
	api    *api.Server
}

// register adds the components to coord so they stop in the reverse of
// this order: API first, store last.
func (n *node) register(coord *shutdown.Coordinator) {
	coord.Register(shutdown.NewCloserComponent("store", n.store))
	coord.Register(shutdown.NewCloserComponent("peer_client", n.client))
	coord.Register(shutdown.NewStopperComponent("engine", n.engine))
	coord.Register(shutdown.NewStopperComponent("peer_server", n.peers))
	coord.Register(shutdown.NewFuncComponent("api", n.api.Shutdown))
}

// assemble builds storage, recovers state, applies genesis on a fresh
// store and wires the engine to its transport and API.
func assemble(ctx context.Context, cfg *config.Config, opts *serveOptions, log *slog.Logger) (*node, error) {
	st, q, err := openStorage(cfg, log)
	if err != nil {
		return nil, err
	}
	n := &node{store: st, queue: q}
	fail := func(err error) (*node, error) {
		st.Close()
		return nil, err
	}

	state, err := engine.Recover(ctx, st.Snapshots(), cfg, log)
	if err != nil {
		return fail(fmt.Errorf("recovering state: %w", err))
	}
	if err := seed(state.Clusters, cfg, log); err != nil {
		return fail(err)
	}
	if err := registerSelf(ctx, state.Clusters, cfg, opts, log); err != nil {
		return fail(err)
	}

	authSvc, err := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
		APIKeyHash:  cfg.OperatorAPIKeyHash,
		NodeID:      cfg.NodeID,
	}, log)
	if err != nil {
		return fail(fmt.Errorf("configuring auth: %w", err))
	}

	// The client resolves endpoints through the engine, which needs the
	// client as its peers; the closure breaks the cycle.
	n.client = transport.NewClient(transport.DefaultClientConfig(), transport.DirectoryFunc(func(id string) (string, error) {
		return n.engine.Endpoint(id)
	}), log)

	engCfg := engine.DefaultConfig(cfg.NodeID)
	engCfg.Consensus = cfg.Consensus
	engCfg.SnapshotInterval = cfg.Snapshot.Interval

	pool := tasks.NewPool(log)
	n.engine, err = engine.New(engCfg, engine.Deps{
		Clusters:  state.Clusters,
		Points:    state.Points,
		Pool:      pool,
		Queue:     q,
		Store:     st,
		Peers:     n.client,
		Instances: state.Instances,
	}, log)
	if err != nil {
		return fail(fmt.Errorf("creating engine: %w", err))
	}

	peerCfg := transport.DefaultConfig()
	peerCfg.Port = cfg.GRPCPort
	n.peers = transport.NewServer(peerCfg, n.engine, log)

	n.api = api.NewServer(cfg, api.Deps{
		Engine:   n.engine,
		Store:    st,
		Clusters: state.Clusters,
		Points:   state.Points,
		Pool:     pool,
		Auth:     authSvc,
		Listener: n.peers,
	}, log)
	return n, nil
}

// openStorage picks the result ledger and intake queue (Postgres when
// DATABASE_URL is set, memory otherwise) and the snapshot store. Without a
// database, or when an age recipient is configured, snapshots go to files
// under SNAPSHOT_DIR, sealed when keys are given.
func openStorage(cfg *config.Config, log *slog.Logger) (store.Store, queue.Queue, error) {
	var (
		base store.Store
		q    queue.Queue
	)
	if cfg.DatabaseDSN != "" {
		pg, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		base = pg
		q = pgqueue.NewPostgresQueue(pg.DB(), log)
	} else {
		log.Warn("DATABASE_URL not set, committed results and the task queue are in memory")
		base = memory.New()
		q = queuemem.New(log)
	}

	sealed := cfg.Snapshot.AgeRecipient != "" || cfg.Snapshot.AgeIdentity != ""
	if cfg.DatabaseDSN != "" && !sealed {
		return base, q, nil
	}

	var sealer *secrets.Sealer
	if sealed {
		s, err := secrets.NewSealer(cfg.Snapshot.AgeRecipient, cfg.Snapshot.AgeIdentity)
		if err != nil {
			base.Close()
			return nil, nil, fmt.Errorf("configuring snapshot encryption: %w", err)
		}
		sealer = s
	}
	files, err := file.NewSnapshotStore(cfg.Snapshot.Dir, sealer, log)
	if err != nil {
		base.Close()
		return nil, nil, err
	}
	return store.WithSnapshots(base, files), q, nil
}

// seed applies the genesis file when the recovered registry is empty.
func seed(clusters *cluster.Manager, cfg *config.Config, log *slog.Logger) error {
	if len(clusters.Validators()) > 0 {
		log.Info("recovered existing registry, skipping genesis", "validators", len(clusters.Validators()))
		return nil
	}
	if cfg.GenesisFile == "" {
		log.Warn("fresh store and no genesis file, starting with an empty registry")
		return nil
	}
	g, err := genesis.Load(cfg.GenesisFile)
	if err != nil {
		return fmt.Errorf("loading genesis: %w", err)
	}
	if err := genesis.Apply(g, clusters); err != nil {
		return err
	}
	log.Info("genesis applied",
		"network", g.Network,
		"validators", len(g.Validators),
		"clusters", len(g.Clusters),
	)
	return nil
}

// registerSelf makes sure the local validator is in the registry. A known
// validator is marked active now; an unknown one is registered with the
// detected resources when it declares an endpoint.
func registerSelf(ctx context.Context, clusters *cluster.Manager, cfg *config.Config, opts *serveOptions, log *slog.Logger) error {
	if _, err := clusters.GetValidator(cfg.NodeID); err == nil {
		return clusters.Touch(cfg.NodeID)
	}
	if cfg.NodeEndpoint == "" {
		log.Warn("local validator is not registered and NODE_ENDPOINT is not set", "node_id", cfg.NodeID)
		return nil
	}

	caps, err := sysinfo.Detect(ctx, nil, sysinfo.Options{
		DataDir:         opts.dataDir,
		Bandwidth:       opts.bandwidth,
		GPU:             opts.gpu,
		SpecialHardware: opts.hardware,
	}, log)
	if err != nil {
		log.Warn("resource detection incomplete", "error", err)
	}
	return clusters.RegisterValidator(&models.Validator{
		ID:           cfg.NodeID,
		Endpoint:     cfg.NodeEndpoint,
		Resources:    caps,
		Availability: 1,
		Status:       models.ValidatorStatusActive,
	})
}
