package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/pulse/rmap"

	cpmongo "pipelit.dev/pipelit/features/checkpoint/mongo"
	cpmongoclients "pipelit.dev/pipelit/features/checkpoint/mongo/clients/mongo"
	cpredis "pipelit.dev/pipelit/features/checkpoint/redis"
	memmongo "pipelit.dev/pipelit/features/memory/mongo"
	memmongoclients "pipelit.dev/pipelit/features/memory/mongo/clients/mongo"
	"pipelit.dev/pipelit/features/model/middleware"
	"pipelit.dev/pipelit/features/model/providers"
	redisqueue "pipelit.dev/pipelit/features/queue/redis"
	"pipelit.dev/pipelit/features/store/postgres"
	natsstream "pipelit.dev/pipelit/features/stream/nats"
	pulsestream "pipelit.dev/pipelit/features/stream/pulse"
	clientspulse "pipelit.dev/pipelit/features/stream/pulse/clients/pulse"
	"pipelit.dev/pipelit/runtime/checkpoint"
	cpinmem "pipelit.dev/pipelit/runtime/checkpoint/inmem"
	"pipelit.dev/pipelit/runtime/components"
	"pipelit.dev/pipelit/runtime/costs"
	costsinmem "pipelit.dev/pipelit/runtime/costs/inmem"
	"pipelit.dev/pipelit/runtime/dispatch"
	"pipelit.dev/pipelit/runtime/exec"
	"pipelit.dev/pipelit/runtime/execution"
	execinmem "pipelit.dev/pipelit/runtime/execution/inmem"
	"pipelit.dev/pipelit/runtime/hooks"
	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/nodelog"
	nodeloginmem "pipelit.dev/pipelit/runtime/nodelog/inmem"
	"pipelit.dev/pipelit/runtime/queue"
	queueinmem "pipelit.dev/pipelit/runtime/queue/inmem"
	"pipelit.dev/pipelit/runtime/scheduler"
	schedinmem "pipelit.dev/pipelit/runtime/scheduler/inmem"
	"pipelit.dev/pipelit/runtime/stream"
	"pipelit.dev/pipelit/runtime/telemetry"
	"pipelit.dev/pipelit/runtime/workflow"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the long-lived execution worker",
		Long: `Serve loads every workflow file in the configured directory and runs the
full engine: trigger dispatch, the job worker pool, the scheduler fire
loop, zombie sweeping and status-event streaming. Backends are selected
by the config file; anything left unset falls back to in-memory stores
suitable for a single-process deployment.

The worker stops on SIGINT or SIGTERM after draining in-flight jobs.
Interrupted executions and scheduled jobs survive restarts when durable
stores are configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadServeConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "pipelit.yaml", "configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *serveConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	wfs, err := loadWorkflowsDir(cfg.WorkflowsDir)
	if err != nil {
		return err
	}
	if len(wfs) == 0 {
		return fmt.Errorf("no workflow files in %s", cfg.WorkflowsDir)
	}

	var creds workflow.CredentialResolver
	if cfg.SecretsFile != "" {
		fc, err := loadCredentialsFile(cfg.SecretsFile)
		if err != nil {
			return err
		}
		creds = fc
	}

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close(logger)

	reg, err := components.DefaultRegistry(components.Config{
		Models: providers.Factory(providers.Options{
			Middleware: modelMiddleware(ctx, cfg, be, logger, metrics),
		}),
		Memory: be.memory,
	})
	if err != nil {
		return err
	}

	bus := hooks.NewBus()
	d := dispatch.New(reg, dispatch.StaticSource(wfs), be.execs, be.queue, bus,
		dispatch.WithChatTimeout(cfg.ChatTimeout),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
	)
	sched := scheduler.New(be.scheds, be.queue, d,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
	)

	accountant := costs.NewAccountant(be.epics, be.execs,
		costs.WithLogger(logger),
		costs.WithMetrics(metrics),
	)
	execOpts := []exec.Option{exec.WithAccountant(accountant)}
	if cfg.WaveConcurrency > 0 {
		execOpts = append(execOpts, exec.WithWaveConcurrency(cfg.WaveConcurrency))
	}
	engineOpts := []dispatch.EngineOption{
		dispatch.WithEngineLogger(logger),
		dispatch.WithEngineMetrics(metrics),
		dispatch.WithZombieAfter(cfg.ZombieAfter),
		dispatch.WithSweepInterval(cfg.SweepInterval),
		dispatch.WithExecutorOptions(execOpts...),
	}
	if creds != nil {
		engineOpts = append(engineOpts, dispatch.WithCredentialResolver(creds))
	}
	eng := dispatch.NewEngine(d, be.execs, be.logs, be.cps, bus, engineOpts...)

	poolOpts := []queue.PoolOption{
		queue.WithPoolLogger(logger),
		queue.WithPoolMetrics(metrics),
	}
	if cfg.Workers > 0 {
		poolOpts = append(poolOpts, queue.WithWorkers(cfg.Workers))
	}
	pool := queue.NewPool(be.queue, []string{dispatch.DefaultQueue, scheduler.DefaultQueue}, poolOpts...)
	eng.Bind(pool)
	sched.Bind(pool)

	bridges := make([]*stream.Bridge, 0, len(be.sinks))
	for _, sink := range be.sinks {
		bridges = append(bridges, stream.NewBridge(bus, sink, stream.WithBridgeLogger(logger)))
	}

	pool.Start(ctx)
	go eng.RunZombieSweeper(ctx)

	if n, err := sched.Recover(ctx); err != nil {
		logger.Warn(ctx, "serve: scheduled job recovery failed", "err", err)
	} else if n > 0 {
		logger.Info(ctx, "serve: scheduled jobs recovered", "count", n)
	}

	logger.Info(ctx, "serve: worker started",
		"workflows", len(wfs),
		"workers", cfg.Workers,
		"sinks", len(be.sinks),
	)

	<-ctx.Done()
	logger.Info(ctx, "serve: shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		logger.Error(stopCtx, "serve: worker pool shutdown", "err", err)
	}
	for _, b := range bridges {
		if err := b.Close(stopCtx); err != nil {
			logger.Warn(stopCtx, "serve: bridge shutdown", "err", err)
		}
	}
	return nil
}

// backends bundles the stores, queue and sinks the config selects.
type backends struct {
	queue  queue.Queue
	execs  execution.Store
	logs   nodelog.Store
	cps    checkpoint.Store
	scheds scheduler.Store
	epics  costs.Store
	// memory is nil without Mongo; agent memory bindings are then ignored.
	memory components.MemoryStore
	// limits is the cluster map backing the shared model rate budget; nil
	// runs the limiter process-local.
	limits *rmap.Map
	sinks  []stream.Sink

	closers []func(context.Context) error
}

// openBackends opens everything the config names, in-memory fallbacks
// included. On error the partially opened set is closed before returning.
func openBackends(ctx context.Context, cfg *serveConfig, logger telemetry.Logger) (_ *backends, err error) {
	be := &backends{}
	defer func() {
		if err != nil {
			be.close(logger)
		}
	}()

	var queueRedis *goredis.Client
	if cfg.Queue.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Queue.RedisAddr})
		be.closers = append(be.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("queue redis: %w", err)
		}
		q, err := redisqueue.NewQueue(redisqueue.Options{Client: rdb})
		if err != nil {
			return nil, err
		}
		be.closers = append(be.closers, func(context.Context) error { q.Close(); return nil })
		be.queue = q
		queueRedis = rdb
	} else {
		q := queueinmem.NewQueue()
		be.closers = append(be.closers, func(context.Context) error { q.Close(); return nil })
		be.queue = q
	}

	if cfg.PostgresDSN != "" {
		db := postgres.Open(cfg.PostgresDSN)
		be.closers = append(be.closers, func(context.Context) error { return db.Close() })
		if err := postgres.CreateTables(ctx, db); err != nil {
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		st := postgres.NewStores(db)
		be.execs = st.Executions
		be.logs = st.NodeLogs
		be.scheds = st.Scheduled
		be.epics = st.Epics
	} else {
		be.execs = execinmem.NewStore()
		be.logs = nodeloginmem.NewStore()
		be.scheds = schedinmem.NewStore()
		be.epics = costsinmem.NewStore()
	}

	switch {
	case cfg.Mongo.URI != "":
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		be.closers = append(be.closers, mc.Disconnect)
		if err := mc.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("mongo ping: %w", err)
		}
		cps, err := cpmongo.NewStoreFromMongo(cpmongoclients.Options{
			Client:   mc,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			return nil, err
		}
		be.cps = cps
		mem, err := memmongo.NewStoreFromMongo(memmongoclients.Options{
			Client:   mc,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			return nil, err
		}
		be.memory = mem
	case queueRedis != nil:
		// Checkpoints ride the queue's Redis. The TTL bounds how long an
		// interrupted execution stays resumable.
		cps, err := cpredis.NewStore(cpredis.Options{Client: queueRedis})
		if err != nil {
			return nil, err
		}
		be.cps = cps
	default:
		be.cps = cpinmem.NewStore()
	}

	if cfg.Streams.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Streams.RedisAddr})
		be.closers = append(be.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("streams redis: %w", err)
		}
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return nil, err
		}
		rs, err := pulsestream.NewRuntimeStreams(pulsestream.RuntimeStreamsOptions{Client: pc})
		if err != nil {
			return nil, err
		}
		be.closers = append(be.closers, rs.Close)
		be.sinks = append(be.sinks, rs.Sink())

		limits, err := rmap.Join(ctx, "model-limits", rdb)
		if err != nil {
			return nil, fmt.Errorf("join rate limit map: %w", err)
		}
		be.limits = limits
	}
	if cfg.Streams.NATSURL != "" {
		sink, err := natsstream.Connect(cfg.Streams.NATSURL, natsstream.Options{
			SubjectPrefix: cfg.Streams.NATSSubjectPrefix,
		})
		if err != nil {
			return nil, err
		}
		be.closers = append(be.closers, sink.Close)
		be.sinks = append(be.sinks, sink)
	}
	return be, nil
}

// close releases backends in reverse open order.
func (b *backends) close(logger telemetry.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			logger.Warn(ctx, "serve: backend shutdown", "err", err)
		}
	}
}

// loadWorkflowsDir loads every .yaml/.yml file in dir. os.ReadDir sorts by
// name, so the served set is deterministic across restarts.
func loadWorkflowsDir(dir string) ([]*workflow.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var wfs []*workflow.Workflow
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		wf, err := loadWorkflowFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		wfs = append(wfs, wf)
	}
	return wfs, nil
}

// modelMiddleware assembles the wrappers applied to every model client,
// outermost first: usage metrics see every call, an open breaker rejects
// before the rate limiter spends budget, and the limiter paces the actual
// provider calls.
func modelMiddleware(ctx context.Context, cfg *serveConfig, be *backends, logger telemetry.Logger, metrics telemetry.Metrics) []func(model.Client) model.Client {
	mw := []func(model.Client) model.Client{
		middleware.NewUsageRecorder(metrics, "model"),
		middleware.NewBreaker(middleware.BreakerOptions{Logger: logger}),
	}
	if cfg.RateLimit.InitialTPM > 0 {
		th := middleware.NewThrottle(ctx, middleware.ThrottleOptions{
			InitialTPM: cfg.RateLimit.InitialTPM,
			MaxTPM:     cfg.RateLimit.MaxTPM,
			Budgets:    be.limits,
			BudgetKey:  "model_tpm",
		})
		mw = append(mw, th.Middleware())
	}
	return mw
}
