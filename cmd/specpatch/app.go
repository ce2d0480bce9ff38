package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/clause"
	"github.com/c360studio/specpatch/config"
	"github.com/c360studio/specpatch/impact"
	"github.com/c360studio/specpatch/jobs"
	"github.com/c360studio/specpatch/llm"
	"github.com/c360studio/specpatch/metrics"
	"github.com/c360studio/specpatch/model"
	"github.com/c360studio/specpatch/orchestrator"
	impactanalyzer "github.com/c360studio/specpatch/processor/impact-analyzer"
	prrequester "github.com/c360studio/specpatch/processor/pr-requester"
	regulationwatcher "github.com/c360studio/specpatch/processor/regulation-watcher"
	specpatcher "github.com/c360studio/specpatch/processor/spec-patcher"
	statusapi "github.com/c360studio/specpatch/processor/status-api"
	"github.com/c360studio/specpatch/storage"
	"github.com/c360studio/specpatch/storage/postgres"
)

// App owns the long-lived clients of the pipeline. Everything is opened
// explicitly and released by Close.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics

	store   storage.VersionStore
	pgStore *postgres.Store
	conn    *bus.Conn
}

// NewApp creates an application with metrics registered and no connections open.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{
		cfg:          cfg,
		logger:       logger,
		promRegistry: reg,
		metrics:      metrics.New(reg),
	}
}

// OpenStore connects the version store. An empty database URL selects the
// in-memory store, which only makes sense for local runs.
func (a *App) OpenStore(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.logger.Warn("No database configured, using in-memory version store")
		a.store = storage.NewMemoryStore()
		return nil
	}

	pg, err := postgres.Connect(ctx, a.cfg.Database.URL, postgres.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if a.cfg.Database.MigrateOnStart {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return fmt.Errorf("migrate database: %w", err)
		}
	}
	a.pgStore = pg
	a.store = pg
	return nil
}

// ConnectBus dials NATS and provisions the streams.
func (a *App) ConnectBus(ctx context.Context) error {
	conn, err := bus.Connect(ctx, a.cfg.NATS.URL,
		bus.WithName(a.cfg.NATS.Name),
		bus.WithMaxReconnects(a.cfg.NATS.MaxReconnects),
		bus.WithReconnectWait(a.cfg.NATS.ReconnectWait),
		bus.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("%w (is NATS running at %s?)", err, a.cfg.NATS.URL)
	}
	if err := bus.EnsureStreams(ctx, conn.JetStream(), bus.Streams); err != nil {
		conn.Close()
		return err
	}
	a.conn = conn
	return nil
}

// Close releases every open client.
func (a *App) Close() {
	if a.conn != nil {
		a.conn.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

// newLLMClient builds the model client from the registry file or defaults.
func (a *App) newLLMClient() (*llm.Client, error) {
	registry := model.NewDefaultRegistry()
	if path := a.cfg.LLM.RegistryPath; path != "" {
		r, err := model.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load model registry: %w", err)
		}
		registry = r
	}

	retry := llm.DefaultRetryConfig()
	if a.cfg.LLM.MaxRetries > 0 {
		retry.MaxAttempts = a.cfg.LLM.MaxRetries
	}
	return llm.NewClient(registry,
		llm.WithTimeout(a.cfg.LLM.Timeout),
		llm.WithRetryConfig(retry),
		llm.WithLogger(a.logger),
		llm.WithObserver(a.metrics)), nil
}

func (a *App) backoff() jobs.BackoffPolicy {
	return jobs.BackoffPolicy{Base: a.cfg.Workers.BackoffBase, Max: a.cfg.Workers.BackoffMax}
}

// Serve runs the pipeline until ctx is cancelled: the regulation consumer,
// the patch and PR worker pools, the optional directory watcher and the
// status API.
func (a *App) Serve(ctx context.Context) error {
	if a.store == nil || a.conn == nil {
		return errors.New("store and bus must be opened before serving")
	}
	js := a.conn.JetStream()

	status, err := jobs.NewKVStatusStore(ctx, js)
	if err != nil {
		return err
	}
	queue := jobs.NewQueue(a.conn, status, a.logger)

	client, err := a.newLLMClient()
	if err != nil {
		return err
	}

	analyzer := impact.NewAnalyzer(a.store, client,
		impact.WithThreshold(a.cfg.Impact.Threshold),
		impact.WithParallelism(a.cfg.Impact.Parallelism),
		impact.WithLogger(a.logger),
		impact.WithObserver(a.metrics))

	clauseOpts := []clause.Option{
		clause.WithLogger(a.logger),
		clause.WithObserver(a.metrics),
		clause.WithTemperature(a.cfg.LLM.Temperature),
	}
	orch := orchestrator.New(a.store,
		clause.NewClassifier(client, clauseOpts...),
		clause.NewGenerator(client, clauseOpts...),
		clause.NewApplier(clauseOpts...),
		orchestrator.NewBusEvents(a.conn, queue),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithObserver(a.metrics),
		orchestrator.WithModuleHints(impact.NewModuleRanker(client, a.cfg.Impact.ModuleSimilarityThreshold, a.logger)))

	workerOpts := []jobs.WorkerOption{
		jobs.WithLogger(a.logger),
		jobs.WithDeadLetters(a.conn),
		jobs.WithObserver(a.metrics),
	}

	impactCfg := impactanalyzer.DefaultConfig()
	impactCfg.MaxAttempts = a.cfg.Workers.MaxAttempts
	impactCfg.Backoff = a.backoff()
	regulations := jobs.NewWorker(impactCfg.WorkerConfig(),
		impactanalyzer.New(analyzer, queue,
			impactanalyzer.WithLogger(a.logger),
			impactanalyzer.WithObserver(a.metrics)),
		status, workerOpts...)

	patchCfg := specpatcher.DefaultConfig()
	patchCfg.Concurrency = a.cfg.Workers.PatchConcurrency
	patchCfg.MaxAttempts = a.cfg.Workers.MaxAttempts
	patchCfg.Backoff = a.backoff()
	patchCfg.AckWait = a.cfg.Workers.AckWait
	if err := patchCfg.Validate(); err != nil {
		return fmt.Errorf("spec-patcher config: %w", err)
	}
	patcher := jobs.NewWorker(patchCfg.WorkerConfig(), specpatcher.New(orch, a.logger), status, workerOpts...)

	prCfg := prrequester.DefaultConfig()
	prCfg.Concurrency = a.cfg.Workers.PRConcurrency
	prCfg.MaxAttempts = a.cfg.Workers.MaxAttempts
	prCfg.Backoff = a.backoff()
	if err := prCfg.Validate(); err != nil {
		return fmt.Errorf("pr-requester config: %w", err)
	}
	prs := jobs.NewWorker(prCfg.WorkerConfig(), prrequester.New(a.store, a.sourceControl(), a.logger), status, workerOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return regulations.Run(gctx, js) })
	g.Go(func() error { return patcher.Run(gctx, js) })
	g.Go(func() error { return prs.Run(gctx, js) })

	if a.cfg.Watcher.Dir != "" {
		watcher, err := regulationwatcher.New(regulationwatcher.Config{
			Dir:      a.cfg.Watcher.Dir,
			Include:  a.cfg.Watcher.Include,
			Debounce: a.cfg.Watcher.Debounce,
			Source:   a.cfg.Watcher.Source,
		}, a.conn, regulationwatcher.WithLogger(a.logger))
		if err != nil {
			return fmt.Errorf("regulation watcher: %w", err)
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if a.cfg.HTTP.Addr != "" {
		srv := &http.Server{
			Addr:              a.cfg.HTTP.Addr,
			Handler:           a.statusHandler(status),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("Status API listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.logger.Info("Specpatch ready",
		"version", Version,
		"patch_concurrency", patchCfg.Concurrency,
		"pr_concurrency", prCfg.Concurrency,
		"impact_threshold", analyzer.Threshold())

	return g.Wait()
}

func (a *App) sourceControl() prrequester.SourceControl {
	sc := a.cfg.SourceControl
	if sc.WebhookURL == "" {
		a.logger.Info("No source control webhook configured, pull requests are logged only")
		return prrequester.NewLogOnly(a.logger)
	}
	return prrequester.NewWebhookClient(sc.WebhookURL, sc.Token, sc.Timeout, a.logger)
}

func (a *App) statusHandler(status jobs.StatusStore) http.Handler {
	opts := []statusapi.Option{
		statusapi.WithLogger(a.logger),
		statusapi.WithGatherer(a.promRegistry),
		statusapi.WithHealthCheck("nats", func(context.Context) error {
			if !a.conn.Healthy() {
				return errors.New("disconnected")
			}
			return nil
		}),
	}
	if a.pgStore != nil {
		opts = append(opts, statusapi.WithHealthCheck("database", a.pgStore.Ping))
	}
	mux := http.NewServeMux()
	statusapi.New(status, a.store, opts...).RegisterHTTPHandlers(mux)
	return mux
}
