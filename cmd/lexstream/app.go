package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/lexstream/api"
	"github.com/c360studio/lexstream/bus"
	"github.com/c360studio/lexstream/cache"
	"github.com/c360studio/lexstream/config"
	"github.com/c360studio/lexstream/engine"
	"github.com/c360studio/lexstream/extract"
	"github.com/c360studio/lexstream/fetch"
	"github.com/c360studio/lexstream/llm"
	"github.com/c360studio/lexstream/message"
	"github.com/c360studio/lexstream/optimizer"
	"github.com/c360studio/lexstream/pdf"
	"github.com/c360studio/lexstream/router"
	"github.com/c360studio/lexstream/vision"
	"github.com/c360studio/lexstream/worker"
	"github.com/c360studio/lexstream/worker/analyzer"
	htmlextractor "github.com/c360studio/lexstream/worker/html-extractor"
	pdfanalyzer "github.com/c360studio/lexstream/worker/pdf-analyzer"
	visionprocessor "github.com/c360studio/lexstream/worker/vision-processor"
	"github.com/c360studio/lexstream/worker/validator"
)

const shutdownTimeout = 10 * time.Second

// NotificationsQueue receives workflow lifecycle messages for external
// consumers.
const NotificationsQueue = "notifications"

// app owns every component of the kernel and their start/stop ordering.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	nc      *nats.Conn
	bus     *bus.Bus
	cache   *cache.Cache
	engine  *engine.Engine
	workers []*worker.Worker
	api     *api.Server
	watcher *config.Watcher
}

// buildApp wires the kernel: bus, router, cache, optimizer, LLM client,
// engine, worker pools, HTTP surface, and the config hot-reload watcher.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, watchPath string) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.bus = bus.New(
		bus.WithQueueBuffer(cfg.Bus.QueueBuffer),
		bus.WithLogger(logger),
	)
	r := router.New(a.bus, router.WithLogger(logger))
	if err := buildRoutingTable(r); err != nil {
		return nil, fmt.Errorf("build routing table: %w", err)
	}

	var shared cache.SharedStore
	if cfg.Cache.NATSURL != "" {
		nc, err := nats.Connect(cfg.Cache.NATSURL, nats.Name(appName))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS %s: %w", cfg.Cache.NATSURL, err)
		}
		a.nc = nc
		shared, err = cache.NewNATSShared(ctx, nc, cfg.Cache.NATSBucket)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create NATS cache tier: %w", err)
		}
		logger.Info("Shared cache tier on NATS", "url", cfg.Cache.NATSURL, "bucket", cfg.Cache.NATSBucket)
	}

	c, err := cache.New(cache.Config{
		Dir:           cfg.Cache.Dir,
		LocalMaxBytes: cfg.Cache.LocalMaxBytes,
		FileThreshold: cfg.Cache.FileThreshold,
		SweepInterval: cfg.Cache.SweepInterval,
		Shared:        shared,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	a.cache = c

	opt := optimizer.New(c,
		optimizer.WithMaxConcurrent(int64(cfg.Optimizer.MaxConcurrent)),
		optimizer.WithBatchPermits(int64(cfg.Optimizer.BatchPermits)),
		optimizer.WithMaxRetries(cfg.Optimizer.MaxRetries),
		optimizer.WithRetryBase(cfg.Optimizer.RetryBase),
		optimizer.WithLogger(logger),
	)

	client := buildLLMClient(cfg, logger)

	a.engine = engine.New(a.bus, r,
		engine.WithLogger(logger),
		engine.WithMaxConcurrent(cfg.Engine.MaxConcurrentWorkflows),
		engine.WithDispatchInterval(cfg.Engine.DispatchInterval),
		engine.WithHealthInterval(cfg.Engine.HealthInterval),
		engine.WithMetricsInterval(cfg.Engine.MetricsInterval),
		engine.WithStepTimeout(cfg.Engine.StepTimeout),
		engine.WithHeartbeatTimeout(cfg.Engine.HeartbeatTimeout),
	)

	fetchOpts := []fetch.Option{
		fetch.WithTimeout(cfg.Fetch.Timeout),
		fetch.WithMaxContentSize(cfg.Fetch.MaxContentSize),
		fetch.WithUserAgent(cfg.Fetch.UserAgent),
		fetch.WithLogger(logger),
	}
	if cfg.Fetch.AllowInsecure {
		logger.Warn("URL safety validation disabled")
		fetchOpts = append(fetchOpts, fetch.WithInsecureTargets())
	}
	fetcher := fetch.New(fetchOpts...)
	converter := extract.NewConverter()

	executors := map[string]worker.Executor{
		message.RoleAnalysis:        analyzer.New(fetcher, converter, opt, client, analyzer.WithLogger(logger)),
		message.RoleHTMLExtractor:   htmlextractor.New(fetcher, converter, opt, htmlextractor.WithLogger(logger)),
		message.RolePDFAnalyzer:     pdfanalyzer.New(fetcher, pdf.StubExtractor{}, opt, pdfanalyzer.WithLogger(logger)),
		message.RoleVisionProcessor: visionprocessor.New(fetcher, vision.StubAnalyzer{}, opt, visionprocessor.WithLogger(logger)),
		message.RoleValidator:       validator.New(c, opt, client, validator.WithLogger(logger)),
	}
	for _, role := range message.Roles {
		exec, ok := executors[role]
		if !ok {
			// Orchestration steps are resolved by the engine itself; no
			// worker pool exists for the role.
			continue
		}
		count, configured := cfg.Workers.Counts[role]
		if !configured {
			count = 1
		}
		for i := 1; i <= count; i++ {
			w, err := worker.New(fmt.Sprintf("%s-%d", role, i), exec, a.bus, r, a.engine,
				worker.WithHeartbeatInterval(cfg.Workers.HeartbeatInterval),
				worker.WithStepTimeout(cfg.Engine.StepTimeout),
				worker.WithLogger(logger),
			)
			if err != nil {
				return nil, fmt.Errorf("create %s worker: %w", role, err)
			}
			a.workers = append(a.workers, w)
		}
	}

	apiOpts := []api.Option{
		api.WithAddr(cfg.API.Addr),
		api.WithLogger(logger),
	}
	if cfg.Fetch.AllowInsecure {
		apiOpts = append(apiOpts, api.WithInsecureTargets())
	}
	a.api = api.New(a.engine, apiOpts...)

	if watchPath != "" {
		a.watcher = config.NewWatcher(watchPath, a.applyTunables, logger)
	}

	return a, nil
}

// buildLLMClient assembles the capability registry and client, or nil
// when LLM support is disabled.
func buildLLMClient(cfg *config.Config, logger *slog.Logger) *llm.Client {
	if !cfg.LLM.Enabled {
		logger.Info("LLM support disabled, workers use heuristics")
		return nil
	}

	reg := llm.NewDefaultRegistry()
	if cfg.LLM.Default != "" {
		reg.SetDefault(cfg.LLM.Default)
		if cfg.LLM.Endpoint != "" {
			reg.SetEndpoint(cfg.LLM.Default, &llm.EndpointConfig{
				Provider: "openai",
				URL:      cfg.LLM.Endpoint,
				Model:    cfg.LLM.Default,
			})
		}
	}

	return llm.NewClient(reg,
		llm.WithSessions(llm.NewSessionStore(cfg.LLM.SessionTTL)),
		llm.WithLogger(logger),
	)
}

// buildRoutingTable configures the kernel queues and kind bindings.
// Step assignments are addressed to role queues by name; everything the
// workers publish back is bound to the engine queue, and workflow
// lifecycle messages fan out to the notifications queue.
func buildRoutingTable(r *router.Router) error {
	queues := []router.QueueConfig{
		{Name: engine.Queue, DeadLetter: true},
		{Name: NotificationsQueue, TTL: time.Hour},
	}
	for _, role := range message.Roles {
		queues = append(queues, router.QueueConfig{
			Name:       role,
			Capacity:   512,
			MaxRetries: 3,
			DeadLetter: true,
		})
	}
	for _, q := range queues {
		if err := r.AddQueue(q); err != nil {
			return err
		}
	}

	engineKinds := []message.Kind{
		message.KindJobStarted,
		message.KindJobCompleted,
		message.KindJobFailed,
		message.KindWebsiteAnalyzed,
		message.KindContentExtracted,
		message.KindContentValidated,
		message.KindValidationCompleted,
		message.KindAgentHealthCheck,
		message.KindWorkflowRequest,
	}
	for _, k := range engineKinds {
		if err := r.Bind(k, engine.Queue); err != nil {
			return err
		}
	}
	for _, k := range []message.Kind{message.KindWorkflowCreated, message.KindWorkflowCompleted} {
		if err := r.Bind(k, NotificationsQueue); err != nil {
			return err
		}
	}
	return nil
}

// applyTunables is the config watcher callback. Only settings that are
// safe to change on a live kernel are applied; the rest need a restart.
func (a *app) applyTunables(cfg *config.Config) {
	a.engine.SetMaxConcurrent(cfg.Engine.MaxConcurrentWorkflows)
	a.logger.Info("Applied reloaded tunables",
		"max_concurrent_workflows", cfg.Engine.MaxConcurrentWorkflows)
}

func (a *app) start(ctx context.Context) error {
	if err := a.bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	if err := a.cache.Start(ctx); err != nil {
		return fmt.Errorf("start cache: %w", err)
	}
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	for _, w := range a.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}
	if err := a.api.Start(ctx); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			a.logger.Warn("Config watcher not started", "error", err)
		}
	}
	return nil
}

// stop shuts components down in reverse start order. Errors are logged
// rather than returned; shutdown always runs to completion.
func (a *app) stop() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if err := a.api.Stop(shutdownTimeout); err != nil {
		a.logger.Error("Error stopping api server", "error", err)
	}
	for _, w := range a.workers {
		if err := w.Stop(shutdownTimeout); err != nil {
			a.logger.Error("Error stopping worker", "error", err)
		}
	}
	if err := a.engine.Stop(shutdownTimeout); err != nil {
		a.logger.Error("Error stopping engine", "error", err)
	}
	a.cache.Stop()
	if err := a.bus.Stop(shutdownTimeout); err != nil {
		a.logger.Error("Error stopping bus", "error", err)
	}
	if a.nc != nil {
		a.nc.Close()
	}
}
