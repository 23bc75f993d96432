package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/soochol/nodeflow/internal/api"
	"github.com/soochol/nodeflow/internal/config"
	"github.com/soochol/nodeflow/internal/credentials"
	"github.com/soochol/nodeflow/internal/db"
	"github.com/soochol/nodeflow/internal/dispatch"
	"github.com/soochol/nodeflow/internal/engine"
	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
	"github.com/soochol/nodeflow/internal/repository"
	"github.com/soochol/nodeflow/internal/scheduler"
	"github.com/soochol/nodeflow/internal/services"
	"github.com/soochol/nodeflow/internal/storage"
	"github.com/soochol/nodeflow/internal/triggers"
)

const shutdownTimeout = 15 * time.Second

// app owns every long-lived component of a running server.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	database *db.DB
	runs     *services.RunManager
	progress *engine.AsyncSink
	exec     *services.ExecutionService
	history  *services.RunHistoryService
	sched    *scheduler.Scheduler
	cache    *triggers.Cache
	source   ports.WorkflowSource
	handler  http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	// Persistence: memory alone, or memory in front of PostgreSQL.
	memWorkflows := repository.NewMemoryWorkflowRepository()
	memRuns := repository.NewMemoryRunRepository()
	var (
		workflowRepo repository.WorkflowRepository = memWorkflows
		runRepo      repository.RunRepository      = memRuns
	)
	if cfg.Database.URL != "" {
		database, err := db.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, err
		}
		a.database = database
		workflowRepo = repository.NewPersistentWorkflowRepository(memWorkflows, database)
		runRepo = repository.NewPersistentRunRepository(memRuns, database)
		logger.Info("using PostgreSQL persistence")
	} else {
		logger.Warn("database.url not set, workflows and runs are kept in memory only")
	}
	a.source = workflowRepo

	var files storage.Store
	if cfg.Storage.Dir != "" {
		local, err := storage.NewLocalStore(cfg.Storage.Dir)
		if err != nil {
			return nil, fmt.Errorf("file storage: %w", err)
		}
		files = local
	}

	httpc := &http.Client{Timeout: 30 * time.Second}
	tokens := credentials.Chain{
		credentials.Static(cfg.Credentials.Static),
		credentials.NewOAuth(cfg.Credentials.OAuth, httpc),
	}
	registry := dispatch.NewDefaultRegistry(dispatch.Deps{
		HTTPClient: httpc,
		Tokens:     tokens,
		Files:      files,
		AIBaseURL:  cfg.AI.BaseURL,
		AIModel:    cfg.AI.Model,
	})
	dispatcher := dispatch.New(registry, cfg.Engine.DispatchTimeout, logger)

	// Progress: the run manager sees every event synchronously so streams
	// never miss a terminal event; the activity log is fed asynchronously.
	a.runs = services.NewRunManager(cfg.Engine.RunRetention)
	a.progress = engine.NewAsyncSink(ports.SinkFunc(a.logProgress), cfg.Engine.EventBuffer)
	bus := engine.NewEventBus()
	bus.Subscribe(a.runs.Emit)
	bus.Subscribe(a.progress.Emit)

	eng := engine.NewEngine(dispatcher, runRepo, workflowRepo, bus, logger, engine.Options{
		ParallelLevels: cfg.Engine.ParallelLevels,
		MaxParallel:    cfg.Engine.MaxParallel,
	})

	a.cache = triggers.NewCache(logger)
	limiter := services.NewRunLimiter(services.Limits{
		GlobalMax:   cfg.Scheduler.GlobalMax,
		PerWorkflow: cfg.Scheduler.PerWorkflow,
	})
	a.exec = services.NewExecutionService(eng, workflowRepo, a.cache, limiter, a.runs, logger)
	a.sched = scheduler.New(a.exec, scheduler.Options{Tick: cfg.Scheduler.TickInterval, Location: loc}, logger)
	a.history = services.NewRunHistoryService(runRepo)

	srv := api.NewServer(api.Deps{
		Workflows:  services.NewWorkflowService(workflowRepo, a.cache, a.sched, dispatcher, logger),
		Executions: a.exec,
		History:    a.history,
		Runs:       a.runs,
		Jobs:       a.sched,
		Triggers:   a.cache,
		Files:      files,
	}, api.Options{JWTSecret: cfg.Auth.JWTSecret, CORSOrigins: cfg.Server.CORSOrigins}, logger)
	a.handler = srv.Handler()
	return a, nil
}

// Run recovers state, starts the scheduler and serves HTTP until ctx ends.
func (a *app) Run(ctx context.Context) error {
	a.history.RecoverOrphans(ctx)
	if err := a.cache.Build(ctx, a.source); err != nil {
		return err
	}
	if err := a.sched.Build(ctx, a.source); err != nil {
		return err
	}
	if err := a.sched.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting nodeflow server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "err", err)
	}
	return nil
}

// Close stops background work in dependency order.
func (a *app) Close() {
	a.sched.Stop()
	a.exec.Stop()
	a.progress.Close()
	a.runs.Stop()
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			a.logger.Warn("close database", "err", err)
		}
	}
}

func (a *app) logProgress(ev flow.ProgressEvent) {
	attrs := []any{"run_id", ev.RunID, "workflow_id", ev.WorkflowID}
	if ev.NodeID != "" {
		attrs = append(attrs, "node_id", ev.NodeID)
	}
	switch ev.Type {
	case flow.EventNodeError, flow.EventRunError:
		a.logger.Warn(string(ev.Type), append(attrs, "err", ev.Error)...)
	case flow.EventRunStart, flow.EventRunComplete:
		a.logger.Info(string(ev.Type), attrs...)
	default:
		a.logger.Debug(string(ev.Type), attrs...)
	}
}
