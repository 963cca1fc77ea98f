// Command conductor runs the task orchestrator: the HTTP API, the
// workflow engine, the approval sweeper, and the webhook ingress, over
// a SQLite event store (or fully in-memory in dev mode).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/atriumhq/conductor/api"
	"github.com/atriumhq/conductor/approval"
	"github.com/atriumhq/conductor/bus"
	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/engine"
	"github.com/atriumhq/conductor/eventlog"
	"github.com/atriumhq/conductor/intake"
	"github.com/atriumhq/conductor/locks"
	"github.com/atriumhq/conductor/registry"
	"github.com/atriumhq/conductor/risk"
	"github.com/atriumhq/conductor/store/memory"
	"github.com/atriumhq/conductor/store/sqlite"
	"github.com/atriumhq/conductor/toolselect"
)

// sysexits-style codes so supervisors can tell configuration mistakes
// from runtime trouble.
const (
	exitOK        = 0
	exitConfig    = 64
	exitIntegrity = 70
	exitStore     = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := core.NewJSONLogger()

	cfg, err := core.NewConfig()
	if err != nil {
		logger.Error("configuration invalid", map[string]interface{}{"error": err})
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store core.DurableStore
	if cfg.Development {
		store = memory.New()
		logger.Info("using in-memory store", nil)
	} else {
		db := sqlite.New(cfg.SQLitePath, sqlite.WithLogger(logger))
		if err := db.Init(ctx); err != nil {
			logger.Error("store init failed", map[string]interface{}{
				"path":  cfg.SQLitePath,
				"error": err,
			})
			return exitStore
		}
		defer db.Close()
		store = db
	}

	log := eventlog.New(store,
		eventlog.WithLogger(logger),
		eventlog.WithSnapshotEvery(cfg.SnapshotEveryEvents))

	// Verify hash chains of any workflows still marked running. A broken
	// chain means the store was tampered with or corrupted; refuse to run.
	if err := verifyRunning(ctx, store, log); err != nil {
		logger.Error("event log integrity check failed", map[string]interface{}{"error": err})
		return exitIntegrity
	}

	var (
		reg     registry.Registry
		lockMgr locks.Manager
	)
	if cfg.Development {
		reg = registry.NewMemoryRegistry(cfg.HeartbeatInterval, core.RealClock{})
		mem := locks.NewMemoryManager(core.RealClock{})
		defer mem.Close()
		lockMgr = mem
	} else {
		r, err := registry.NewRedisRegistry(cfg.RedisURL, cfg.HeartbeatInterval,
			registry.WithRedisLogger(logger))
		if err != nil {
			logger.Error("redis registry unavailable", map[string]interface{}{"error": err})
			return exitStore
		}
		defer r.Close()
		reg = r

		l, err := locks.NewRedisManager(cfg.RedisURL, locks.WithRedisLogger(logger))
		if err != nil {
			logger.Error("redis lock manager unavailable", map[string]interface{}{"error": err})
			return exitStore
		}
		defer l.Close()
		lockMgr = l
	}

	assessor, err := buildAssessor(cfg, logger)
	if err != nil {
		logger.Error("risk rules invalid", map[string]interface{}{
			"path":  cfg.RiskRulesPath,
			"error": err,
		})
		return exitConfig
	}

	selector, err := buildSelector(cfg, logger)
	if err != nil {
		logger.Error("tool catalog invalid", map[string]interface{}{
			"path":  cfg.ToolCatalogPath,
			"error": err,
		})
		return exitConfig
	}

	var templates map[string]*engine.Template
	if cfg.TemplatesPath != "" {
		templates, err = engine.LoadTemplates(cfg.TemplatesPath)
		if err != nil {
			logger.Error("workflow templates invalid", map[string]interface{}{
				"path":  cfg.TemplatesPath,
				"error": err,
			})
			return exitConfig
		}
	}

	b := bus.New()
	defer b.Close()

	approvals := approval.NewManager(store, log, cfg,
		approval.WithLogger(logger), approval.WithBus(b))
	approvals.Start()
	defer approvals.Stop()

	eng := engine.New(log, store, reg, lockMgr, approvals,
		selector, assessor, templates, cfg,
		engine.WithLogger(logger), engine.WithBus(b))

	// Reschedule workflows the previous process left mid-run. Verified
	// above, so a failure here is a store problem, not corruption.
	if err := eng.Recover(ctx); err != nil {
		logger.Error("workflow recovery failed", map[string]interface{}{"error": err})
		return exitStore
	}

	svc := intake.NewService(eng, approvals, assessor,
		intake.WithServiceLogger(logger))

	server := api.NewServer(api.Deps{
		Engine:    eng,
		Intake:    svc,
		Approvals: approvals,
		Webhook:   approval.NewWebhookHandler(approvals, cfg, logger),
		Registry:  reg,
		Locks:     lockMgr,
		Log:       log,
		Store:     store,
		Bus:       b,
		Config:    cfg,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{
			"addr": httpServer.Addr,
			"name": cfg.Name,
			"dev":  cfg.Development,
		})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-errCh:
		logger.Error("http server failed", map[string]interface{}{"error": err})
		return exitStore
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", map[string]interface{}{"error": err})
	}

	// In-flight workflows run to a node boundary; suspended ones cost
	// nothing and resume on the next start.
	eng.Wait()
	logger.Info("stopped", nil)
	return exitOK
}

// verifyRunning replays the hash chain of every non-terminal workflow
// before serving traffic.
func verifyRunning(ctx context.Context, store core.DurableStore, log *eventlog.Log) error {
	for _, status := range []core.WorkflowStatus{core.WorkflowRunning, core.WorkflowSuspended} {
		wfs, err := store.ListWorkflows(ctx, status, 0)
		if err != nil {
			return err
		}
		for _, wf := range wfs {
			if _, err := log.Replay(ctx, wf.ID, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildAssessor(cfg *core.Config, logger core.Logger) (*risk.Assessor, error) {
	if cfg.RiskRulesPath == "" {
		return risk.New(risk.WithLogger(logger)), nil
	}
	return risk.NewFromFile(cfg.RiskRulesPath, risk.WithLogger(logger))
}

func buildSelector(cfg *core.Config, logger core.Logger) (*toolselect.Selector, error) {
	if cfg.ToolCatalogPath == "" {
		return nil, nil
	}
	catalog, err := toolselect.LoadCatalog(cfg.ToolCatalogPath)
	if err != nil {
		return nil, err
	}
	return toolselect.New(catalog,
		toolselect.WithLogger(logger),
		toolselect.WithBudget(cfg.ToolBudget)), nil
}
