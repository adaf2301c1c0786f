package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pvecloud/pvec/internal/server/config"
	"github.com/pvecloud/pvec/internal/server/db"
	"github.com/pvecloud/pvec/internal/server/orchestrator"
)

// App wires the config, persistence, orchestrator, and HTTP transport.
type App struct {
	cfg          config.ServerConfig
	logger       *slog.Logger
	store        db.Store
	engine       orchestrator.Engine
	httpServer   *http.Server
	shutdownWait time.Duration
}

// New constructs the daemon application.
func New(cfg config.ServerConfig, logger *slog.Logger, store db.Store, engine orchestrator.Engine, mux http.Handler) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("orchestrator engine must not be nil")
	}
	if mux == nil {
		mux = http.NewServeMux()
	}

	httpServer := &http.Server{
		Addr:         cfg.APIListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		engine:       engine,
		httpServer:   httpServer,
		shutdownWait: 15 * time.Second,
	}, nil
}

// Run starts the monitor sweep and HTTP server, blocking until context
// cancellation.
func (a *App) Run(ctx context.Context) error {
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go a.monitor(monitorCtx)
	go a.backupScheduler(monitorCtx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
		if a.store != nil {
			if err := a.store.Close(shutdownCtx); err != nil {
				a.logger.Error("store close", "error", err)
			}
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// monitor periodically refreshes the node cache and sweeps for
// saturation alerts. Failures are logged and retried on the next tick;
// a flapping hypervisor must not take the API down.
func (a *App) monitor(ctx context.Context) {
	interval := a.cfg.MonitorInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.engine.Nodes(ctx); err != nil {
				a.logger.Warn("node sweep failed", "error", err)
			}
			alerts, err := a.engine.CollectAlerts(ctx)
			if err != nil {
				a.logger.Warn("alert sweep failed", "error", err)
				continue
			}
			for _, alert := range alerts {
				a.logger.Warn("resource alert",
					"resource", alert.Resource,
					"name", alert.Name,
					"metric", alert.Metric,
					"value", alert.Value,
					"severity", alert.Severity,
				)
			}
		}
	}
}

// backupScheduler fires guest backups whose schedule has come due.
// The sweep interval only bounds how late a run can start; the
// per-guest cadence lives in the schedule rows.
func (a *App) backupScheduler(ctx context.Context) {
	interval := a.cfg.BackupSweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ran, err := a.engine.RunDueBackups(ctx)
			if err != nil {
				a.logger.Warn("backup sweep failed", "error", err)
				continue
			}
			if ran > 0 {
				a.logger.Info("scheduled backups completed", "count", ran)
			}
		}
	}
}
