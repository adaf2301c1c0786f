package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/pvecloud/pvec/internal/server/app"
	"github.com/pvecloud/pvec/internal/server/config"
	"github.com/pvecloud/pvec/internal/server/db/sqlite"
	"github.com/pvecloud/pvec/internal/server/eventbus/memory"
	"github.com/pvecloud/pvec/internal/server/httpapi"
	"github.com/pvecloud/pvec/internal/server/orchestrator"
	"github.com/pvecloud/pvec/internal/server/policy"
	"github.com/pvecloud/pvec/internal/server/proxmox"
	"github.com/pvecloud/pvec/internal/server/registry"
	"github.com/pvecloud/pvec/internal/server/tracker"
	"github.com/pvecloud/pvec/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("pvecd")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	store, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}

	client, err := proxmox.NewClient(proxmox.Params{
		Host:         cfg.ProxmoxHost,
		User:         cfg.ProxmoxUser,
		Password:     cfg.ProxmoxPassword,
		Realm:        cfg.ProxmoxRealm,
		VerifySSL:    cfg.VerifySSL,
		PollInterval: cfg.TaskPollInterval,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("init hypervisor client", "error", err)
		os.Exit(1)
	}
	if err := client.Connect(ctx); err != nil {
		logger.Error("connect to hypervisor", "host", cfg.ProxmoxHost, "error", err)
		os.Exit(1)
	}
	defer client.Disconnect()

	pol, err := policy.New(policy.Params{
		AdminIDs:      cfg.AdminIDs,
		AllowedRoles:  cfg.AllowedRoles,
		MaxVMsPerUser: cfg.MaxVMsPerUser,
	})
	if err != nil {
		logger.Error("init policy", "error", err)
		os.Exit(1)
	}

	trk, err := tracker.New(tracker.Params{Store: store, Logger: logger})
	if err != nil {
		logger.Error("init tracker", "error", err)
		os.Exit(1)
	}

	reg, err := registry.New(registry.Params{
		Store:     store,
		Allocator: client,
		Catalog:   cfg.Templates,
		Defaults: registry.Defaults{
			Storage: cfg.DefaultStorage,
			Bridge:  cfg.DefaultBridge,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("init registry", "error", err)
		os.Exit(1)
	}

	events := memory.New()

	engine, err := orchestrator.New(orchestrator.Params{
		Store:           store,
		Registry:        reg,
		Tracker:         trk,
		Policy:          pol,
		Gateway:         client,
		Bus:             events,
		Logger:          logger,
		TaskTimeout:     cfg.TaskTimeout,
		BackupRetention: cfg.BackupRetention,
	})
	if err != nil {
		logger.Error("init orchestrator", "error", err)
		os.Exit(1)
	}

	handler := httpapi.New(httpapi.Params{
		Logger: logger,
		Engine: engine,
		Bus:    events,
		APIKey: cfg.APIKey,
	})

	daemon, err := app.New(cfg, logger, store, engine, handler)
	if err != nil {
		logger.Error("init app", "error", err)
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
}
