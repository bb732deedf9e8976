package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quarry-labs/quarry-go/internal/execution/supervisor"
	"github.com/quarry-labs/quarry-go/internal/logarchive"
	"github.com/quarry-labs/quarry-go/internal/platform/env"
	"github.com/quarry-labs/quarry-go/internal/platform/httpserver"
	"github.com/quarry-labs/quarry-go/internal/platform/objectstore"
	"github.com/quarry-labs/quarry-go/internal/platform/postgres"
	"github.com/quarry-labs/quarry-go/internal/projects"
	"github.com/quarry-labs/quarry-go/internal/repo"
	"github.com/quarry-labs/quarry-go/internal/repo/inmem"
	pgrepo "github.com/quarry-labs/quarry-go/internal/repo/postgres"
	"github.com/quarry-labs/quarry-go/internal/service/runs"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("QUARRY_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("QUARRY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	projectsRoot := env.String("QUARRY_PROJECTS_ROOT", "")
	if projectsRoot == "" {
		logger.Error("missing projects root", "env", "QUARRY_PROJECTS_ROOT")
		os.Exit(2)
	}
	resolver, err := projects.NewDirResolver(projectsRoot)
	if err != nil {
		logger.Error("invalid projects root", "error", err)
		os.Exit(2)
	}

	killGrace, err := env.Duration("QUARRY_KILL_GRACE", 5*time.Second)
	if err != nil {
		logger.Error("invalid kill grace", "error", err)
		os.Exit(2)
	}
	cancelWait, err := env.Duration("QUARRY_CANCEL_WAIT", 10*time.Second)
	if err != nil {
		logger.Error("invalid cancel wait", "error", err)
		os.Exit(2)
	}
	spawner := &supervisor.Local{
		Shell:     env.String("QUARRY_SHELL", "/bin/sh"),
		KillGrace: killGrace,
	}

	var db *sql.DB
	var runRepo repo.RunRepository
	storeMode := strings.ToLower(strings.TrimSpace(env.String("QUARRY_STORE", "memory")))
	switch storeMode {
	case "", "memory":
		runRepo = inmem.New()
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		runRepo = pgrepo.NewRunStore(db)
	default:
		logger.Error("unsupported run store", "mode", storeMode)
		os.Exit(2)
	}

	checks := []httpserver.ReadinessCheck{}
	if db != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
	}

	svcOpts := []runs.Option{runs.WithCancelWait(cancelWait)}
	archiveMode := strings.ToLower(strings.TrimSpace(env.String("QUARRY_ARCHIVE", "off")))
	switch archiveMode {
	case "", "off", "disabled":
	case "minio":
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		storeClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureLogsBucket(startupCtx, storeClient, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()
		svcOpts = append(svcOpts, runs.WithArchiver(logarchive.New(storeClient, storeCfg.BucketLogs)))
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckLogsBucket(checkCtx, storeClient, storeCfg)
			},
		})
	default:
		logger.Error("unsupported archive mode", "mode", archiveMode)
		os.Exit(2)
	}

	runSvc := runs.New(runRepo, spawner, logger, svcOpts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("runnerd"))
	mux.HandleFunc("/readyz", httpserver.Readyz("runnerd", checks...))

	api := newCIAPI(logger, resolver, runSvc)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "runnerd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "runnerd", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
