// Package main is the entry point for the build worker. It serves two
// asynq queues: builds (serialized, long-running) and controls (stop
// requests, which must never wait behind a build).
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/unica-wb/backend/internal/cache"
	"github.com/unica-wb/backend/internal/config"
	"github.com/unica-wb/backend/internal/database"
	"github.com/unica-wb/backend/internal/gitrepo"
	"github.com/unica-wb/backend/internal/progress"
	"github.com/unica-wb/backend/internal/queue"
	"github.com/unica-wb/backend/internal/repository"
	"github.com/unica-wb/backend/internal/uploads"
	"github.com/unica-wb/backend/internal/worker"
	"github.com/unica-wb/backend/internal/workspace"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting UN1CA build worker",
		slog.String("workspace_root", cfg.Workspace.Root),
		slog.String("out_dir", cfg.Workspace.OutDir),
	)

	store, err := database.NewSQLite(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	if err := store.RunMigrations(context.Background()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	jobs := repository.NewJobRepository(store.DB())
	settings := repository.NewSettingsRepository(store.DB())

	ws := workspace.New(cfg.Workspace)
	repo := gitrepo.New(cfg.Workspace)
	broker := progress.NewBroker(rdb)
	dirSize := cache.NewDirSize(rdb)
	repoState := cache.NewRepoState(rdb, repo, settings, dirSize, broker, cfg.Repo)

	uploadStore, err := uploads.NewStore(cfg.Workspace.DataDir)
	if err != nil {
		log.Fatalf("Failed to init upload store: %v", err)
	}

	// Crashed builds from a previous run may have left override files in
	// the checkout; restore them before accepting new work.
	counts := ws.CleanupStaleOverrides()
	logger.Info("Stale override cleanup",
		slog.Int("uploaded_mod_dirs", counts.UploadedModDirs),
		slog.Int("tmp_extra_mods_dirs", counts.TmpExtraModsDirs),
	)

	w := worker.New(jobs, settings, ws, repo, repoState, broker, uploadStore, cfg.Redis, logger)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// One build at a time. Extract and repo operations share the queue so
	// nothing races the checkout.
	buildsSrv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{queue.QueueBuilds: 1},
	})
	controlsSrv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues:      map[string]int{queue.QueueControls: 1},
	})

	if err := buildsSrv.Start(w.BuildsMux()); err != nil {
		log.Fatalf("Builds server error: %v", err)
	}
	if err := controlsSrv.Start(w.ControlsMux()); err != nil {
		log.Fatalf("Controls server error: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down worker", slog.String("signal", sig.String()))
	controlsSrv.Shutdown()
	buildsSrv.Shutdown()
	logger.Info("Worker stopped")
}
