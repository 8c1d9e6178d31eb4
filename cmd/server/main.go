// Package main is the entry point for the UN1CA workbench API server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unica-wb/backend/internal/auth"
	"github.com/unica-wb/backend/internal/buildreq"
	"github.com/unica-wb/backend/internal/cache"
	"github.com/unica-wb/backend/internal/config"
	"github.com/unica-wb/backend/internal/database"
	"github.com/unica-wb/backend/internal/firmware"
	"github.com/unica-wb/backend/internal/gitrepo"
	"github.com/unica-wb/backend/internal/handler"
	"github.com/unica-wb/backend/internal/metrics"
	"github.com/unica-wb/backend/internal/middleware"
	"github.com/unica-wb/backend/internal/progress"
	"github.com/unica-wb/backend/internal/queue"
	"github.com/unica-wb/backend/internal/repository"
	"github.com/unica-wb/backend/internal/uploads"
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

	logger.Info("Starting UN1CA workbench API",
		slog.Int("port", cfg.Server.Port),
		slog.String("workspace_root", cfg.Workspace.Root),
	)

	store, err := database.NewSQLite(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	if err := store.RunMigrations(context.Background()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()
	logger.Info("Connected to Redis")

	queueClient := queue.NewClient(cfg.Redis)
	defer queueClient.Close()

	jobs := repository.NewJobRepository(store.DB())
	settings := repository.NewSettingsRepository(store.DB())

	ws := workspace.New(cfg.Workspace)
	repo := gitrepo.New(cfg.Workspace)
	broker := progress.NewBroker(rdb)
	// Snapshots left over from a previous run describe dead processes.
	broker.ClearAll(context.Background())
	dirSize := cache.NewDirSize(rdb)
	fwLatest := cache.NewFirmwareLatest(rdb)
	catalog := firmware.NewCatalog(cfg.Workspace.OutDir, dirSize, fwLatest)
	repoState := cache.NewRepoState(rdb, repo, settings, dirSize, broker, cfg.Repo)
	recorder := metrics.NewHTTPRecorder(rdb)

	uploadStore, err := uploads.NewStore(cfg.Workspace.DataDir)
	if err != nil {
		log.Fatalf("Failed to init upload store: %v", err)
	}

	authSvc := auth.NewService(settings)
	materializer := buildreq.NewMaterializer(ws, uploadStore, jobs, queueClient, logger)

	cancelQueued := func(queueJobID string) {
		queue.CancelQueued(cfg.Redis, queue.QueueBuilds, queueJobID)
	}

	healthHandler := handler.NewHealthHandler(store.DB(), rdb)
	authHandler := handler.NewAuthHandler(authSvc)
	jobHandler := handler.NewJobHandler(jobs, materializer, queueClient, cancelQueued)
	logHandler := handler.NewLogHandler(jobs, authSvc)
	progressHandler := handler.NewProgressHandler(broker, authSvc)
	firmwareHandler := handler.NewFirmwareHandler(jobs, catalog, ws, broker, queueClient)
	defaultsHandler := handler.NewDefaultsHandler(jobs, ws, catalog, repoState)
	modsHandler := handler.NewModsHandler(ws, uploadStore)
	repoHandler := handler.NewRepoHandler(jobs, settings, repoState, ws, queueClient,
		cfg.Repo.URLDefault, cfg.Repo.RefDefault)
	systemHandler := handler.NewSystemHandler(rdb, recorder, cfg.Workspace)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	r.Use(middleware.Metrics(recorder))

	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// WebSocket endpoints run their own token check after the upgrade
		// so clients get a 4401 close frame instead of a plain HTTP 401.
		r.Get("/ws/jobs/{id}/logs", logHandler.StreamWS)
		r.Get("/ws/firmware", progressHandler.FirmwareWS)
		r.Get("/ws/builds", progressHandler.BuildWS)
		r.Get("/ws/repo", progressHandler.RepoWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(authSvc))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(rdb, middleware.LoginRateLimitConfig()))
				r.Mount("/auth", authHandler.Routes())
			})

			// SSE holds its connection for the life of the job, so it stays
			// outside the timeout group.
			r.Get("/jobs/{id}/logs/stream", logHandler.StreamSSE)

			r.Group(func(r chi.Router) {
				r.Use(chimiddleware.Timeout(60 * time.Second))

				r.Mount("/jobs", jobHandler.Routes())
				r.Mount("/artifacts", jobHandler.ArtifactRoutes())
				r.Mount("/firmware", firmwareHandler.Routes())
				r.Mount("/repo", repoHandler.Routes())
				r.Mount("/system", systemHandler.Routes())
				r.Mount("/debug", systemHandler.DebugRoutes())
				r.Mount("/mods", modsHandler.Routes())

				r.Get("/defaults", defaultsHandler.Get)
				r.Get("/debloat/options", modsHandler.DebloatOptions)
				r.Get("/floating/features", modsHandler.FloatingFeatures)
			})
		})
	})

	// No WriteTimeout: the SSE and WebSocket streams write for as long as
	// the underlying job runs.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}
	logger.Info("Server stopped gracefully")
}
