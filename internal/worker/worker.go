// Package worker hosts the asynq task handlers that execute builds and
// auxiliary operations. Build tasks are serialized on one queue; stop
// requests travel on a second queue so they never wait behind a build.
package worker

import (
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/unica-wb/backend/internal/cache"
	"github.com/unica-wb/backend/internal/config"
	"github.com/unica-wb/backend/internal/gitrepo"
	"github.com/unica-wb/backend/internal/progress"
	"github.com/unica-wb/backend/internal/queue"
	"github.com/unica-wb/backend/internal/repository"
	"github.com/unica-wb/backend/internal/supervisor"
	"github.com/unica-wb/backend/internal/uploads"
	"github.com/unica-wb/backend/internal/workspace"
)

// Worker bundles the dependencies shared by every task handler.
type Worker struct {
	jobs      repository.JobRepository
	settings  repository.SettingsRepository
	ws        *workspace.Workspace
	repo      *gitrepo.Repo
	repoState *cache.RepoState
	broker    *progress.Broker
	sup       *supervisor.Supervisor
	stopper   *supervisor.Stopper
	uploads   *uploads.Store
	redisCfg  config.RedisConfig
	logger    *slog.Logger
}

// New wires a worker.
func New(
	jobs repository.JobRepository,
	settings repository.SettingsRepository,
	ws *workspace.Workspace,
	repo *gitrepo.Repo,
	repoState *cache.RepoState,
	broker *progress.Broker,
	uploadStore *uploads.Store,
	redisCfg config.RedisConfig,
	logger *slog.Logger,
) *Worker {
	w := &Worker{
		jobs:      jobs,
		settings:  settings,
		ws:        ws,
		repo:      repo,
		repoState: repoState,
		broker:    broker,
		uploads:   uploadStore,
		redisCfg:  redisCfg,
		logger:    logger,
	}
	w.sup = supervisor.New(jobs, logger)
	w.stopper = supervisor.NewStopper(jobs, func(queueJobID string) {
		queue.CancelQueued(redisCfg, queue.QueueBuilds, queueJobID)
	}, logger)
	return w
}

// BuildsMux registers the handlers served by the builds queue.
func (w *Worker) BuildsMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeBuildJob, w.HandleBuild)
	mux.HandleFunc(queue.TypeExtractFwJob, w.HandleExtractFw)
	mux.HandleFunc(queue.TypeDeleteFwJob, w.HandleDeleteFw)
	mux.HandleFunc(queue.TypeRepoCloneJob, w.HandleRepoClone)
	mux.HandleFunc(queue.TypeRepoPullJob, w.HandleRepoPull)
	mux.HandleFunc(queue.TypeRepoSubmodules, w.HandleRepoSubmodules)
	mux.HandleFunc(queue.TypeRepoDeleteJob, w.HandleRepoDelete)
	return mux
}

// ControlsMux registers the handlers served by the controls queue.
func (w *Worker) ControlsMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeStopJob, w.HandleStop)
	return mux
}

// safeName keeps only characters that are safe in a log file name.
func safeName(value string) string {
	var b strings.Builder
	for _, ch := range value {
		if ch == '_' || ch == '-' ||
			(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// shQuote single-quotes a string for safe interpolation into bash -lc.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
