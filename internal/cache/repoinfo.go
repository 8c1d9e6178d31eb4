package cache

import (
	"context"
	"time"

	"github.com/unica-wb/backend/internal/config"
	"github.com/unica-wb/backend/internal/database"
	"github.com/unica-wb/backend/internal/gitrepo"
	"github.com/unica-wb/backend/internal/models"
	"github.com/unica-wb/backend/internal/progress"
	"github.com/unica-wb/backend/internal/repository"
)

// Repo cache keys. Both slots are short-lived; git subprocesses and
// settings reads are cheap but not free on every poll.
const (
	RepoInfoKey    = "un1ca:cache:repo_info:v1"
	GitSnapshotKey = "un1ca:cache:git_snapshot:v1"

	RepoInfoTTL    = 30 * time.Second
	GitSnapshotTTL = 30 * time.Second
)

// RepoInfo is the combined repository state served to the UI. Credentials
// never leave the settings table; only their presence is reported.
type RepoInfo struct {
	GitURL        string                `json:"git_url"`
	GitRef        string                `json:"git_ref"`
	RepoPath      string                `json:"repo_path"`
	RepoExists    bool                  `json:"repo_exists"`
	RepoSizeBytes int64                 `json:"repo_size_bytes"`
	GitUsername   string                `json:"git_username"`
	GitTokenSet   bool                  `json:"git_token_set"`
	Commit        gitrepo.CommitDetails `json:"commit"`
	RepoSync      gitrepo.SyncStatus    `json:"repo_sync"`
	Progress      progress.Snapshot     `json:"progress"`
}

// RepoState caches the repo info and commit snapshot.
type RepoState struct {
	rdb      *database.Redis
	repo     *gitrepo.Repo
	settings repository.SettingsRepository
	dirSize  *DirSize
	broker   *progress.Broker
	repoCfg  config.RepoConfig
}

// NewRepoState wires the repo-state cache.
func NewRepoState(rdb *database.Redis, repo *gitrepo.Repo, settings repository.SettingsRepository, dirSize *DirSize, broker *progress.Broker, repoCfg config.RepoConfig) *RepoState {
	return &RepoState{rdb: rdb, repo: repo, settings: settings, dirSize: dirSize, broker: broker, repoCfg: repoCfg}
}

// Snapshot returns the cached commit/sync snapshot, re-deriving it from git
// when the slot is empty.
func (s *RepoState) Snapshot(ctx context.Context) gitrepo.Snapshot {
	var cached gitrepo.Snapshot
	if s.rdb.GetJSON(ctx, GitSnapshotKey, &cached) && cached.Commit.ShortHash != "" {
		return cached
	}
	snap := s.repo.CurrentSnapshot()
	s.rdb.SetJSON(ctx, GitSnapshotKey, snap, GitSnapshotTTL)
	return snap
}

// Info returns the cached combined repository state.
func (s *RepoState) Info(ctx context.Context) RepoInfo {
	var cached RepoInfo
	if s.rdb.GetJSON(ctx, RepoInfoKey, &cached) && cached.GitURL != "" {
		return cached
	}

	gitURL := s.setting(ctx, models.SettingGitURL, s.repoCfg.URLDefault)
	gitRef := s.setting(ctx, models.SettingGitRef, s.repoCfg.RefDefault)
	gitUsername := s.setting(ctx, models.SettingGitUsername, "")
	gitToken := s.setting(ctx, models.SettingGitToken, "")

	snap := s.Snapshot(ctx)
	info := RepoInfo{
		GitURL:        gitrepo.SafeURL(gitURL),
		GitRef:        gitRef,
		RepoPath:      s.repo.Root(),
		RepoExists:    s.repo.Exists(),
		RepoSizeBytes: s.dirSize.Get(ctx, s.repo.Root()),
		GitUsername:   gitUsername,
		GitTokenSet:   gitToken != "",
		Commit:        snap.Commit,
		RepoSync:      snap.RepoSync,
		Progress:      s.broker.GetRepo(ctx),
	}
	s.rdb.SetJSON(ctx, RepoInfoKey, info, RepoInfoTTL)
	return info
}

// Invalidate drops both cached slots. Called after any repo mutation.
func (s *RepoState) Invalidate(ctx context.Context) {
	s.rdb.Delete(ctx, RepoInfoKey)
	s.rdb.Delete(ctx, GitSnapshotKey)
}

func (s *RepoState) setting(ctx context.Context, key, fallback string) string {
	value, err := s.settings.Get(ctx, key)
	if err != nil || value == "" {
		return fallback
	}
	return value
}
