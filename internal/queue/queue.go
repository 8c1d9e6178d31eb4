// Package queue wraps the durable Redis task queues: builds (serialized,
// long timeout) and controls (parallel, short timeout).
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/unica-wb/backend/internal/config"
)

// Queue names. Builds run one at a time for up to 12 hours; controls run
// up to four in parallel for up to 10 minutes.
const (
	QueueBuilds   = "unica-wb:builds"
	QueueControls = "unica-wb:controls"

	BuildsConcurrency   = 1
	ControlsConcurrency = 4

	BuildTimeout   = 12 * time.Hour
	ControlTimeout = 10 * time.Minute
)

// Task type names, one per worker handler.
const (
	TypeBuildJob       = "build:run"
	TypeExtractFwJob   = "fw:extract"
	TypeDeleteFwJob    = "fw:delete"
	TypeRepoCloneJob   = "repo:clone"
	TypeRepoPullJob    = "repo:pull"
	TypeRepoSubmodules = "repo:submodules"
	TypeRepoDeleteJob  = "repo:delete"
	TypeStopJob        = "job:stop"
)

// BuildPayload carries a build task's arguments.
type BuildPayload struct {
	JobID string `json:"job_id"`
}

// ExtractFwPayload carries a firmware extract task's arguments.
type ExtractFwPayload struct {
	JobID          string `json:"job_id"`
	FwKey          string `json:"fw_key"`
	TargetCodename string `json:"target_codename"`
}

// DeleteFwPayload carries a firmware delete task's arguments.
type DeleteFwPayload struct {
	JobID  string `json:"job_id"`
	FwType string `json:"fw_type"`
	FwKey  string `json:"fw_key"`
}

// RepoClonePayload carries a repo clone task's arguments.
type RepoClonePayload struct {
	JobID  string `json:"job_id"`
	GitURL string `json:"git_url"`
	GitRef string `json:"git_ref"`
}

// RepoPullPayload carries a repo pull task's arguments.
type RepoPullPayload struct {
	JobID  string `json:"job_id"`
	GitRef string `json:"git_ref"`
}

// RepoSubmodulesPayload carries a submodule sync task's arguments.
type RepoSubmodulesPayload struct {
	JobID string `json:"job_id"`
}

// RepoDeletePayload carries a repo delete task's arguments.
type RepoDeletePayload struct {
	JobID string `json:"job_id"`
	Mode  string `json:"mode"`
}

// StopPayload carries a stop task's arguments.
type StopPayload struct {
	JobID      string `json:"job_id"`
	SignalType string `json:"signal_type"`
}

// Client enqueues tasks. Stop tasks travel through the controls queue so
// they execute in the worker's pid namespace, not the API container's.
type Client struct {
	inner *asynq.Client
}

// NewClient connects an enqueue-only client to Redis.
func NewClient(cfg config.RedisConfig) *Client {
	return &Client{inner: asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// Close releases the client's Redis connections.
func (c *Client) Close() error { return c.inner.Close() }

func (c *Client) enqueue(ctx context.Context, typename string, payload any, queueName string, timeout time.Duration) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	info, err := c.inner.EnqueueContext(ctx, asynq.NewTask(typename, data),
		asynq.Queue(queueName),
		asynq.Timeout(timeout),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// EnqueueBuild queues a materialized build job.
func (c *Client) EnqueueBuild(ctx context.Context, jobID string) (string, error) {
	return c.enqueue(ctx, TypeBuildJob, BuildPayload{JobID: jobID}, QueueBuilds, BuildTimeout)
}

// EnqueueExtractFw queues a firmware extraction operation.
func (c *Client) EnqueueExtractFw(ctx context.Context, jobID, fwKey, targetCodename string) (string, error) {
	return c.enqueue(ctx, TypeExtractFwJob,
		ExtractFwPayload{JobID: jobID, FwKey: fwKey, TargetCodename: targetCodename},
		QueueBuilds, BuildTimeout)
}

// EnqueueDeleteFw queues a firmware deletion operation.
func (c *Client) EnqueueDeleteFw(ctx context.Context, jobID, fwType, fwKey string) (string, error) {
	return c.enqueue(ctx, TypeDeleteFwJob,
		DeleteFwPayload{JobID: jobID, FwType: fwType, FwKey: fwKey},
		QueueBuilds, BuildTimeout)
}

// EnqueueRepoClone queues a repository clone.
func (c *Client) EnqueueRepoClone(ctx context.Context, jobID, gitURL, gitRef string) (string, error) {
	return c.enqueue(ctx, TypeRepoCloneJob,
		RepoClonePayload{JobID: jobID, GitURL: gitURL, GitRef: gitRef},
		QueueBuilds, BuildTimeout)
}

// EnqueueRepoPull queues a repository pull.
func (c *Client) EnqueueRepoPull(ctx context.Context, jobID, gitRef string) (string, error) {
	return c.enqueue(ctx, TypeRepoPullJob,
		RepoPullPayload{JobID: jobID, GitRef: gitRef},
		QueueBuilds, BuildTimeout)
}

// EnqueueRepoSubmodules queues a submodule sync.
func (c *Client) EnqueueRepoSubmodules(ctx context.Context, jobID string) (string, error) {
	return c.enqueue(ctx, TypeRepoSubmodules,
		RepoSubmodulesPayload{JobID: jobID},
		QueueBuilds, BuildTimeout)
}

// EnqueueRepoDelete queues a checkout deletion.
func (c *Client) EnqueueRepoDelete(ctx context.Context, jobID, mode string) (string, error) {
	return c.enqueue(ctx, TypeRepoDeleteJob,
		RepoDeletePayload{JobID: jobID, Mode: mode},
		QueueBuilds, BuildTimeout)
}

// EnqueueStop queues an out-of-band stop for a running job.
func (c *Client) EnqueueStop(ctx context.Context, jobID, signalType string) (string, error) {
	return c.enqueue(ctx, TypeStopJob,
		StopPayload{JobID: jobID, SignalType: signalType},
		QueueControls, ControlTimeout)
}

// CancelQueued best-effort removes a still-pending task from its queue.
func CancelQueued(cfg config.RedisConfig, queueName, queueJobID string) {
	inspector := asynq.NewInspector(asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	defer inspector.Close()
	_ = inspector.DeleteTask(queueName, queueJobID)
}
