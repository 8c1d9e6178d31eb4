package progress

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unica-wb/backend/internal/database"
)

// Redis keys and channels for the three progress streams. Firmware and
// build snapshots are hashes keyed by firmware key / job id; the repo
// stream is a single slot.
const (
	FirmwareHashKey = "un1ca:firmware_progress"
	FirmwareChannel = "un1ca:firmware_progress_events"

	BuildHashKey = "un1ca:build_progress"
	BuildChannel = "un1ca:build_progress_events"

	RepoKey     = "un1ca:repo_progress"
	RepoChannel = "un1ca:repo_progress_events"
)

// Snapshot is one progress payload. Producers write whatever fields apply;
// readers tolerate missing ones because every snapshot carries full state.
type Snapshot map[string]any

// Broker stores latest-wins snapshots and fans out deltas over pub/sub.
// Every method is best-effort: a briefly unavailable Redis loses progress,
// never job state.
type Broker struct {
	rdb *database.Redis
}

// NewBroker creates a broker over the shared Redis wrapper.
func NewBroker(rdb *database.Redis) *Broker {
	return &Broker{rdb: rdb}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (b *Broker) publishHash(ctx context.Context, hashKey, channel, field string, snap Snapshot) {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return
	}
	b.rdb.HashSet(ctx, hashKey, field, string(encoded))
	b.rdb.PublishRaw(ctx, channel, encoded)
}

func decodeHash(raw map[string]string) map[string]Snapshot {
	out := map[string]Snapshot{}
	for key, value := range raw {
		var snap Snapshot
		if err := json.Unmarshal([]byte(value), &snap); err != nil {
			continue
		}
		out[key] = snap
	}
	return out
}

// SetFirmware stores and publishes a firmware card update.
func (b *Broker) SetFirmware(ctx context.Context, fwKey string, snap Snapshot) {
	body := Snapshot{"fw_key": fwKey, "updated_at": nowISO()}
	for k, v := range snap {
		body[k] = v
	}
	b.publishHash(ctx, FirmwareHashKey, FirmwareChannel, fwKey, body)
}

// ListFirmware returns the latest snapshot per firmware key.
func (b *Broker) ListFirmware(ctx context.Context) map[string]Snapshot {
	return decodeHash(b.rdb.HashGetAll(ctx, FirmwareHashKey))
}

// RemoveFirmware deletes a firmware card and announces the removal.
func (b *Broker) RemoveFirmware(ctx context.Context, fwKey string) {
	b.rdb.HashDelete(ctx, FirmwareHashKey, fwKey)
	b.rdb.Publish(ctx, FirmwareChannel, Snapshot{"type": "removed", "fw_key": fwKey})
}

// SetBuild stores and publishes a per-job build update.
func (b *Broker) SetBuild(ctx context.Context, jobID string, snap Snapshot) {
	body := Snapshot{"job_id": jobID, "ts": time.Now().Unix()}
	for k, v := range snap {
		body[k] = v
	}
	body["job_id"] = jobID
	b.publishHash(ctx, BuildHashKey, BuildChannel, jobID, body)
}

// ListBuild returns the latest build snapshot per job id.
func (b *Broker) ListBuild(ctx context.Context) map[string]Snapshot {
	return decodeHash(b.rdb.HashGetAll(ctx, BuildHashKey))
}

// RemoveBuild deletes a build snapshot and announces the removal.
func (b *Broker) RemoveBuild(ctx context.Context, jobID string) {
	b.rdb.HashDelete(ctx, BuildHashKey, jobID)
	b.rdb.Publish(ctx, BuildChannel, Snapshot{"type": "removed", "job_id": jobID})
}

// SetRepo stores and publishes the single repo-operation snapshot.
func (b *Broker) SetRepo(ctx context.Context, snap Snapshot) {
	body := Snapshot{"updated_at": nowISO()}
	for k, v := range snap {
		body[k] = v
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return
	}
	b.rdb.SetJSON(ctx, RepoKey, json.RawMessage(encoded), 0)
	b.rdb.PublishRaw(ctx, RepoChannel, encoded)
}

// GetRepo returns the current repo snapshot, or an empty one.
func (b *Broker) GetRepo(ctx context.Context) Snapshot {
	var snap Snapshot
	if !b.rdb.GetJSON(ctx, RepoKey, &snap) {
		return Snapshot{}
	}
	return snap
}

// ClearRepo deletes the repo snapshot and announces the removal.
func (b *Broker) ClearRepo(ctx context.Context) {
	b.rdb.Delete(ctx, RepoKey)
	b.rdb.Publish(ctx, RepoChannel, Snapshot{"type": "removed"})
}

// ClearFirmware drops every firmware card.
func (b *Broker) ClearFirmware(ctx context.Context) {
	b.rdb.Delete(ctx, FirmwareHashKey)
}

// ClearBuild drops every build snapshot.
func (b *Broker) ClearBuild(ctx context.Context) {
	b.rdb.Delete(ctx, BuildHashKey)
}

// ClearAll wipes all three progress streams. Called at service startup:
// whatever the snapshots described died with the previous process, and new
// subscribers must not see it.
func (b *Broker) ClearAll(ctx context.Context) {
	b.ClearFirmware(ctx)
	b.ClearBuild(ctx)
	b.ClearRepo(ctx)
}

// Subscribe opens a pub/sub subscription on one of the progress channels.
// The caller owns the returned subscription and must close it.
func (b *Broker) Subscribe(ctx context.Context, channel string) *goredis.PubSub {
	return b.rdb.Subscribe(ctx, channel)
}
