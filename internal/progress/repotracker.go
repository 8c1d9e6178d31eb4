package progress

import (
	"context"
	"sync"
	"time"
)

// RepoTracker follows git subprocess output for clone/pull/submodule/delete
// operations. Stages are not parsed from the output; the caller advances
// them as it launches each phase.
type RepoTracker struct {
	broker *Broker
	jobID  string

	mu        sync.Mutex
	stage     string
	lastPct   int
	startedAt time.Time
}

// NewRepoTracker creates a tracker for one repo operation job.
func NewRepoTracker(broker *Broker, jobID string) *RepoTracker {
	return &RepoTracker{broker: broker, jobID: jobID, startedAt: time.Now()}
}

// SetStage announces a new phase, resetting the percent.
func (t *RepoTracker) SetStage(stage string) {
	t.mu.Lock()
	t.stage = stage
	t.lastPct = 0
	t.startedAt = time.Now()
	t.mu.Unlock()
	t.emit("running", 0, nil)
}

// Feed consumes raw git output, tracking percent and speed. ETA is derived
// from the observed rate because git reports none.
func (t *RepoTracker) Feed(text string) {
	for _, line := range SplitLines(text) {
		update := ParseLine(line)
		if update == nil || update.Percent == nil {
			continue
		}
		pct := *update.Percent
		t.mu.Lock()
		t.lastPct = pct
		elapsed := int(time.Since(t.startedAt).Seconds())
		t.mu.Unlock()

		snap := Snapshot{"elapsed_sec": elapsed}
		if update.SpeedBps != nil {
			snap["speed_bps"] = *update.SpeedBps
		}
		if pct > 0 {
			snap["eta_sec"] = elapsed * (100 - pct) / pct
		}
		t.emit("running", pct, snap)
	}
}

// Heartbeat re-emits the current state.
func (t *RepoTracker) Heartbeat() {
	t.mu.Lock()
	pct := t.lastPct
	elapsed := int(time.Since(t.startedAt).Seconds())
	t.mu.Unlock()
	t.emit("running", pct, Snapshot{"elapsed_sec": elapsed})
}

// Finalize emits the terminal state for the operation.
func (t *RepoTracker) Finalize(ok bool) {
	t.mu.Lock()
	pct := t.lastPct
	t.mu.Unlock()
	status := "failed"
	if ok {
		status = "completed"
		pct = 100
	}
	t.emit(status, pct, nil)
}

func (t *RepoTracker) emit(status string, pct int, extra Snapshot) {
	t.mu.Lock()
	stage := t.stage
	t.mu.Unlock()

	snap := Snapshot{
		"type":    "progress",
		"status":  status,
		"stage":   stage,
		"job_id":  t.jobID,
		"percent": pct,
	}
	for k, v := range extra {
		snap[k] = v
	}
	t.broker.SetRepo(context.Background(), snap)
}
