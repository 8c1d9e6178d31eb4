package progress

import (
	"context"
	"sync"
	"time"
)

// BuildTracker feeds two streams from one build subprocess: the firmware
// cards for the source and target downloads, and the per-job build stream
// that carries the overall state.
type BuildTracker struct {
	broker   *Broker
	jobID    string
	firmware *FirmwareTracker

	mu      sync.Mutex
	lastPct int
}

// NewBuildTracker creates a tracker over the job's source and target
// firmware keys.
func NewBuildTracker(broker *Broker, jobID string, sourceKey, targetKey string) *BuildTracker {
	return &BuildTracker{
		broker:   broker,
		jobID:    jobID,
		firmware: NewFirmwareTracker(broker, jobID, []string{sourceKey, targetKey}, "download"),
	}
}

// Feed consumes a raw output chunk.
func (t *BuildTracker) Feed(text string) {
	t.firmware.Feed(text)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range SplitLines(text) {
		update := ParseLine(line)
		if update == nil || update.Percent == nil {
			continue
		}
		t.lastPct = *update.Percent
	}
}

// Heartbeat keeps both streams alive through silent build phases.
func (t *BuildTracker) Heartbeat() {
	t.firmware.Heartbeat()

	t.mu.Lock()
	pct := t.lastPct
	t.mu.Unlock()
	t.broker.SetBuild(context.Background(), t.jobID, Snapshot{
		"type":    "progress",
		"status":  "running",
		"percent": pct,
		"ts":      time.Now().Unix(),
	})
}

// Finalize emits the terminal state on both streams.
func (t *BuildTracker) Finalize(ok bool) {
	t.firmware.Finalize(ok)

	t.mu.Lock()
	pct := t.lastPct
	t.mu.Unlock()
	status := "failed"
	if ok {
		status = "completed"
		pct = 100
	}
	t.broker.SetBuild(context.Background(), t.jobID, Snapshot{
		"type":    "progress",
		"status":  status,
		"percent": pct,
	})
}
