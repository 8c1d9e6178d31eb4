package progress

import (
	"context"
	"sort"
	"sync"
	"time"
)

// dedupWindow suppresses re-emits of an unchanged percent for a key.
const dedupWindow = 900 * time.Millisecond

// FirmwareTracker consumes a build/extract subprocess's output and keeps
// the firmware cards current. It satisfies the supervisor's consumer
// contract; Feed and Heartbeat race by design (reader loop vs ticker), so
// all state sits behind one mutex.
type FirmwareTracker struct {
	broker *Broker
	jobID  string
	phase  string

	mu         sync.Mutex
	knownKeys  []string
	currentKey string
	started    map[string]bool
	lastPct    map[string]int
	lastEmit   map[string]time.Time
	startedAt  map[string]time.Time
}

// NewFirmwareTracker creates a tracker for the given firmware keys. With a
// single known key it is implicit; with several, lines choose the current
// key.
func NewFirmwareTracker(broker *Broker, jobID string, knownKeys []string, phase string) *FirmwareTracker {
	var keys []string
	for _, k := range knownKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}
	current := ""
	if len(keys) == 1 {
		current = keys[0]
	}
	return &FirmwareTracker{
		broker:     broker,
		jobID:      jobID,
		phase:      phase,
		knownKeys:  keys,
		currentKey: current,
		started:    map[string]bool{},
		lastPct:    map[string]int{},
		lastEmit:   map[string]time.Time{},
		startedAt:  map[string]time.Time{},
	}
}

// Feed consumes a raw output chunk, splitting on CR/LF internally.
func (t *FirmwareTracker) Feed(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, line := range SplitLines(text) {
		if guessed := GuessFwKey(line, t.knownKeys); guessed != "" {
			t.currentKey = guessed
		}
		update := ParseLine(line)
		key := t.currentKey
		if key == "" && len(t.knownKeys) == 1 {
			key = t.knownKeys[0]
		}
		if update == nil || key == "" {
			continue
		}

		pct := -1
		if update.Percent != nil {
			pct = *update.Percent
		}
		now := time.Now()
		if pct >= 0 && pct == t.lastPct[key] && now.Sub(t.lastEmit[key]) < dedupWindow {
			continue
		}
		t.lastPct[key] = pct
		t.lastEmit[key] = now
		t.started[key] = true
		if _, ok := t.startedAt[key]; !ok {
			t.startedAt[key] = now
		}

		snap := Snapshot{
			"type":        "progress",
			"status":      "running",
			"phase":       t.phase,
			"job_id":      t.jobID,
			"elapsed_sec": int(now.Sub(t.startedAt[key]).Seconds()),
		}
		mergeUpdate(snap, update)
		t.broker.SetFirmware(context.Background(), key, snap)
	}
}

// Heartbeat re-emits the last known percent so cards stay alive through
// silent phases.
func (t *FirmwareTracker) Heartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()

	targets := t.targetKeys()
	now := time.Now()
	for _, key := range targets {
		if _, ok := t.startedAt[key]; !ok {
			t.startedAt[key] = now
		}
		pct := t.lastPct[key]
		if pct < 0 {
			pct = 0
		}
		t.broker.SetFirmware(context.Background(), key, Snapshot{
			"type":        "progress",
			"status":      "running",
			"phase":       t.phase,
			"job_id":      t.jobID,
			"percent":     pct,
			"elapsed_sec": int(now.Sub(t.startedAt[key]).Seconds()),
		})
	}
}

// Finalize marks every touched card completed or failed. On failure the
// last observed percent stands; no progress is fabricated.
func (t *FirmwareTracker) Finalize(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range t.targetKeys() {
		status := "failed"
		pct := t.lastPct[key]
		if pct < 0 {
			pct = 0
		}
		if ok {
			status = "completed"
			pct = 100
		}
		t.broker.SetFirmware(context.Background(), key, Snapshot{
			"type":    "progress",
			"status":  status,
			"phase":   t.phase,
			"job_id":  t.jobID,
			"percent": pct,
		})
	}
}

func (t *FirmwareTracker) targetKeys() []string {
	if len(t.started) > 0 {
		keys := make([]string, 0, len(t.started))
		for k := range t.started {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	}
	return t.knownKeys
}

func mergeUpdate(snap Snapshot, update *Update) {
	if update.Percent != nil {
		snap["percent"] = *update.Percent
	}
	if update.DownloadedBytes != nil {
		snap["downloaded_bytes"] = *update.DownloadedBytes
	}
	if update.TotalBytes != nil {
		snap["total_bytes"] = *update.TotalBytes
	}
	if update.SpeedBps != nil {
		snap["speed_bps"] = *update.SpeedBps
	}
	if update.ElapsedSec != nil {
		snap["elapsed_sec"] = *update.ElapsedSec
	}
	if update.ETASec != nil {
		snap["eta_sec"] = *update.ETASec
	}
}
