package handler

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/unica-wb/backend/internal/cache"
	"github.com/unica-wb/backend/internal/config"
	"github.com/unica-wb/backend/internal/database"
	"github.com/unica-wb/backend/internal/metrics"
	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
	"github.com/unica-wb/backend/internal/pkg/response"
)

// SystemHandler serves host resource usage and the performance debug
// endpoints backed by the Redis caches.
type SystemHandler struct {
	rdb      *database.Redis
	recorder *metrics.HTTPRecorder
	wsCfg    config.WorkspaceConfig
}

// NewSystemHandler creates a system handler.
func NewSystemHandler(rdb *database.Redis, recorder *metrics.HTTPRecorder, wsCfg config.WorkspaceConfig) *SystemHandler {
	return &SystemHandler{rdb: rdb, recorder: recorder, wsCfg: wsCfg}
}

// Routes returns a chi router with the system/debug routes.
func (h *SystemHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/resources", h.Resources)
	return r
}

// DebugRoutes returns a chi router with the perf debug routes.
func (h *SystemHandler) DebugRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/perf", h.Perf)
	r.Get("/perf/top", h.PerfTop)
	return r
}

// Resources handles GET /system/resources: load average, memory, and the
// disk usage of the out/ and data/ volumes.
func (h *SystemHandler) Resources(w http.ResponseWriter, r *http.Request) {
	load1, load5, load15 := readLoadAvg()
	memTotal, memAvailable := readMemInfo()
	memUsed := memTotal - memAvailable
	if memUsed < 0 {
		memUsed = 0
	}

	response.OK(w, map[string]any{
		"load":   map[string]any{"1m": load1, "5m": load5, "15m": load15},
		"memory": map[string]any{"total": memTotal, "used": memUsed, "available": memAvailable},
		"disk": map[string]any{
			"out":  diskUsage(h.wsCfg.OutDir),
			"data": diskUsage(h.wsCfg.DataDir),
		},
	})
}

// Perf handles GET /debug/perf: cache hit counters and the per-endpoint
// HTTP latency stats.
func (h *SystemHandler) Perf(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fwStats := hashGetAllInt(ctx, h.rdb, cache.FwStatsKey)
	dirStats := hashGetAllInt(ctx, h.rdb, cache.DirStatsKey)

	response.OK(w, map[string]any{
		"firmware_latest_cache": map[string]any{
			"storage":     "redis",
			"entries":     len(h.rdb.ScanPrefix(ctx, cache.FwCacheKeyPrefix)),
			"ttl_sec":     int(cache.FirmwareLatestTTL.Seconds()),
			"retry_sec":   int(cache.FirmwareLatestRetry.Seconds()),
			"timeout_sec": int(cache.FirmwareLatestTimeout.Seconds()),
			"hits_fresh":  fwStats["hits_fresh"],
			"hits_stale":  fwStats["hits_stale"],
			"misses":      fwStats["misses"],
			"net_ok":      fwStats["net_ok"],
			"net_err":     fwStats["net_err"],
		},
		"dir_size_cache": map[string]any{
			"storage": "redis",
			"entries": len(h.rdb.ScanPrefix(ctx, cache.DirCacheKeyPrefix)),
			"ttl_sec": int(cache.DirSizeTTL.Seconds()),
			"hits":    dirStats["hits"],
			"misses":  dirStats["misses"],
		},
		"repo_cache": map[string]any{
			"storage":              "redis",
			"repo_info_ttl_sec":    int(cache.RepoInfoTTL.Seconds()),
			"git_snapshot_ttl_sec": int(cache.GitSnapshotTTL.Seconds()),
			"repo_info_cached":     keyExists(ctx, h.rdb, cache.RepoInfoKey),
			"git_snapshot_cached":  keyExists(ctx, h.rdb, cache.GitSnapshotKey),
		},
		"http_metrics": map[string]any{
			"storage":   "redis",
			"endpoints": h.recorder.Collect(ctx),
		},
	})
}

// PerfTop handles GET /debug/perf/top?limit=&sort_by=p95|avg.
func (h *SystemHandler) PerfTop(w http.ResponseWriter, r *http.Request) {
	sortBy := r.URL.Query().Get("sort_by")
	if sortBy == "" {
		sortBy = "p95"
	}
	if sortBy != "p95" && sortBy != "avg" {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("sort_by must be p95 or avg"))
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	} else if limit > 100 {
		limit = 100
	}

	response.OK(w, map[string]any{
		"sort_by": sortBy,
		"limit":   limit,
		"items":   h.recorder.Top(r.Context(), limit, sortBy),
	})
}

func readLoadAvg() (float64, float64, float64) {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 3 {
		return 0, 0, 0
	}
	l1, _ := strconv.ParseFloat(fields[0], 64)
	l5, _ := strconv.ParseFloat(fields[1], 64)
	l15, _ := strconv.ParseFloat(fields[2], 64)
	return l1, l5, l15
}

func readMemInfo() (total, available int64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			total = memInfoBytes(line)
		} else if strings.HasPrefix(line, "MemAvailable:") {
			available = memInfoBytes(line)
		}
	}
	return total, available
}

func memInfoBytes(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, _ := strconv.ParseInt(fields[1], 10, 64)
	return kb * 1024
}

// diskUsage reports total/used/free for the filesystem holding path,
// falling back to the root filesystem when the path does not exist.
func diskUsage(path string) map[string]int64 {
	if _, err := os.Stat(path); err != nil {
		path = "/"
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return map[string]int64{"total": 0, "used": 0, "free": 0}
	}
	total := int64(st.Blocks) * int64(st.Bsize)
	free := int64(st.Bavail) * int64(st.Bsize)
	return map[string]int64{"total": total, "used": total - free, "free": free}
}

func hashGetAllInt(ctx context.Context, rdb *database.Redis, key string) map[string]int64 {
	out := map[string]int64{}
	for field, raw := range rdb.HashGetAll(ctx, key) {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			out[field] = v
		}
	}
	return out
}

func keyExists(ctx context.Context, rdb *database.Redis, key string) bool {
	n, err := rdb.Client().Exists(ctx, key).Result()
	return err == nil && n > 0
}
