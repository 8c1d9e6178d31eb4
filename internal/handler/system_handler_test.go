package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unica-wb/backend/internal/config"
	"github.com/unica-wb/backend/internal/database"
	"github.com/unica-wb/backend/internal/metrics"
)

func newSystemFixture(t *testing.T) (*SystemHandler, *database.Redis, *metrics.HTTPRecorder) {
	t.Helper()
	rdb := newTestRedis(t)
	recorder := metrics.NewHTTPRecorder(rdb)
	h := NewSystemHandler(rdb, recorder, config.WorkspaceConfig{
		OutDir:  t.TempDir(),
		DataDir: t.TempDir(),
	})
	return h, rdb, recorder
}

func TestSystemResourcesShape(t *testing.T) {
	h, _, _ := newSystemFixture(t)

	var body map[string]map[string]any
	rec := doJSON(t, h.Routes(), http.MethodGet, "/resources", "", &body)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Contains(t, body, "load")
	require.Contains(t, body, "memory")
	require.Contains(t, body, "disk")
	for _, k := range []string{"1m", "5m", "15m"} {
		assert.Contains(t, body["load"], k)
	}
	for _, k := range []string{"total", "used", "available"} {
		assert.Contains(t, body["memory"], k)
	}
	disk := body["disk"]
	require.Contains(t, disk, "out")
	require.Contains(t, disk, "data")
	out := disk["out"].(map[string]any)
	assert.Greater(t, out["total"].(float64), 0.0)
}

func TestDebugPerfShape(t *testing.T) {
	h, rdb, recorder := newSystemFixture(t)
	ctx := context.Background()

	rdb.HashIncrementBy(ctx, "un1ca:cache:fw_latest:stats", "hits_fresh", 7)
	recorder.Record(ctx, http.MethodGet, "/api/jobs", http.StatusOK, 15*time.Millisecond)

	var body map[string]map[string]any
	rec := doJSON(t, h.DebugRoutes(), http.MethodGet, "/perf", "", &body)
	require.Equal(t, http.StatusOK, rec.Code)

	fw := body["firmware_latest_cache"]
	assert.Equal(t, "redis", fw["storage"])
	assert.Equal(t, 7.0, fw["hits_fresh"])
	assert.Equal(t, 3600.0, fw["ttl_sec"])
	// the stats hash itself lives under the prefix and is counted
	assert.Equal(t, 1.0, fw["entries"])

	assert.Equal(t, "redis", body["dir_size_cache"]["storage"])
	assert.Equal(t, 1200.0, body["dir_size_cache"]["ttl_sec"])

	repoCache := body["repo_cache"]
	assert.Equal(t, false, repoCache["repo_info_cached"])

	endpoints := body["http_metrics"]["endpoints"].(map[string]any)
	assert.Contains(t, endpoints, "GET:/api/jobs")
}

func TestDebugPerfTop(t *testing.T) {
	h, _, recorder := newSystemFixture(t)
	ctx := context.Background()

	recorder.Record(ctx, http.MethodGet, "/api/fast", http.StatusOK, 5*time.Millisecond)
	recorder.Record(ctx, http.MethodGet, "/api/slow", http.StatusOK, 900*time.Millisecond)

	var body struct {
		SortBy string           `json:"sort_by"`
		Limit  int              `json:"limit"`
		Items  []map[string]any `json:"items"`
	}
	rec := doJSON(t, h.DebugRoutes(), http.MethodGet, "/perf/top", "", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p95", body.SortBy)
	assert.Equal(t, 10, body.Limit)
	require.NotEmpty(t, body.Items)
	assert.Equal(t, "GET:/api/slow", body.Items[0]["endpoint"])

	rec = doJSON(t, h.DebugRoutes(), http.MethodGet, "/perf/top?sort_by=avg&limit=1", "", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "avg", body.SortBy)
	assert.Equal(t, 1, body.Limit)
	assert.Len(t, body.Items, 1)
}

func TestDebugPerfTopValidation(t *testing.T) {
	h, _, _ := newSystemFixture(t)

	rec := doJSON(t, h.DebugRoutes(), http.MethodGet, "/perf/top?sort_by=median", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "sort_by must be p95 or avg", errorMessage(t, rec))

	var body struct {
		Limit int `json:"limit"`
	}
	rec = doJSON(t, h.DebugRoutes(), http.MethodGet, "/perf/top?limit=9999", "", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, body.Limit, "limit is clamped")

	rec = doJSON(t, h.DebugRoutes(), http.MethodGet, "/perf/top?limit=-3", "", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, body.Limit)
}
