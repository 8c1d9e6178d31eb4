package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unica-wb/backend/internal/database"
)

func newTestRedis(t *testing.T) *database.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	return database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func statValue(t *testing.T, rdb *database.Redis, key, field string) int {
	t.Helper()
	stats := rdb.HashGetAll(context.Background(), key)
	n, _ := strconv.Atoi(stats[field])
	return n
}

func TestDirSizeWalksAndCaches(t *testing.T) {
	rdb := newTestRedis(t)
	d := NewDirSize(rdb)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.bin"), make([]byte, 250), 0o644))

	assert.Equal(t, int64(350), d.Get(ctx, dir))
	assert.Equal(t, 1, statValue(t, rdb, DirStatsKey, "misses"))

	// the cached size is served even after the tree changes
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.bin"), make([]byte, 999), 0o644))
	assert.Equal(t, int64(350), d.Get(ctx, dir))
	assert.Equal(t, 1, statValue(t, rdb, DirStatsKey, "hits"))
}

func TestDirSizeMissingPathIsZero(t *testing.T) {
	rdb := newTestRedis(t)
	d := NewDirSize(rdb)

	assert.Zero(t, d.Get(context.Background(), "/no/such/path"))
	assert.Equal(t, 1, statValue(t, rdb, DirStatsKey, "misses"))
}

func fotaServer(t *testing.T, calls *atomic.Int64, status int, latest string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Write([]byte(`<versioninfo><firmware><version><latest o="14">` + latest + `</latest></version></firmware></versioninfo>`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFirmwareLatestFetchesAndCaches(t *testing.T) {
	rdb := newTestRedis(t)
	var calls atomic.Int64
	srv := fotaServer(t, &calls, http.StatusOK, "S911BXXU5CXAA/S911BOXM5CXAA/S911BXXU5CXAA")

	f := NewFirmwareLatest(rdb)
	f.baseURL = srv.URL
	ctx := context.Background()

	got := f.Get(ctx, "SM-S911B", "EUX")
	assert.Equal(t, "S911BXXU5CXAA/S911BOXM5CXAA/S911BXXU5CXAA", got)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, statValue(t, rdb, FwStatsKey, "net_ok"))

	// fresh hit, no second request
	got = f.Get(ctx, "sm-s911b", "eux")
	assert.Equal(t, "S911BXXU5CXAA/S911BOXM5CXAA/S911BXXU5CXAA", got)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, statValue(t, rdb, FwStatsKey, "hits_fresh"))
}

func TestFirmwareLatestServesStaleOnOutage(t *testing.T) {
	rdb := newTestRedis(t)
	var calls atomic.Int64
	srv := fotaServer(t, &calls, http.StatusInternalServerError, "")

	f := NewFirmwareLatest(rdb)
	f.baseURL = srv.URL
	ctx := context.Background()

	// seed an aged entry, outside both the fresh and retry windows
	old := float64(time.Now().Add(-2 * time.Hour).Unix())
	rdb.SetJSON(ctx, FwCacheKeyPrefix+"SM-S911B_EUX", fwCacheEntry{
		Value:       "STALE/STALE/STALE",
		FetchedAt:   old,
		AttemptedAt: old,
	}, 0)

	got := f.Get(ctx, "SM-S911B", "EUX")
	assert.Equal(t, "STALE/STALE/STALE", got)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, statValue(t, rdb, FwStatsKey, "net_err"))
}

func TestFirmwareLatestRetryWindowSkipsFetch(t *testing.T) {
	rdb := newTestRedis(t)
	var calls atomic.Int64
	srv := fotaServer(t, &calls, http.StatusOK, "NEWER")

	f := NewFirmwareLatest(rdb)
	f.baseURL = srv.URL
	ctx := context.Background()

	// stale value but a recent attempt keeps the FOTA server untouched
	rdb.SetJSON(ctx, FwCacheKeyPrefix+"SM-S911B_EUX", fwCacheEntry{
		Value:       "STALE/STALE/STALE",
		FetchedAt:   float64(time.Now().Add(-2 * time.Hour).Unix()),
		AttemptedAt: float64(time.Now().Unix()),
	}, 0)

	got := f.Get(ctx, "SM-S911B", "EUX")
	assert.Equal(t, "STALE/STALE/STALE", got)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, statValue(t, rdb, FwStatsKey, "hits_stale"))
}

func TestFirmwareLatestEmptyInputs(t *testing.T) {
	f := NewFirmwareLatest(newTestRedis(t))
	ctx := context.Background()

	assert.Empty(t, f.Get(ctx, "", "EUX"))
	assert.Empty(t, f.Get(ctx, "SM-S911B", ""))
}

func TestFillLatest(t *testing.T) {
	rdb := newTestRedis(t)
	var calls atomic.Int64
	srv := fotaServer(t, &calls, http.StatusOK, "LATEST/LATEST/LATEST")

	f := NewFirmwareLatest(rdb)
	f.baseURL = srv.URL

	out := f.FillLatest(context.Background(), [][2]string{
		{"SM-S911B", "EUX"},
		{"sm-s911b", "eux"}, // distinct pair until uppercased in the result key
		{"SM-S901B", "EUX"},
		{"", "EUX"},
	})

	assert.Len(t, out, 2)
	assert.Equal(t, "LATEST/LATEST/LATEST", out["SM-S911B_EUX"])
	assert.Equal(t, "LATEST/LATEST/LATEST", out["SM-S901B_EUX"])
}
