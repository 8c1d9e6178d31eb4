package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unica-wb/backend/internal/database"
)

func testRecorder(t *testing.T) (*HTTPRecorder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewHTTPRecorder(rdb), mr
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]int64
		q      float64
		want   int64
	}{
		{"empty", map[string]int64{}, 0.95, 0},
		{"single fast", map[string]int64{"count": 1, "b_10": 1}, 0.50, 10},
		{
			"p50 middle bucket",
			map[string]int64{"count": 10, "b_10": 4, "b_50": 3, "b_200": 3},
			0.50, 50,
		},
		{
			"p95 upper bucket",
			map[string]int64{"count": 100, "b_10": 90, "b_2000": 10},
			0.95, 2000,
		},
		{
			"everything in overflow",
			map[string]int64{"count": 5, "b_inf": 5},
			0.95, 5000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percentile(tt.fields, tt.q))
		})
	}
}

func TestRecordAndCollect(t *testing.T) {
	recorder, mr := testRecorder(t)
	ctx := context.Background()

	recorder.Record(ctx, "GET", "/api/jobs", 200, 8*time.Millisecond)
	recorder.Record(ctx, "GET", "/api/jobs", 200, 40*time.Millisecond)
	recorder.Record(ctx, "GET", "/api/jobs", 502, 180*time.Millisecond)
	recorder.Record(ctx, "POST", "/api/jobs", 201, 30*time.Millisecond)

	stats := recorder.Collect(ctx)
	require.Contains(t, stats, "GET:/api/jobs")
	require.Contains(t, stats, "POST:/api/jobs")

	get := stats["GET:/api/jobs"]
	assert.Equal(t, int64(3), get.Count)
	assert.Equal(t, int64(1), get.Err5xx)
	assert.Equal(t, int64(502), get.LastStatus)
	assert.Equal(t, int64(180), get.LastMs)
	assert.InDelta(t, 76.0, get.AvgMs, 0.01)
	assert.Equal(t, int64(10), get.P50Ms)
	assert.Equal(t, int64(50), get.P95Ms)

	// Hashes carry an expiry so abandoned routes age out.
	assert.Greater(t, mr.TTL(HTTPMetricsPrefix+"GET:/api/jobs"), time.Duration(0))
}

func TestTop(t *testing.T) {
	recorder, _ := testRecorder(t)
	ctx := context.Background()

	recorder.Record(ctx, "GET", "/fast", 200, 5*time.Millisecond)
	recorder.Record(ctx, "GET", "/slow", 200, 900*time.Millisecond)
	recorder.Record(ctx, "GET", "/medium", 200, 90*time.Millisecond)

	rows := recorder.Top(ctx, 2, "p95")
	require.Len(t, rows, 2)
	assert.Equal(t, "GET:/slow", rows[0].Endpoint)
	assert.Equal(t, "GET:/medium", rows[1].Endpoint)

	byAvg := recorder.Top(ctx, 10, "avg")
	require.Len(t, byAvg, 3)
	assert.Equal(t, "GET:/slow", byAvg[0].Endpoint)
	assert.Equal(t, "GET:/fast", byAvg[2].Endpoint)
}
