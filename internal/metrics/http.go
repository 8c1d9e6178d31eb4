// Package metrics keeps per-route HTTP latency histograms in Redis hashes,
// shared by every replica and inspectable through the debug endpoints.
package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/unica-wb/backend/internal/database"
)

// HTTPMetricsPrefix keys one hash per (method, route template).
const HTTPMetricsPrefix = "un1ca:metrics:http:"

// metricsExpiry keeps abandoned routes from accumulating forever.
const metricsExpiry = 7 * 24 * time.Hour

// LatencyBucketsMs are the histogram upper bounds; everything slower lands
// in b_inf.
var LatencyBucketsMs = []int64{10, 25, 50, 100, 200, 350, 500, 750, 1000, 2000, 5000}

// EndpointStats summarizes one route's histogram.
type EndpointStats struct {
	Count      int64   `json:"count"`
	AvgMs      float64 `json:"avg_ms"`
	P50Ms      int64   `json:"p50_ms"`
	P95Ms      int64   `json:"p95_ms"`
	LastMs     int64   `json:"last_ms"`
	LastStatus int64   `json:"last_status"`
	Err5xx     int64   `json:"err_5xx"`
}

// EndpointRow is EndpointStats tagged with its route for the top listing.
type EndpointRow struct {
	Endpoint string `json:"endpoint"`
	EndpointStats
}

// HTTPRecorder records and reads the histograms. All writes are
// best-effort through the infallible Redis wrapper.
type HTTPRecorder struct {
	rdb *database.Redis
}

// NewHTTPRecorder creates a recorder.
func NewHTTPRecorder(rdb *database.Redis) *HTTPRecorder {
	return &HTTPRecorder{rdb: rdb}
}

func metricKey(method, routeLabel string) string {
	return HTTPMetricsPrefix + method + ":" + routeLabel
}

// Record adds one observation for (method, route).
func (r *HTTPRecorder) Record(ctx context.Context, method, routeLabel string, statusCode int, latency time.Duration) {
	key := metricKey(method, routeLabel)
	ms := int64(math.Round(float64(latency.Milliseconds())))
	if ms < 0 {
		ms = 0
	}

	bucketField := "b_inf"
	for _, bound := range LatencyBucketsMs {
		if ms <= bound {
			bucketField = fmt.Sprintf("b_%d", bound)
			break
		}
	}

	r.rdb.HashIncrementBy(ctx, key, "count", 1)
	r.rdb.HashIncrementBy(ctx, key, "sum_ms", ms)
	r.rdb.HashIncrementBy(ctx, key, bucketField, 1)
	if statusCode >= 500 {
		r.rdb.HashIncrementBy(ctx, key, "err_5xx", 1)
	}
	r.rdb.HashSet(ctx, key, "last_status", strconv.Itoa(statusCode))
	r.rdb.HashSet(ctx, key, "last_ms", strconv.FormatInt(ms, 10))
	r.rdb.Expire(ctx, key, metricsExpiry)
}

// Percentile walks the bucket CDF for quantile q. Routes slower than the
// largest bound report that bound.
func Percentile(fields map[string]int64, q float64) int64 {
	total := fields["count"]
	if total <= 0 {
		return 0
	}
	need := int64(float64(total) * q)
	if need < 1 {
		need = 1
	}
	var seen int64
	for _, bound := range LatencyBucketsMs {
		seen += fields[fmt.Sprintf("b_%d", bound)]
		if seen >= need {
			return bound
		}
	}
	return LatencyBucketsMs[len(LatencyBucketsMs)-1]
}

// Collect reads every route's histogram.
func (r *HTTPRecorder) Collect(ctx context.Context) map[string]EndpointStats {
	out := map[string]EndpointStats{}
	for _, key := range r.rdb.ScanPrefix(ctx, HTTPMetricsPrefix) {
		name := strings.TrimPrefix(key, HTTPMetricsPrefix)
		raw := r.rdb.HashGetAll(ctx, key)
		if len(raw) == 0 {
			continue
		}
		fields := map[string]int64{}
		for k, v := range raw {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				n = 0
			}
			fields[k] = n
		}
		stats := EndpointStats{
			Count:      fields["count"],
			P50Ms:      Percentile(fields, 0.50),
			P95Ms:      Percentile(fields, 0.95),
			LastMs:     fields["last_ms"],
			LastStatus: fields["last_status"],
			Err5xx:     fields["err_5xx"],
		}
		if stats.Count > 0 {
			stats.AvgMs = math.Round(float64(fields["sum_ms"])/float64(stats.Count)*100) / 100
		}
		out[name] = stats
	}
	return out
}

// Top returns the slowest routes sorted by p95 or average latency.
func (r *HTTPRecorder) Top(ctx context.Context, limit int, sortBy string) []EndpointRow {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	var rows []EndpointRow
	for endpoint, stats := range r.Collect(ctx) {
		rows = append(rows, EndpointRow{Endpoint: endpoint, EndpointStats: stats})
	}
	sort.Slice(rows, func(i, j int) bool {
		if sortBy == "avg" {
			return rows[i].AvgMs > rows[j].AvgMs
		}
		return rows[i].P95Ms > rows[j].P95Ms
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
