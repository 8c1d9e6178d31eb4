// Package cache holds the Redis-backed auxiliary caches: latest-firmware
// lookups with serve-stale semantics, directory sizes, and the repo
// info/commit snapshots.
package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unica-wb/backend/internal/database"
)

// Cache keys, TTLs and the outbound timeout for the FOTA version lookup.
const (
	FwCacheKeyPrefix = "un1ca:cache:fw_latest:"
	FwStatsKey       = "un1ca:cache:fw_latest:stats"

	FirmwareLatestTTL     = 3600 * time.Second
	FirmwareLatestRetry   = 60 * time.Second
	FirmwareLatestTimeout = 10 * time.Second

	// latestLookupWorkers bounds the parallel FOTA fan-out on listings.
	latestLookupWorkers = 8
)

var latestRe = regexp.MustCompile(`<latest[^>]*>(.*?)</latest>`)

// fwCacheEntry is the persisted cache slot. fetched_at is zeroed when the
// last attempt produced nothing, so freshness and retry windows stay
// independent.
type fwCacheEntry struct {
	Value       string  `json:"value"`
	FetchedAt   float64 `json:"fetched_at"`
	AttemptedAt float64 `json:"attempted_at"`
}

// FirmwareLatest resolves the newest published firmware version per
// MODEL/CSC from the Samsung FOTA server, caching results with a
// serve-stale fallback during outages.
type FirmwareLatest struct {
	rdb    *database.Redis
	client *http.Client
	// baseURL is swapped in tests
	baseURL string
}

// NewFirmwareLatest creates the lookup cache.
func NewFirmwareLatest(rdb *database.Redis) *FirmwareLatest {
	return &FirmwareLatest{
		rdb:     rdb,
		client:  &http.Client{Timeout: FirmwareLatestTimeout},
		baseURL: "https://fota-cloud-dn.ospserver.net",
	}
}

// Get returns the latest firmware version for model/csc, or "" when the
// lookup fails and no stale value exists.
func (f *FirmwareLatest) Get(ctx context.Context, model, csc string) string {
	if model == "" || csc == "" {
		return ""
	}
	cacheKey := strings.ToUpper(model) + "_" + strings.ToUpper(csc)
	redisKey := FwCacheKeyPrefix + cacheKey
	now := float64(time.Now().Unix())

	var cached fwCacheEntry
	haveCached := f.rdb.GetJSON(ctx, redisKey, &cached)
	if haveCached {
		if cached.Value != "" && now-cached.FetchedAt <= FirmwareLatestTTL.Seconds() {
			f.rdb.HashIncrementBy(ctx, FwStatsKey, "hits_fresh", 1)
			return cached.Value
		}
		if now-cached.AttemptedAt <= FirmwareLatestRetry.Seconds() {
			f.rdb.HashIncrementBy(ctx, FwStatsKey, "hits_stale", 1)
			return cached.Value
		}
	}
	f.rdb.HashIncrementBy(ctx, FwStatsKey, "misses", 1)

	body, err := f.fetchVersionXML(ctx, model, csc)
	if err != nil {
		f.rdb.HashIncrementBy(ctx, FwStatsKey, "net_err", 1)
		if haveCached {
			return cached.Value
		}
		f.rdb.SetJSON(ctx, redisKey, fwCacheEntry{AttemptedAt: now}, 0)
		return ""
	}
	f.rdb.HashIncrementBy(ctx, FwStatsKey, "net_ok", 1)

	latest := ""
	if m := latestRe.FindStringSubmatch(body); m != nil {
		latest = strings.TrimSpace(m[1])
	}
	entry := fwCacheEntry{Value: latest, AttemptedAt: now}
	if latest != "" {
		entry.FetchedAt = now
	}
	f.rdb.SetJSON(ctx, redisKey, entry, 0)
	return latest
}

func (f *FirmwareLatest) fetchVersionXML(ctx context.Context, model, csc string) (string, error) {
	url := fmt.Sprintf("%s/firmware/%s/%s/version.xml", f.baseURL, csc, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version.xml returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FillLatest resolves latest versions for the given model/csc pairs with a
// bounded-parallelism pool and returns the result keyed by MODEL_CSC.
func (f *FirmwareLatest) FillLatest(ctx context.Context, pairs [][2]string) map[string]string {
	uniq := map[[2]string]bool{}
	for _, p := range pairs {
		if p[0] != "" && p[1] != "" {
			uniq[p] = true
		}
	}
	if len(uniq) == 0 {
		return map[string]string{}
	}

	type result struct {
		key   string
		value string
	}
	results := make(chan result, len(uniq))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(latestLookupWorkers)
	for pair := range uniq {
		model, csc := pair[0], pair[1]
		g.Go(func() error {
			results <- result{
				key:   strings.ToUpper(model) + "_" + strings.ToUpper(csc),
				value: f.Get(gctx, model, csc),
			}
			return nil
		})
	}
	g.Wait()
	close(results)

	out := map[string]string{}
	for r := range results {
		out[r.key] = r.value
	}
	return out
}
