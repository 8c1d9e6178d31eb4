package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/unica-wb/backend/internal/database"
)

// Directory-size cache keys and TTL. Firmware trees run to tens of
// gigabytes, so walks are cached aggressively.
const (
	DirCacheKeyPrefix = "un1ca:cache:dir_size:"
	DirStatsKey       = "un1ca:cache:dir_size:stats"

	DirSizeTTL = 1200 * time.Second
)

type dirSizeEntry struct {
	Ts   float64 `json:"ts"`
	Size int64   `json:"size"`
}

// DirSize caches recursive directory sizes in Redis, keyed by the SHA-1 of
// the path.
type DirSize struct {
	rdb *database.Redis
}

// NewDirSize creates the directory-size cache.
func NewDirSize(rdb *database.Redis) *DirSize {
	return &DirSize{rdb: rdb}
}

// Get returns the total size in bytes of all regular files under path.
// Missing paths report zero and are cached like any other result.
func (d *DirSize) Get(ctx context.Context, path string) int64 {
	sum := sha1.Sum([]byte(path))
	redisKey := DirCacheKeyPrefix + hex.EncodeToString(sum[:])
	now := float64(time.Now().Unix())

	var cached dirSizeEntry
	if d.rdb.GetJSON(ctx, redisKey, &cached) && now-cached.Ts <= DirSizeTTL.Seconds() {
		d.rdb.HashIncrementBy(ctx, DirStatsKey, "hits", 1)
		return cached.Size
	}
	d.rdb.HashIncrementBy(ctx, DirStatsKey, "misses", 1)

	var total int64
	if _, err := os.Stat(path); err == nil {
		filepath.WalkDir(path, func(_ string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if entry.Type().IsRegular() {
				if info, err := entry.Info(); err == nil {
					total += info.Size()
				}
			}
			return nil
		})
	}
	d.rdb.SetJSON(ctx, redisKey, dirSizeEntry{Ts: now, Size: total}, 0)
	return total
}
