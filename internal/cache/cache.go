// Package cache wraps the Redis keys the service relies on: the per-image
// metadata cache, the paginated thumbnail-grid cache with its side index of
// live keys, hit counters, the offload lock, and the short-lived ingest keys.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	metadataTTL  = time.Hour
	gridTTL      = time.Hour
	ingestTTL    = time.Hour
	tileCountTTL = time.Hour
	// OffloadLockTTL bounds how long a stuck offload attempt can block a
	// retry for the same image.
	OffloadLockTTL = time.Hour
)

const gridKeysKey = "thumbnail_grid:keys"

// Key helpers in one place so the namespace never drifts across the code.
func metadataKey(fileid string) string     { return "metadata:" + fileid }
func hitsKey(fileid string) string         { return "hits:" + fileid }
func lockKey(fileid string) string         { return "uploading:" + fileid }
func contentTypeKey(fileid string) string  { return "contenttype:" + fileid }
func expectedSizeKey(fileid string) string { return "expectedsize:" + fileid }
func tileCountKey(fileid string) string    { return "count_all_tiles:" + fileid }

func hitsMonthKey(now time.Time, fileid string) string {
	return fmt.Sprintf("hits:%d:%d:%s", now.Year(), int(now.Month()), fileid)
}

// GridKey derives the cache key for one page of the thumbnail grid.
func GridKey(page, pageSize int, filterValues []string) string {
	return fmt.Sprintf("thumbnail_grid:%d:%d:%s", page, pageSize, strings.Join(filterValues, ","))
}

// Metadata is the frozen snapshot of image fields needed to render tiles and
// thumbnails without a round trip to the document store.
type Metadata struct {
	ContentType   string `json:"content_type"`
	Owner         string `json:"owner"`
	Title         string `json:"title"`
	DateTimestamp int64  `json:"date_timestamp"`
	Width         int    `json:"width"`
	CDNDomain     string `json:"cdn_domain,omitempty"`
	Ranges        []int  `json:"ranges,omitempty"`
}

// Cache wraps a Redis client with the service's key families.
type Cache struct {
	rdb *redis.Client
}

// New constructs a Cache.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// GetMetadata returns the cached snapshot for an image, or nil on a miss.
// The cache is authoritative only while present; a miss always falls back to
// the document store.
func (c *Cache) GetMetadata(ctx context.Context, fileid string) (*Metadata, error) {
	raw, err := c.rdb.Get(ctx, metadataKey(fileid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		// A snapshot we can no longer read is the same as a miss.
		return nil, nil
	}
	return &md, nil
}

// SetMetadata stores the snapshot with the standard short TTL.
func (c *Cache) SetMetadata(ctx context.Context, fileid string, md *Metadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return c.rdb.SetEx(ctx, metadataKey(fileid), raw, metadataTTL).Err()
}

// InvalidateMetadata drops the snapshot, forcing the next read through to the
// document store. Called on edit and delete.
func (c *Cache) InvalidateMetadata(ctx context.Context, fileid string) error {
	return c.rdb.Del(ctx, metadataKey(fileid)).Err()
}

// GetGrid returns the cached payload for one thumbnail-grid page, or nil on a
// miss.
func (c *Cache) GetGrid(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get grid page: %w", err)
	}
	return raw, nil
}

// SetGrid stores one grid page and remembers its key on the side list so
// ClearThumbnailGridCache can drop every page at once.
func (c *Cache) SetGrid(ctx context.Context, key string, payload []byte) error {
	if err := c.rdb.SetEx(ctx, key, payload, gridTTL).Err(); err != nil {
		return fmt.Errorf("set grid page: %w", err)
	}
	if err := c.rdb.LPush(ctx, gridKeysKey, key).Err(); err != nil {
		return fmt.Errorf("remember grid key: %w", err)
	}
	return nil
}

// ClearThumbnailGridCache deletes every remembered grid page plus the side
// list itself. Invoked whenever an image is added or removed.
func (c *Cache) ClearThumbnailGridCache(ctx context.Context) error {
	keys, err := c.rdb.LRange(ctx, gridKeysKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("list grid keys: %w", err)
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("delete grid pages: %w", err)
		}
	}
	return c.rdb.Del(ctx, gridKeysKey).Err()
}

// IncrementHits bumps both the lifetime and the current-calendar-month
// counter for an image. Counters are plain INCRs: idempotence is not needed,
// commutativity is.
func (c *Cache) IncrementHits(ctx context.Context, fileid string, now time.Time) error {
	if err := c.rdb.Incr(ctx, hitsKey(fileid)).Err(); err != nil {
		return fmt.Errorf("incr hits: %w", err)
	}
	return c.rdb.Incr(ctx, hitsMonthKey(now, fileid)).Err()
}

// Hits returns the lifetime and current-month counters. Missing counters read
// as zero.
func (c *Cache) Hits(ctx context.Context, fileid string, now time.Time) (total, month int64, err error) {
	total, err = c.counter(ctx, hitsKey(fileid))
	if err != nil {
		return 0, 0, err
	}
	month, err = c.counter(ctx, hitsMonthKey(now, fileid))
	if err != nil {
		return 0, 0, err
	}
	return total, month, nil
}

func (c *Cache) counter(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// AcquireOffloadLock takes the per-image offload lock. It returns false when
// another offload attempt already holds it; the lock expires on its own so a
// crashed worker cannot wedge an image forever.
func (c *Cache) AcquireOffloadLock(ctx context.Context, fileid string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(fileid), 1, OffloadLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire offload lock: %w", err)
	}
	return ok, nil
}

// OffloadLocked reports whether an offload attempt currently holds the lock.
func (c *Cache) OffloadLocked(ctx context.Context, fileid string) (bool, error) {
	n, err := c.rdb.Exists(ctx, lockKey(fileid)).Result()
	if err != nil {
		return false, fmt.Errorf("check offload lock: %w", err)
	}
	return n > 0, nil
}

// SetContentType remembers a pending upload's content type until the
// download completes and the record carries it.
func (c *Cache) SetContentType(ctx context.Context, fileid, contentType string) error {
	return c.rdb.SetEx(ctx, contentTypeKey(fileid), contentType, ingestTTL).Err()
}

// ContentType returns the remembered content type, or "" when absent.
func (c *Cache) ContentType(ctx context.Context, fileid string) (string, error) {
	v, err := c.rdb.Get(ctx, contentTypeKey(fileid)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// SetExpectedSize remembers the Content-Length reported for a pending
// download so the progress endpoint can report a percentage.
func (c *Cache) SetExpectedSize(ctx context.Context, fileid string, size int64) error {
	return c.rdb.SetEx(ctx, expectedSizeKey(fileid), size, ingestTTL).Err()
}

// ExpectedSize returns the remembered size, or 0 when absent.
func (c *Cache) ExpectedSize(ctx context.Context, fileid string) (int64, error) {
	return c.counter(ctx, expectedSizeKey(fileid))
}

// TileCount returns the cached on-disk tile count for an image, computing and
// caching it on a miss. Counting walks the whole tile tree, so the result is
// kept for an hour.
func (c *Cache) TileCount(ctx context.Context, fileid string, compute func() (int, error)) (int, error) {
	v, err := c.rdb.Get(ctx, tileCountKey(fileid)).Int()
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("get tile count: %w", err)
	}
	n, err := compute()
	if err != nil {
		return 0, err
	}
	if err := c.rdb.SetEx(ctx, tileCountKey(fileid), n, tileCountTTL).Err(); err != nil {
		return 0, fmt.Errorf("set tile count: %w", err)
	}
	return n, nil
}

// InvalidateTileCount drops the cached tile count; it is recomputed lazily.
// Called whenever a tile is generated on demand.
func (c *Cache) InvalidateTileCount(ctx context.Context, fileid string) error {
	return c.rdb.Del(ctx, tileCountKey(fileid)).Err()
}
