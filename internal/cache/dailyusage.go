package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crestline-ai/usage-console/internal/timeutil"
)

const dayKeyPrefix = "usage:day:"

// DailyUsage stores one serialized analytics document per calendar day.
//
// Past days are immutable once written and persist until Cleanup removes them.
// The entry for the current day is volatile: callers invalidate it explicitly
// because the upstream day is still accumulating. All methods are nil-safe so
// the engine can run without a cache in degraded mode.
type DailyUsage struct {
	client *redis.Client
	loc    *time.Location
}

func NewDailyUsage(client *redis.Client, loc *time.Location) *DailyUsage {
	return &DailyUsage{client: client, loc: timeutil.EnsureLocation(loc)}
}

// Get returns the cached document for the date key, if present.
func (c *DailyUsage) Get(ctx context.Context, date string) ([]byte, bool) {
	if c == nil || c.client == nil || date == "" {
		return nil, false
	}
	data, err := c.client.Get(ctx, dayKeyPrefix+date).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores the document for the date key. Entries carry no TTL; retention is
// enforced by Cleanup so past days stay immutable rather than silently expiring.
func (c *DailyUsage) Put(ctx context.Context, date string, data []byte) {
	if c == nil || c.client == nil || date == "" || len(data) == 0 {
		return
	}
	c.client.Set(ctx, dayKeyPrefix+date, data, 0)
}

// GetRange fetches all already-cached documents among the requested date keys.
// Gaps are the caller's responsibility to fill.
func (c *DailyUsage) GetRange(ctx context.Context, dates []string) map[string][]byte {
	if c == nil || c.client == nil || len(dates) == 0 {
		return map[string][]byte{}
	}
	keys := make([]string, 0, len(dates))
	for _, date := range dates {
		keys = append(keys, dayKeyPrefix+date)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return map[string][]byte{}
	}
	found := make(map[string][]byte, len(values))
	for i, value := range values {
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok && s != "" {
			found[dates[i]] = []byte(s)
		}
	}
	return found
}

// InvalidateToday drops the entry for the current day so the next read
// refetches the still-accumulating upstream data.
func (c *DailyUsage) InvalidateToday(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, dayKeyPrefix+timeutil.Today(c.loc))
}

// Cleanup removes entries older than the retention horizon. Returns the number
// of entries dropped.
func (c *DailyUsage) Cleanup(ctx context.Context, retentionDays int) int {
	if c == nil || c.client == nil || retentionDays <= 0 {
		return 0
	}
	cutoff := timeutil.FormatDateKey(time.Now().In(c.loc).AddDate(0, 0, -retentionDays))

	removed := 0
	iter := c.client.Scan(ctx, 0, dayKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		date := strings.TrimPrefix(key, dayKeyPrefix)
		// Date keys sort lexicographically in chronological order.
		if date < cutoff {
			if c.client.Del(ctx, key).Val() > 0 {
				removed++
			}
		}
	}
	return removed
}
