// Package quota keeps per-owner send volume counters in redis hashes
// (emails:<owner> -> YYYY-MM-DD and YYYY-MM fields).
package quota

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Counter struct {
	Redis redis.UniversalClient
	Now   func() time.Time
}

type Usage struct {
	Day   int64
	Month int64
}

func Key(owner string) string { return "emails:" + owner }

// Increment adds one send to the owner's daily and monthly counters.
func (c *Counter) Increment(ctx context.Context, owner string) (Usage, error) {
	now := c.now()
	key := Key(owner)

	var day, month *redis.IntCmd
	_, err := c.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		day = pipe.HIncrBy(ctx, key, now.Format("2006-01-02"), 1)
		month = pipe.HIncrBy(ctx, key, now.Format("2006-01"), 1)
		return nil
	})
	if err != nil {
		return Usage{}, err
	}
	return Usage{Day: day.Val(), Month: month.Val()}, nil
}

// Get reads the owner's current counters.
func (c *Counter) Get(ctx context.Context, owner string) (Usage, error) {
	now := c.now()
	vals, err := c.Redis.HMGet(ctx, Key(owner), now.Format("2006-01-02"), now.Format("2006-01")).Result()
	if err != nil {
		return Usage{}, err
	}
	return Usage{Day: toInt(vals[0]), Month: toInt(vals[1])}, nil
}

func (c *Counter) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func toInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
