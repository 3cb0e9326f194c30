package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementDayAndMonth(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	day1 := time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC)
	c := &Counter{Redis: rdb, Now: func() time.Time { return day1 }}

	u, err := c.Increment(ctx, "owner1")
	require.NoError(t, err)
	assert.Equal(t, Usage{Day: 1, Month: 1}, u)

	u, err = c.Increment(ctx, "owner1")
	require.NoError(t, err)
	assert.Equal(t, Usage{Day: 2, Month: 2}, u)

	c.Now = func() time.Time { return day1.Add(2 * time.Hour) }
	u, err = c.Increment(ctx, "owner1")
	require.NoError(t, err)
	assert.Equal(t, Usage{Day: 1, Month: 1}, u, "new day and new month")

	assert.Equal(t, "2", mr.HGet("emails:owner1", "2024-03-31"))
	assert.Equal(t, "2", mr.HGet("emails:owner1", "2024-03"))
	assert.Equal(t, "1", mr.HGet("emails:owner1", "2024-04"))

	got, err := c.Get(ctx, "owner1")
	require.NoError(t, err)
	assert.Equal(t, Usage{Day: 1, Month: 1}, got)
}

func TestIncrementError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	mr.SetError("ERR quota store down")
	_, err := (&Counter{Redis: rdb}).Increment(context.Background(), "owner1")
	assert.Error(t, err)
}
