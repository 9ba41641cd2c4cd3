package alerts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camevents-worker-go/internal/services/kvstore"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLookupCacheRefreshesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	require.NoError(t, kv.Put(ctx, "parking_limit.5.3", []byte("1000")))

	clock := newFakeClock()
	c := newLookupCache(kv, time.Minute)
	c.now = clock.now

	value, found, err := c.get(ctx, "parking_limit.5.3")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1000", string(value))

	require.NoError(t, kv.Put(ctx, "parking_limit.5.3", []byte("2000")))
	value, _, _ = c.get(ctx, "parking_limit.5.3")
	assert.Equal(t, "1000", string(value))

	clock.advance(time.Minute)
	value, _, err = c.get(ctx, "parking_limit.5.3")
	require.NoError(t, err)
	assert.Equal(t, "2000", string(value))
}

func TestLookupCacheSweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newLookupCache(kvstore.NewMemoryStore(), time.Minute)
	c.now = clock.now

	for i := 0; i < 1000; i++ {
		_, found, err := c.get(ctx, fmt.Sprintf("watchlist.robados.P%04d", i))
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Len(t, c.entries, 1000)

	clock.advance(time.Hour)
	_, _, err := c.get(ctx, "watchlist.robados.NEW")
	require.NoError(t, err)
	assert.Len(t, c.entries, 1)
}
