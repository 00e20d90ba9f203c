package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	a := NewLease(rdb, "postdispatch:leader", "brain-a", time.Minute)
	b := NewLease(rdb, "postdispatch:leader", "brain-b", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not take a live lease")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder re-acquires its own lease")

	mr.FastForward(2 * time.Minute)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is free")

	require.NoError(t, a.Release(ctx))
	assert.Equal(t, "brain-b", mustGet(t, mr, "postdispatch:leader"))

	require.NoError(t, b.Release(ctx))
	assert.False(t, mr.Exists("postdispatch:leader"))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
