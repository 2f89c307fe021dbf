package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGetDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), time.Minute))
	v, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, s.Delete(ctx, "k1"))
	_, ok, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreExpiration(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreExpireExtendsTTL(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 20*time.Millisecond))
	ok, err := s.Expire(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreKeysPrefix(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "stream:a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "stream:b", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "ws:conn:a", []byte("1"), 0))

	keys, err := s.Keys(ctx, "stream:")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestMemoryStoreNoTTLNeverExpires(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "permanent", []byte("x"), 0))
	time.Sleep(10 * time.Millisecond)
	_, ok, _ := s.Get(ctx, "permanent")
	assert.True(t, ok)
}

func TestMemoryStoreSlidingWindow(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	window := 100 * time.Millisecond
	for i := 0; i < 5; i++ {
		count, err := s.SlidingWindowAdd(ctx, "ratelimit:login:user1", now.Add(time.Duration(i)*time.Millisecond), window)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), count)
	}

	// An entry well outside the window should not count once enough
	// time has passed relative to "now".
	count, err := s.SlidingWindowAdd(ctx, "ratelimit:login:user1", now.Add(500*time.Millisecond), window)
	require.NoError(t, err)
	assert.Less(t, count, int64(6))
}
