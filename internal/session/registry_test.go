package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/kv"
)

type fakeSocket struct {
	closed bool
	code   int
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.closed = true
	f.code = code
	return nil
}

func TestRegistry_BindAndHandle(t *testing.T) {
	r := New(kv.NewMemoryStore(), "server-1")
	sock := &fakeSocket{}

	require.NoError(t, r.Bind(context.Background(), "dev-1", sock))
	assert.Equal(t, sock, r.Handle("dev-1"))
	assert.True(t, r.IsConnected("dev-1"))
}

func TestRegistry_BindReplacesPreviousHandle(t *testing.T) {
	r := New(kv.NewMemoryStore(), "server-1")
	first := &fakeSocket{}
	second := &fakeSocket{}

	var dropped []string
	r.OnDrop(func(deviceID string) { dropped = append(dropped, deviceID) })

	require.NoError(t, r.Bind(context.Background(), "dev-1", first))
	require.NoError(t, r.Bind(context.Background(), "dev-1", second))

	assert.True(t, first.closed)
	assert.Equal(t, second, r.Handle("dev-1"))
	assert.Equal(t, []string{"dev-1"}, dropped)
}

func TestRegistry_Drop(t *testing.T) {
	r := New(kv.NewMemoryStore(), "server-1")
	sock := &fakeSocket{}

	require.NoError(t, r.Bind(context.Background(), "dev-1", sock))
	require.NoError(t, r.Drop(context.Background(), "dev-1", sock))

	assert.Nil(t, r.Handle("dev-1"))
	assert.False(t, r.IsConnected("dev-1"))
}

func TestRegistry_DropIdempotent(t *testing.T) {
	r := New(kv.NewMemoryStore(), "server-1")
	require.NoError(t, r.Drop(context.Background(), "nonexistent", &fakeSocket{}))
}

func TestRegistry_DropIgnoresStaleSocket(t *testing.T) {
	r := New(kv.NewMemoryStore(), "server-1")
	stale := &fakeSocket{}
	current := &fakeSocket{}

	require.NoError(t, r.Bind(context.Background(), "dev-1", stale))
	require.NoError(t, r.Bind(context.Background(), "dev-1", current))

	// A disconnect notification for the replaced (stale) socket must
	// not clear the handle Bind just installed.
	require.NoError(t, r.Drop(context.Background(), "dev-1", stale))

	assert.Equal(t, current, r.Handle("dev-1"))
	assert.True(t, r.IsConnected("dev-1"))
}

func TestRegistry_AuthorizedRoundTrip(t *testing.T) {
	r := New(kv.NewMemoryStore(), "server-1")
	ctx := context.Background()

	_, ok, err := r.Authorized(ctx, "dev-1", "token-abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.CacheAuth(ctx, "dev-1", "user-1", "token-abc", "device"))

	role, ok, err := r.Authorized(ctx, "dev-1", "token-abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "device", role)

	_, ok, err = r.Authorized(ctx, "dev-1", "wrong-token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_Refresh(t *testing.T) {
	r := New(kv.NewMemoryStore(), "server-1")
	ctx := context.Background()

	require.NoError(t, r.Bind(ctx, "dev-1", &fakeSocket{}))
	require.NoError(t, r.Refresh(ctx, "dev-1"))
}
