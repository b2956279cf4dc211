package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client), mr
}

func TestRedisStoreSetGet(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "mem:1", []byte(`{"label":"a"}`), 0))

	val, ok, err := store.Get(ctx, "mem:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"label":"a"}`, string(val))
}

func TestRedisStoreGetMiss(t *testing.T) {
	store, _ := newTestRedisStore(t)
	_, ok, err := store.Get(context.Background(), "mem:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "search:q", []byte("hits"), 5*time.Minute))
	mr.FastForward(6 * time.Minute)

	_, ok, err := store.Get(ctx, "search:q")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreHash(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "stats:gpt-4", "completions", []byte("3")))
	val, ok, err := store.HGet(ctx, "stats:gpt-4", "completions")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", string(val))
}

func TestRedisStoreIncr(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	n, err := store.Incr(ctx, "counter:mints")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, "counter:mints")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisStorePublishSubscribe(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := store.Subscribe(ctx, "cache:invalidation")
	require.NoError(t, err)

	require.NoError(t, store.Publish(ctx, "cache:invalidation", []byte(`{"type":"memory"}`)))

	select {
	case msg := <-sub:
		assert.Equal(t, `{"type":"memory"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemoryStorePublishIsNoop(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := store.Subscribe(ctx, "cache:invalidation")
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, "cache:invalidation", []byte("x")))

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected no message on in-memory store, Publish must be a no-op")
		}
	case <-time.After(50 * time.Millisecond):
		// expected: nothing arrives
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamespacedPrefixesKeys(t *testing.T) {
	inner := NewMemoryStore()
	ns := NewNamespaced(inner, "kairos:", "user:default:alice")
	ctx := context.Background()

	require.NoError(t, ns.Set(ctx, "mem:1", []byte("a"), 0))

	raw, ok, err := inner.Get(ctx, "kairos:user:default:alice:mem:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", string(raw))
}

func TestNamespacedIsolatesSpaces(t *testing.T) {
	inner := NewMemoryStore()
	a := NewNamespaced(inner, "kairos:", "user:default:alice")
	b := NewNamespaced(inner, "kairos:", "user:default:bob")
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "mem:1", []byte("a-value"), 0))

	_, ok, err := b.Get(ctx, "mem:1")
	require.NoError(t, err)
	assert.False(t, ok, "space b must not see space a's key")
}
