package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kairos.run/kvstore"
	"kairos.run/model"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	layer := New(ctx, store)

	m := &model.Memory{UUID: "abc", Label: "Step 1", Text: "do a"}
	layer.PutMemory(ctx, m)

	got, ok := layer.GetMemory(ctx, "abc")
	require.True(t, ok)
	assert.Equal(t, "Step 1", got.Label)
}

func TestMemoryMissAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	layer := New(ctx, store)

	layer.PutMemory(ctx, &model.Memory{UUID: "abc", Label: "Step 1"})
	layer.InvalidateMemory(ctx, "abc")

	_, ok := layer.GetMemory(ctx, "abc")
	assert.False(t, ok)
}

func TestCorruptCacheValueIsTreatedAsMiss(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "mem:abc", []byte("not-json"), 0))

	layer := New(ctx, store)
	_, ok := layer.GetMemory(ctx, "abc")
	assert.False(t, ok)

	_, stillThere, err := store.Get(ctx, "mem:abc")
	require.NoError(t, err)
	assert.False(t, stillThere, "corrupt entry must be deleted on read")
}

func TestSearchRoundTripAndTTL(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	layer := New(ctx, store)

	type hit struct{ URI string }
	want := []hit{{URI: "kairos://mem/1"}}
	layer.PutSearch(ctx, true, "docker healthcheck", 10, want)

	var got []hit
	ok := layer.GetSearch(ctx, true, "docker healthcheck", 10, &got)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestInvalidateWriteClearsSearchWholesale(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	layer := New(ctx, store)

	layer.PutSearch(ctx, true, "a", 10, []string{"x"})
	layer.PutSearch(ctx, false, "b", 5, []string{"y"})
	layer.PutMemory(ctx, &model.Memory{UUID: "abc"})

	layer.InvalidateWrite(ctx, "abc")

	var dest []string
	assert.False(t, layer.GetSearch(ctx, true, "a", 10, &dest))
	assert.False(t, layer.GetSearch(ctx, false, "b", 5, &dest))
	_, ok := layer.GetMemory(ctx, "abc")
	assert.False(t, ok)
}

func TestInvalidateMemoryDeletesSharedStoreEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := kvstore.NewMemoryStore()
	writer := New(ctx, store)
	reader := New(ctx, store)

	reader.PutMemory(ctx, &model.Memory{UUID: "abc", Label: "cached locally"})
	_, ok := reader.GetMemory(ctx, "abc")
	require.True(t, ok)

	writer.InvalidateMemory(ctx, "abc")

	// MemoryStore's Publish is a documented no-op, so the reader's local
	// mirror is not evicted and still holds its copy; what the writer's
	// invalidation removes is the entry in the shared store, checked here.
	time.Sleep(10 * time.Millisecond)
	_, stillThere, err := store.Get(ctx, "mem:abc")
	require.NoError(t, err)
	assert.False(t, stillThere)
}
