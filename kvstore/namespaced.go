package kvstore

import (
	"context"
	"time"
)

// Namespaced decorates a Store so callers only ever see logical keys; every
// physical key is prefixed `{global_prefix}{space_id}:{logical_key}` as
// required by §4.1. Channels are namespaced too, since invalidation
// messages must not cross tenant boundaries.
type Namespaced struct {
	inner        Store
	globalPrefix string
	spaceID      string
}

// NewNamespaced wraps inner for a single space. globalPrefix is typically
// KV_GLOBAL_PREFIX ("kairos:").
func NewNamespaced(inner Store, globalPrefix, spaceID string) *Namespaced {
	return &Namespaced{inner: inner, globalPrefix: globalPrefix, spaceID: spaceID}
}

func (n *Namespaced) key(logical string) string {
	return n.globalPrefix + n.spaceID + ":" + logical
}

func (n *Namespaced) channel(name string) string {
	return n.globalPrefix + n.spaceID + ":ch:" + name
}

func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.inner.Get(ctx, n.key(key))
}

func (n *Namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.inner.Set(ctx, n.key(key), value, ttl)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.key(key))
}

func (n *Namespaced) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	return n.inner.HGet(ctx, n.key(key), field)
}

func (n *Namespaced) HSet(ctx context.Context, key, field string, value []byte) error {
	return n.inner.HSet(ctx, n.key(key), field, value)
}

func (n *Namespaced) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	return n.inner.HGetAll(ctx, n.key(key))
}

func (n *Namespaced) Incr(ctx context.Context, key string) (int64, error) {
	return n.inner.Incr(ctx, n.key(key))
}

func (n *Namespaced) Keys(ctx context.Context, pattern string) ([]string, error) {
	return n.inner.Keys(ctx, n.key(pattern))
}

func (n *Namespaced) Publish(ctx context.Context, channel string, payload []byte) error {
	return n.inner.Publish(ctx, n.channel(channel), payload)
}

func (n *Namespaced) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return n.inner.Subscribe(ctx, n.channel(channel))
}

func (n *Namespaced) Close() error {
	// The underlying connection is shared across spaces; Namespaced does
	// not own its lifecycle.
	return nil
}

var _ Store = (*Namespaced)(nil)
var _ Store = (*RedisStore)(nil)
var _ Store = (*MemoryStore)(nil)
