// Package kvstore implements the Key-Value Store capability (C1): namespaced
// get/set/delete/hash/increment/scan/publish/subscribe behind one interface,
// with a Redis-backed implementation and an in-process fallback. Every key
// passed by a caller is a logical key; namespacing is applied by the
// Namespaced decorator, never by the implementations themselves.
package kvstore

import (
	"context"
	"time"

	"kairos.run/kerrors"
)

// Store is the capability set every component above C1 depends on. Logical
// keys are opaque strings; implementations own the wire representation.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	Incr(ctx context.Context, key string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// wrapUnavailable maps a transport-level error to the taxonomy's
// STORE_UNAVAILABLE code, per §4.1: "Fails with STORE_UNAVAILABLE when
// connectivity is lost; callers must treat reads as best-effort."
func wrapUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return kerrors.Wrap(kerrors.CodeStoreUnavailable, "kvstore "+op, err)
}
