// Package cache implements the two write-through caches of component C6:
// a permanent-until-invalidated memory cache and a five-minute search
// cache, both built on a kvstore.Store and kept coherent across processes
// via the "cache:invalidation" pub/sub channel.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"kairos.run/kvstore"
	"kairos.run/model"
)

const searchTTL = 5 * time.Minute

// invalidationEvent is published on "cache:invalidation" whenever a writer
// evicts an entry, so other processes can drop their local mirrors.
type invalidationEvent struct {
	Type string `json:"type"` // "memory" | "search"
	UUID string `json:"uuid,omitempty"`
}

// Layer fronts a kvstore.Store with the memory and search caches. Each
// Layer is bound to one space (the store passed in is expected to already
// be namespaced).
type Layer struct {
	store kvstore.Store

	mu          sync.RWMutex
	localMirror map[string][]byte
}

// New builds a cache Layer over an already space-namespaced store and
// starts listening for invalidation events published by other processes.
// ctx controls the lifetime of the subscription goroutine.
func New(ctx context.Context, store kvstore.Store) *Layer {
	l := &Layer{store: store, localMirror: make(map[string][]byte)}
	l.listen(ctx)
	return l
}

func (l *Layer) listen(ctx context.Context) {
	sub, err := l.store.Subscribe(ctx, "cache:invalidation")
	if err != nil {
		// A store that cannot subscribe never receives remote
		// invalidations; local writes still evict the local mirror
		// synchronously. (The in-memory store does subscribe, but its
		// channel never delivers anything.)
		return
	}
	go func() {
		for payload := range sub {
			var ev invalidationEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			l.evictLocal(ev)
		}
	}()
}

func (l *Layer) evictLocal(ev invalidationEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch ev.Type {
	case "memory":
		delete(l.localMirror, memKey(ev.UUID))
	case "search":
		for k := range l.localMirror {
			if len(k) >= 7 && k[:7] == "search:" {
				delete(l.localMirror, k)
			}
		}
	}
}

func memKey(uuid string) string { return "mem:" + uuid }

func searchKey(collapse bool, queryNormalized string, limit int) string {
	return fmt.Sprintf("search:%t:%s:%d", collapse, queryNormalized, limit)
}

// GetMemory returns the cached memory record, if present and not corrupt.
// A deserialization failure is treated as a miss and the bad entry is
// dropped, per §4.6: "cache failures never surface to callers."
func (l *Layer) GetMemory(ctx context.Context, uuid string) (*model.Memory, bool) {
	key := memKey(uuid)

	l.mu.RLock()
	if raw, ok := l.localMirror[key]; ok {
		l.mu.RUnlock()
		var m model.Memory
		if err := json.Unmarshal(raw, &m); err == nil {
			return &m, true
		}
	} else {
		l.mu.RUnlock()
	}

	raw, ok, err := l.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var m model.Memory
	if err := json.Unmarshal(raw, &m); err != nil {
		_ = l.store.Delete(ctx, key)
		return nil, false
	}

	l.mu.Lock()
	l.localMirror[key] = raw
	l.mu.Unlock()
	return &m, true
}

// PutMemory stores a memory with no TTL; it remains cached until an
// explicit write invalidates it.
func (l *Layer) PutMemory(ctx context.Context, m *model.Memory) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	key := memKey(m.UUID)
	_ = l.store.Set(ctx, key, raw, 0)

	l.mu.Lock()
	l.localMirror[key] = raw
	l.mu.Unlock()
}

// InvalidateMemory evicts a single memory key and publishes the event so
// other processes drop their mirror too.
func (l *Layer) InvalidateMemory(ctx context.Context, uuid string) {
	key := memKey(uuid)
	_ = l.store.Delete(ctx, key)

	l.mu.Lock()
	delete(l.localMirror, key)
	l.mu.Unlock()

	l.publish(ctx, invalidationEvent{Type: "memory", UUID: uuid})
}

// GetSearch returns a cached search result set, if present.
func (l *Layer) GetSearch(ctx context.Context, collapse bool, queryNormalized string, limit int, dest interface{}) bool {
	key := searchKey(collapse, queryNormalized, limit)

	l.mu.RLock()
	raw, ok := l.localMirror[key]
	l.mu.RUnlock()
	if ok {
		if err := json.Unmarshal(raw, dest); err == nil {
			return true
		}
	}

	raw, ok, err := l.store.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		_ = l.store.Delete(ctx, key)
		return false
	}

	l.mu.Lock()
	l.localMirror[key] = raw
	l.mu.Unlock()
	return true
}

// PutSearch stores a search result set with the fixed five-minute TTL.
func (l *Layer) PutSearch(ctx context.Context, collapse bool, queryNormalized string, limit int, value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	key := searchKey(collapse, queryNormalized, limit)
	_ = l.store.Set(ctx, key, raw, searchTTL)

	l.mu.Lock()
	l.localMirror[key] = raw
	l.mu.Unlock()
}

// InvalidateSearchAll drops every search cache entry in the current space.
// Tracking which search keys touch a given memory is not cheap, so §4.6
// invalidates the whole space's search cache on any write.
func (l *Layer) InvalidateSearchAll(ctx context.Context) {
	keys, err := l.store.Keys(ctx, "search:*")
	if err == nil {
		for _, k := range keys {
			_ = l.store.Delete(ctx, k)
		}
	}

	l.mu.Lock()
	for k := range l.localMirror {
		if len(k) >= 7 && k[:7] == "search:" {
			delete(l.localMirror, k)
		}
	}
	l.mu.Unlock()

	l.publish(ctx, invalidationEvent{Type: "search"})
}

// InvalidateWrite is the single entry point C7/C9 call after any mutation:
// it evicts the affected memory and the whole space's search cache in one
// step.
func (l *Layer) InvalidateWrite(ctx context.Context, uuid string) {
	l.InvalidateMemory(ctx, uuid)
	l.InvalidateSearchAll(ctx)
}

func (l *Layer) publish(ctx context.Context, ev invalidationEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = l.store.Publish(ctx, "cache:invalidation", raw)
}
