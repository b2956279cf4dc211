package kvstore

import (
	"context"
	"path/filepath"
	"sync"
	"time"
)

// MemoryStore is the in-process implementation of Store. Publish is a
// documented no-op: per §4.1, there is no cross-process invalidation
// without the networked store, so Subscribe never receives anything from
// a different MemoryStore instance.
type MemoryStore struct {
	mu      sync.RWMutex
	values  map[string]entry
	hashes  map[string]map[string][]byte
	counter map[string]int64
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]entry),
		hashes:  make(map[string]map[string][]byte),
		counter: make(map[string]int64),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.values[key] = entry{value: value, expiresAt: exp}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.hashes, key)
	return nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *MemoryStore) HSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter[key]++
	return s.counter[key], nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.values {
		if ok, _ := filepath.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// Publish is a documented no-op; see the MemoryStore doc comment.
func (s *MemoryStore) Publish(_ context.Context, _ string, _ []byte) error {
	return nil
}

// Subscribe returns a channel that is never written to, matching
// Publish's no-op contract.
func (s *MemoryStore) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	out := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
