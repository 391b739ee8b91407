package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type record struct {
	entry   Entry
	expires time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]record
}

// MemoryStore keeps counters in process memory, striped across shards so that
// each check takes exactly one shard lock.
type MemoryStore struct {
	shards [shardCount]*shard
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]record)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Apply runs the window state machine for key under the shard lock.
func (s *MemoryStore) Apply(_ context.Context, key string, now time.Time, rule Rule) (Decision, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, exists := sh.entries[key]
	next, decision := advance(prev.entry, exists, now, rule)
	sh.entries[key] = record{entry: next, expires: next.expiresAt(rule.Window)}
	return decision, nil
}

// Get returns the current entry for key, if any.
func (s *MemoryStore) Get(key string) (Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.entries[key]
	return rec.entry, ok
}

// Sweep evicts entries whose window or block has definitively expired.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, rec := range sh.entries {
			if !now.Before(rec.expires) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len reports the number of tracked entries.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
