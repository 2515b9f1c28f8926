package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// localStore is the in-memory layer: an LRU bounded by total value bytes
// rather than entry count. Eviction removes strictly least-recently-used
// entries until the new entry fits the byte budget.
type localStore struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, *Entry]
	maxBytes int64
	curBytes int64
	evicted  func(key string)
}

// defaultLocalEntries caps entry count; the byte budget is the real bound.
const defaultLocalEntries = 16384

func newLocalStore(maxBytes int64, onEvict func(key string)) (*localStore, error) {
	s := &localStore{maxBytes: maxBytes, evicted: onEvict}
	c, err := lru.NewWithEvict[string, *Entry](defaultLocalEntries, func(key string, e *Entry) {
		s.curBytes -= int64(e.Size)
		if s.evicted != nil {
			s.evicted(key)
		}
	})
	if err != nil {
		return nil, err
	}
	s.lru = c
	return s, nil
}

// get returns the entry and bumps its recency. Expired entries are removed
// eagerly and reported as absent.
func (s *localStore) get(key string, now time.Time) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.Expired(now) {
		s.lru.Remove(key)
		return nil, false
	}
	e.AccessCount++
	e.LastAccessed = now
	return e, true
}

// set stores the entry, evicting LRU entries until the byte budget holds.
// Entries larger than the whole budget are rejected (they belong in the
// file layer anyway).
func (s *localStore) set(e *Entry) bool {
	if int64(e.Size) > s.maxBytes {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove triggers the evict callback, which keeps curBytes accurate.
	s.lru.Remove(e.Key)

	for s.curBytes+int64(e.Size) > s.maxBytes && s.lru.Len() > 0 {
		s.lru.RemoveOldest()
	}

	s.lru.Add(e.Key, e)
	s.curBytes += int64(e.Size)
	return true
}

func (s *localStore) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
}

func (s *localStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Keys()
}

// sweep removes every expired entry and returns how many were dropped.
func (s *localStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.lru.Keys() {
		if e, ok := s.lru.Peek(key); ok && e.Expired(now) {
			s.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (s *localStore) bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBytes
}
