package incident

import (
	"sort"
	"sync"
)

// lockSet hands out per-key mutexes and forgets keys nobody holds.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*keyLock)}
}

// lock acquires key and returns its release func.
func (s *lockSet) lock(key string) func() {
	s.mu.Lock()
	entry, ok := s.locks[key]
	if !ok {
		entry = &keyLock{}
		s.locks[key] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		s.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// lockAll acquires keys in sorted order so concurrent multi-key callers cannot deadlock.
func (s *lockSet) lockAll(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	releases := make([]func(), 0, len(sorted))
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		releases = append(releases, s.lock(key))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

func (s *lockSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
