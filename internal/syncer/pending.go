package syncer

import (
	"sort"
	"sync"
)

// PendingSet collects relative paths reported by the watcher until the
// scheduler drains them. Repeated events for one path collapse into a
// single entry.
type PendingSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func NewPendingSet() *PendingSet {
	return &PendingSet{paths: make(map[string]struct{})}
}

// Add records p. Safe for concurrent use.
func (s *PendingSet) Add(p string) {
	s.mu.Lock()
	s.paths[p] = struct{}{}
	s.mu.Unlock()
}

// Drain empties the set and returns its contents in sorted order.
func (s *PendingSet) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}

	clear(s.paths)
	sort.Strings(out)

	return out
}

// Len returns the number of queued paths.
func (s *PendingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.paths)
}
