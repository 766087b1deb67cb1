// Package hintset implements a pending-invalidation set: a deduplicated
// collection of hints that is atomically drained by the watcher.
package hintset

import (
	"sync"

	"github.com/adred-codev/viewengine/viewtypes"
)

// Set is a deduplicated, concurrency-safe collection of pending hints.
// The zero value is not usable; use New.
type Set struct {
	mu    sync.Mutex
	hints map[string]viewtypes.Hint
}

// New returns an empty Set.
func New() *Set {
	return &Set{hints: make(map[string]viewtypes.Hint)}
}

// Queue merges hints into the set, deduplicating by structural equality.
func (s *Set) Queue(hints ...viewtypes.Hint) {
	if len(hints) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hints {
		s.hints[h.Key()] = h
	}
}

// Drain atomically returns the current set of hints and resets it to
// empty. Drain is the only legitimate reader.
func (s *Set) Drain() []viewtypes.Hint {
	s.mu.Lock()
	current := s.hints
	s.hints = make(map[string]viewtypes.Hint)
	s.mu.Unlock()

	if len(current) == 0 {
		return nil
	}
	out := make([]viewtypes.Hint, 0, len(current))
	for _, h := range current {
		out = append(out, h)
	}
	return out
}

// Len reports how many distinct hints are currently pending. Intended for
// tests and diagnostics, not for control flow (the set may change between
// Len returning and a subsequent Drain).
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hints)
}
