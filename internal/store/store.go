// Package store holds the canonical in-memory set of normalized
// reservation intervals for the current process lifetime. Contents are
// rebuilt wholesale by each fetch cycle and published atomically:
// readers always see a complete snapshot, never a half-built one.
package store

import (
	"sync"
	"time"

	"rentcal/internal/feed"
)

// Snapshot is one complete, immutable fetch-cycle result. No code may
// mutate a snapshot after it has been published.
type Snapshot struct {
	GeneratedAt time.Time
	Intervals   []feed.Interval
	Unavailable []string
}

// Store is a single-writer, multi-reader snapshot holder. The writer is
// the fetch cycle; everything else reads.
type Store struct {
	mu      sync.RWMutex
	current Snapshot
}

func New() *Store {
	return &Store{}
}

// Publish replaces the current snapshot in one step. The snapshot's
// slices are copied so a caller-held buffer can be reused safely.
func (s *Store) Publish(snap Snapshot) {
	cp := Snapshot{
		GeneratedAt: snap.GeneratedAt,
		Intervals:   append([]feed.Interval(nil), snap.Intervals...),
		Unavailable: append([]string(nil), snap.Unavailable...),
	}

	s.mu.Lock()
	s.current = cp
	s.mu.Unlock()
}

// Current returns the latest published snapshot. The returned slices
// are shared with the store and must be treated as read-only.
func (s *Store) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// ForProperty returns the current intervals belonging to one property.
func (s *Store) ForProperty(propertyID string) []feed.Interval {
	snap := s.Current()
	var out []feed.Interval
	for _, iv := range snap.Intervals {
		if iv.PropertyID == propertyID {
			out = append(out, iv)
		}
	}
	return out
}

// IsUnavailable reports whether the property produced no usable data in
// the last complete cycle.
func (s *Store) IsUnavailable(propertyID string) bool {
	snap := s.Current()
	for _, id := range snap.Unavailable {
		if id == propertyID {
			return true
		}
	}
	return false
}
