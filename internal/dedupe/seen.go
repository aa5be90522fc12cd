// ABOUTME: Thread-safe TTL seen-set for transport message ids
// ABOUTME: CheckAndMark is the single entry point so check/mark cannot race

package dedupe

import (
	"sync"
	"time"
)

// SeenSet tracks message ids observed within a TTL window. Entries expire
// lazily on a periodic sweep; when the set hits its cap the sweep runs
// immediately and, if still full, the new entry evicts an arbitrary expired
// slot or is admitted anyway (capacity is a guard, not a hard limit).
type SeenSet struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	cap    int
	done   chan struct{}
	closed bool
}

// NewSeenSet creates a seen-set with the given TTL and soft capacity.
// A background goroutine sweeps expired entries once a minute.
func NewSeenSet(ttl time.Duration, capacity int) *SeenSet {
	s := &SeenSet{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		cap:  capacity,
		done: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// CheckAndMark atomically reports whether id was already seen inside the TTL
// window and, if not, records it. Returns true for duplicates.
func (s *SeenSet) CheckAndMark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if at, ok := s.seen[id]; ok && now.Sub(at) < s.ttl {
		return true
	}
	if len(s.seen) >= s.cap {
		s.sweepLocked(now)
	}
	s.seen[id] = now
	return false
}

// Len returns the number of tracked ids, expired ones included until swept.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *SeenSet) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.sweepLocked(time.Now())
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// sweepLocked drops expired entries. Must be called with mu held.
func (s *SeenSet) sweepLocked(now time.Time) {
	for id, at := range s.seen {
		if now.Sub(at) >= s.ttl {
			delete(s.seen, id)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (s *SeenSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
