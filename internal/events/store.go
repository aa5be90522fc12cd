// ABOUTME: In-memory scheduled event store with write-through persistence
// ABOUTME: Events are keyed by minute-truncated due time; same-minute adds replace

package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glacierbingchuan-ai/aichat/internal/store"
)

// Persister is what the event store needs from storage.
type Persister interface {
	UpsertScheduledEvent(ctx context.Context, ev store.ScheduledEvent) error
	DeleteScheduledEvent(ctx context.Context, minuteKey int64) error
}

// persistTimeout bounds each write-through call.
const persistTimeout = 5 * time.Second

// Store holds scheduled events in memory and writes every mutation through to
// storage. notify, when set, is invoked after each mutation so observers can
// learn the event list changed.
type Store struct {
	mu      sync.Mutex
	events  map[int64]store.ScheduledEvent
	persist Persister
	notify  func()
	logger  *slog.Logger
}

// NewStore creates an event store seeded with previously persisted events.
func NewStore(persist Persister, restored []store.ScheduledEvent, notify func(), logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		events:  make(map[int64]store.ScheduledEvent),
		persist: persist,
		notify:  notify,
		logger:  logger.With("component", "events"),
	}
	for _, ev := range restored {
		s.events[store.MinuteKey(ev.DueAt)] = ev
	}
	return s
}

// Add inserts an event, silently replacing any existing event whose due time
// falls in the same wall-clock minute.
func (s *Store) Add(ev store.ScheduledEvent) {
	key := store.MinuteKey(ev.DueAt)

	s.mu.Lock()
	if old, exists := s.events[key]; exists {
		s.logger.Debug("replacing scheduled event in same minute",
			"old", old.Name, "new", ev.Name, "due_at", ev.DueAt)
	}
	s.events[key] = ev
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persist.UpsertScheduledEvent(ctx, ev); err != nil {
		s.logger.Error("failed to persist scheduled event", "error", err, "name", ev.Name)
	}
	s.notifyChanged()
}

// Due returns all events whose due time has passed, removing them from the
// store. Each event is returned at most once across all calls.
func (s *Store) Due(now time.Time) []store.ScheduledEvent {
	s.mu.Lock()
	var due []store.ScheduledEvent
	var keys []int64
	for key, ev := range s.events {
		if !ev.DueAt.After(now) {
			due = append(due, ev)
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		delete(s.events, key)
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return nil
	}

	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	for _, key := range keys {
		if err := s.persist.DeleteScheduledEvent(ctx, key); err != nil {
			s.logger.Error("failed to delete consumed event", "error", err, "minute_key", key)
		}
	}
	s.notifyChanged()
	return due
}

// List returns all pending events ordered by due time.
func (s *Store) List() []store.ScheduledEvent {
	s.mu.Lock()
	out := make([]store.ScheduledEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

// HasEventWithin reports whether any pending event comes due inside the given
// horizon. Used to suppress proactive chatter right before a reminder.
func (s *Store) HasEventWithin(now time.Time, horizon time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := now.Add(horizon)
	for _, ev := range s.events {
		if !ev.DueAt.After(limit) {
			return true
		}
	}
	return false
}

func (s *Store) notifyChanged() {
	if s.notify != nil {
		s.notify()
	}
}
