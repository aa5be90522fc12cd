// ABOUTME: Scheduled event persistence keyed by minute-truncated due time
// ABOUTME: Upsert-on-conflict implements the silent same-minute replacement rule

package store

import (
	"context"
	"fmt"
	"time"
)

// ScheduledEvent is a time-keyed reminder. Two events due in the same
// wall-clock minute occupy the same slot; the newer one wins.
type ScheduledEvent struct {
	Name  string
	DueAt time.Time
}

// MinuteKey returns the dedup key for an event time: unix minutes.
func MinuteKey(t time.Time) int64 {
	return t.Truncate(time.Minute).Unix() / 60
}

// UpsertScheduledEvent inserts an event, replacing any existing event at the
// same truncated-to-minute due time.
func (s *SQLiteStore) UpsertScheduledEvent(ctx context.Context, ev ScheduledEvent) error {
	query := `
		INSERT INTO scheduled_events (due_minute, name, due_at)
		VALUES (?, ?, ?)
		ON CONFLICT(due_minute) DO UPDATE SET name = excluded.name, due_at = excluded.due_at
	`
	_, err := s.db.ExecContext(ctx, query, MinuteKey(ev.DueAt), ev.Name, ev.DueAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting scheduled event: %w", err)
	}
	s.logger.Debug("scheduled event saved", "name", ev.Name, "due_at", ev.DueAt)
	return nil
}

// DeleteScheduledEvent removes the event at the given minute key, if any.
func (s *SQLiteStore) DeleteScheduledEvent(ctx context.Context, minuteKey int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_events WHERE due_minute = ?", minuteKey); err != nil {
		return fmt.Errorf("deleting scheduled event: %w", err)
	}
	return nil
}

// LoadScheduledEvents returns all persisted events ordered by due time.
func (s *SQLiteStore) LoadScheduledEvents(ctx context.Context) ([]ScheduledEvent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, due_at FROM scheduled_events ORDER BY due_minute")
	if err != nil {
		return nil, fmt.Errorf("querying scheduled events: %w", err)
	}
	defer rows.Close()

	var events []ScheduledEvent
	for rows.Next() {
		var name, dueAtStr string
		if err := rows.Scan(&name, &dueAtStr); err != nil {
			return nil, fmt.Errorf("scanning scheduled event: %w", err)
		}
		dueAt, err := time.Parse(time.RFC3339, dueAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing due time %q: %w", dueAtStr, err)
		}
		events = append(events, ScheduledEvent{Name: name, DueAt: dueAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scheduled events: %w", err)
	}
	return events, nil
}
