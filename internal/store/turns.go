// ABOUTME: Turn history persistence - full-snapshot save and load
// ABOUTME: The in-memory history is the source of truth; every mutation rewrites the snapshot

package store

import (
	"context"
	"fmt"
)

// Role tags a turn's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message in the conversation history.
type Turn struct {
	Role    Role
	Content string
}

// SaveTurns replaces the persisted turn snapshot with the given sequence.
// The write is transactional: a crash mid-save leaves the previous snapshot.
func (s *SQLiteStore) SaveTurns(ctx context.Context, turns []Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM turns"); err != nil {
		return fmt.Errorf("clearing turns: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO turns (position, role, content) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, turn := range turns {
		if _, err := stmt.ExecContext(ctx, i, string(turn.Role), turn.Content); err != nil {
			return fmt.Errorf("inserting turn %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing turns: %w", err)
	}

	s.logger.Debug("turn snapshot saved", "turns", len(turns))
	return nil
}

// LoadTurns returns the last-saved turn snapshot, or an empty slice if none.
func (s *SQLiteStore) LoadTurns(ctx context.Context) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT role, content FROM turns ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, Turn{Role: Role(role), Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return turns, nil
}
