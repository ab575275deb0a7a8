package persistence

import (
	"context"
	"fmt"
	"time"
)

// OutputLine is one captured line of a task's output.
type OutputLine struct {
	Stream    string // "stdout" or "stderr"
	Line      string
	Timestamp time.Time
}

// SaveOutput appends a line of output for a task. Output may be written
// while the task is still running, before its record exists.
func (s *SQLiteStore) SaveOutput(ctx context.Context, taskID, stream, line string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_output (task_id, stream, line, timestamp)
		VALUES (?, ?, ?, ?)
	`, taskID, stream, line, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save output: %w", err)
	}
	return nil
}

// GetOutput returns a task's output in the order it was written.
// Returns an empty slice (not nil) if there is none.
func (s *SQLiteStore) GetOutput(ctx context.Context, taskID string) ([]OutputLine, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT stream, line, timestamp
		FROM task_output
		WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query output: %w", err)
	}
	defer rows.Close()

	lines := []OutputLine{}
	for rows.Next() {
		var l OutputLine
		if err := rows.Scan(&l.Stream, &l.Line, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating output: %w", err)
	}
	return lines, nil
}
