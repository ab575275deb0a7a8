package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/procedures/internal/scheduler"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrorRecord is one error of a finished task.
type ErrorRecord struct {
	Kind    string // condition, cancellation, timeout, body, other
	Message string
}

// Record is the journal entry of one finished task.
type Record struct {
	TaskID       string
	RunID        string
	Name         string
	Cancelled    bool
	Errors       []ErrorRecord
	Dependencies []string
	AddedAt      time.Time // Zero if unknown
	StartedAt    time.Time // Zero if the body never ran
	FinishedAt   time.Time
}

// Failed reports whether the task finished with errors.
func (r *Record) Failed() bool { return len(r.Errors) > 0 }

// Duration returns how long the body ran, or 0 if it never started.
func (r *Record) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// NewRecord builds a record from a finished task and its final errors.
func NewRecord(runID string, t *scheduler.Task, errs []error) *Record {
	rec := &Record{
		TaskID:     string(t.ID()),
		RunID:      runID,
		Name:       t.Name(),
		Cancelled:  t.IsCancelled(),
		StartedAt:  t.StartedAt(),
		FinishedAt: t.FinishedAt(),
	}
	for _, err := range errs {
		rec.Errors = append(rec.Errors, ErrorRecord{Kind: errorKind(err), Message: err.Error()})
	}
	for _, dep := range t.Dependencies() {
		rec.Dependencies = append(rec.Dependencies, string(dep.ID()))
	}
	return rec
}

func errorKind(err error) string {
	var (
		condition    *scheduler.ConditionFailure
		timeout      *scheduler.TimeoutError
		cancellation *scheduler.CancellationError
		body         *scheduler.BodyError
	)
	switch {
	case errors.As(err, &condition):
		return "condition"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &cancellation):
		return "cancellation"
	case errors.As(err, &body):
		return "body"
	default:
		return "other"
	}
}

// SaveRecord saves or replaces a task record with its errors and
// dependencies.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_records (id, run_id, name, cancelled, failed, added_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			name = excluded.name,
			cancelled = excluded.cancelled,
			failed = excluded.failed,
			added_at = excluded.added_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, rec.TaskID, rec.RunID, rec.Name, rec.Cancelled, rec.Failed(),
		nullTime(rec.AddedAt), nullTime(rec.StartedAt), rec.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.TaskID, err)
	}

	for _, table := range []string{"task_errors", "task_dependencies"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE task_id = ?`, rec.TaskID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i, e := range rec.Errors {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_errors (task_id, position, kind, message)
			VALUES (?, ?, ?, ?)
		`, rec.TaskID, i, e.Kind, e.Message)
		if err != nil {
			return fmt.Errorf("failed to insert error %d of %s: %w", i, rec.TaskID, err)
		}
	}

	for _, depID := range rec.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, rec.TaskID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", rec.TaskID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by task ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, taskID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, cancelled, added_at, started_at, finished_at
		FROM task_records
		WHERE id = ?
	`, taskID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	if err := s.loadDetails(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecords returns the records of a run in finish order.
func (s *SQLiteStore) ListRecords(ctx context.Context, runID string) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, cancelled, added_at, started_at, finished_at
		FROM task_records
		WHERE run_id = ?
		ORDER BY finished_at ASC, rowid ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	// The store holds a single connection, so rows must be closed before the
	// detail queries run.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	for _, rec := range records {
		if err := s.loadDetails(ctx, rec); err != nil {
			return nil, err
		}
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                Record
		addedAt, startedAt sql.NullTime
	)
	if err := row.Scan(&rec.TaskID, &rec.RunID, &rec.Name, &rec.Cancelled, &addedAt, &startedAt, &rec.FinishedAt); err != nil {
		return nil, err
	}
	if addedAt.Valid {
		rec.AddedAt = addedAt.Time
	}
	if startedAt.Valid {
		rec.StartedAt = startedAt.Time
	}
	return &rec, nil
}

func (s *SQLiteStore) loadDetails(ctx context.Context, rec *Record) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, message
		FROM task_errors
		WHERE task_id = ?
		ORDER BY position ASC
	`, rec.TaskID)
	if err != nil {
		return fmt.Errorf("failed to query errors for %s: %w", rec.TaskID, err)
	}
	for rows.Next() {
		var e ErrorRecord
		if err := rows.Scan(&e.Kind, &e.Message); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan error: %w", err)
		}
		rec.Errors = append(rec.Errors, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating errors: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, rec.TaskID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies for %s: %w", rec.TaskID, err)
	}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		rec.Dependencies = append(rec.Dependencies, depID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
