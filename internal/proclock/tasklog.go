package proclock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
)

// Task statuses. Accepted means queued; complete, not_acceptable and failed
// are terminal.
const (
	StatusAccepted      = "accepted"
	StatusRunning       = "running"
	StatusComplete      = "complete"
	StatusNotAcceptable = "not_acceptable"
	StatusFailed        = "failed"
)

// TaskEntry represents a row in task_log.
type TaskEntry struct {
	ID          uuid.UUID  `json:"id"`
	Scope       string     `json:"scope"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	RowsWritten int64      `json:"rows_written"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskLog provides read/write access to the task_log table.
type TaskLog struct {
	pool db.Pool
}

// NewTaskLog creates a TaskLog backed by pool.
func NewTaskLog(pool db.Pool) *TaskLog {
	return &TaskLog{pool: pool}
}

// Accept records a queued task and returns its id.
func (t *TaskLog) Accept(ctx context.Context, scope, kind, message string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := t.pool.Exec(ctx,
		`INSERT INTO task_log (id, scope, kind, status, message, started_at)
		 VALUES ($1, $2, $3, 'accepted', $4, now())`,
		id, scope, kind, message,
	)
	if err != nil {
		return uuid.Nil, eris.Wrapf(err, "tasklog: accept %s", scope)
	}
	return id, nil
}

// Start marks a task as running. If id is uuid.Nil a new entry is created.
func (t *TaskLog) Start(ctx context.Context, id uuid.UUID, scope, kind string) (uuid.UUID, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := t.pool.Exec(ctx,
		`INSERT INTO task_log (id, scope, kind, status, started_at)
		 VALUES ($1, $2, $3, 'running', now())
		 ON CONFLICT (id) DO UPDATE SET status = 'running', started_at = now()`,
		id, scope, kind,
	)
	if err != nil {
		return uuid.Nil, eris.Wrapf(err, "tasklog: start %s", scope)
	}
	return id, nil
}

// Complete marks a task as successfully completed.
func (t *TaskLog) Complete(ctx context.Context, id uuid.UUID, rows int64, message string) error {
	return t.finish(ctx, id, StatusComplete, rows, message)
}

// Reject marks a task as not acceptable, e.g. because the routing backend is
// unavailable. The caller may retry later.
func (t *TaskLog) Reject(ctx context.Context, id uuid.UUID, message string) error {
	return t.finish(ctx, id, StatusNotAcceptable, 0, message)
}

// Fail marks a task as failed.
func (t *TaskLog) Fail(ctx context.Context, id uuid.UUID, message string) error {
	return t.finish(ctx, id, StatusFailed, 0, message)
}

func (t *TaskLog) finish(ctx context.Context, id uuid.UUID, status string, rows int64, message string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, err := t.pool.Exec(ctx,
		`UPDATE task_log
		 SET status = $1, rows_written = $2, message = $3, completed_at = now()
		 WHERE id = $4`,
		status, rows, message, id,
	)
	if err != nil {
		return eris.Wrapf(err, "tasklog: mark %s %s", id, status)
	}
	return nil
}

// Latest returns the most recent entry of scope, or nil if there is none.
func (t *TaskLog) Latest(ctx context.Context, scope string) (*TaskEntry, error) {
	var e TaskEntry
	err := t.pool.QueryRow(ctx,
		`SELECT id, scope, kind, status, message, rows_written, started_at, completed_at
		 FROM task_log WHERE scope = $1
		 ORDER BY started_at DESC LIMIT 1`,
		scope,
	).Scan(&e.ID, &e.Scope, &e.Kind, &e.Status, &e.Message, &e.RowsWritten, &e.StartedAt, &e.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "tasklog: latest for %s", scope)
	}
	return &e, nil
}

// List returns the most recent entries across all scopes.
func (t *TaskLog) List(ctx context.Context, limit int) ([]TaskEntry, error) {
	rows, err := t.pool.Query(ctx,
		`SELECT id, scope, kind, status, message, rows_written, started_at, completed_at
		 FROM task_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "tasklog: list")
	}
	defer rows.Close()

	var entries []TaskEntry
	for rows.Next() {
		var e TaskEntry
		if err := rows.Scan(&e.ID, &e.Scope, &e.Kind, &e.Status, &e.Message, &e.RowsWritten, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "tasklog: scan entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
