// Package proclock provides the per-scope process lock that keeps two
// long-running jobs (matrix builds, population aggregation) from writing the
// same tables at once, and the task log that records their outcome.
package proclock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
)

// ErrBusy is returned when a job for the scope is already running. It is a
// busy signal, not a failure.
var ErrBusy = errors.New("proclock: already running")

// Status is the state of one scope.
type Status struct {
	Scope      string     `json:"scope"`
	IsRunning  bool       `json:"is_running"`
	Holder     string     `json:"holder,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Locker grants process locks stored in process_locks.
type Locker struct {
	pool db.Pool
}

// NewLocker creates a Locker backed by pool.
func NewLocker(pool db.Pool) *Locker {
	return &Locker{pool: pool}
}

// Lock is a held process lock.
type Lock struct {
	locker *Locker
	Scope  string
}

// Acquire sets the running flag of scope. The flag is claimed with a single
// conditional upsert, so concurrent callers cannot both win. ErrBusy is
// returned if the scope is already running.
func (l *Locker) Acquire(ctx context.Context, scope, holder string) (*Lock, error) {
	var startedAt time.Time
	err := l.pool.QueryRow(ctx,
		`INSERT INTO process_locks (scope, is_running, holder, started_at, finished_at)
		 VALUES ($1, true, $2, now(), NULL)
		 ON CONFLICT (scope) DO UPDATE
		 SET is_running = true, holder = EXCLUDED.holder, started_at = now(), finished_at = NULL
		 WHERE process_locks.is_running = false
		 RETURNING started_at`,
		scope, holder,
	).Scan(&startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, eris.Wrapf(err, "proclock: acquire %s", scope)
	}

	zap.L().Debug("proclock: acquired", zap.String("scope", scope), zap.String("holder", holder))
	return &Lock{locker: l, Scope: scope}, nil
}

// Release clears the running flag. It runs with its own context so that a
// canceled job still releases its lock.
func (lk *Lock) Release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, err := lk.locker.pool.Exec(ctx,
		`UPDATE process_locks SET is_running = false, finished_at = now() WHERE scope = $1`,
		lk.Scope,
	)
	if err != nil {
		return eris.Wrapf(err, "proclock: release %s", lk.Scope)
	}
	zap.L().Debug("proclock: released", zap.String("scope", lk.Scope))
	return nil
}

// Status returns the state of scope. An unknown scope is not running.
func (l *Locker) Status(ctx context.Context, scope string) (Status, error) {
	s := Status{Scope: scope}
	err := l.pool.QueryRow(ctx,
		`SELECT is_running, holder, started_at, finished_at FROM process_locks WHERE scope = $1`,
		scope,
	).Scan(&s.IsRunning, &s.Holder, &s.StartedAt, &s.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, eris.Wrapf(err, "proclock: status %s", scope)
	}
	return s, nil
}

// Reset clears stale running flags older than maxAge, e.g. after a crash.
func (l *Locker) Reset(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := l.pool.Exec(ctx,
		`UPDATE process_locks SET is_running = false, finished_at = now()
		 WHERE is_running AND started_at < now() - make_interval(secs => $1)`,
		maxAge.Seconds(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "proclock: reset stale locks")
	}
	return tag.RowsAffected(), nil
}
