package proclock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestAcquire_Free(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO process_locks").
		WithArgs("matrix:3", "worker-1").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(time.Now()))
	mock.ExpectExec("UPDATE process_locks SET is_running = false").
		WithArgs("matrix:3").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	l := NewLocker(mock)
	lk, err := l.Acquire(context.Background(), "matrix:3", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "matrix:3", lk.Scope)

	require.NoError(t, lk.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquire_Busy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// The conditional upsert returns no row while another job holds the scope.
	mock.ExpectQuery("INSERT INTO process_locks").
		WithArgs("matrix:3", "worker-2").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}))

	_, err = NewLocker(mock).Acquire(context.Background(), "matrix:3", "worker-2")
	assert.ErrorIs(t, err, ErrBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquire_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO process_locks").
		WithArgs("population:1", "cli").
		WillReturnError(errors.New("connection reset"))

	_, err = NewLocker(mock).Acquire(context.Background(), "population:1", "cli")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBusy)
	assert.Contains(t, err.Error(), "acquire population:1")
}

func TestRelease_CanceledContext(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE process_locks SET is_running = false").
		WithArgs("matrix:1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lk := &Lock{locker: NewLocker(mock), Scope: "matrix:1"}
	require.NoError(t, lk.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT is_running, holder, started_at, finished_at FROM process_locks").
		WithArgs("matrix:2").
		WillReturnRows(pgxmock.NewRows([]string{"is_running", "holder", "started_at", "finished_at"}).
			AddRow(true, "worker-1", &started, nil))

	s, err := NewLocker(mock).Status(context.Background(), "matrix:2")
	require.NoError(t, err)
	assert.True(t, s.IsRunning)
	assert.Equal(t, "worker-1", s.Holder)
	require.NotNil(t, s.StartedAt)
	assert.Equal(t, started, *s.StartedAt)
	assert.Nil(t, s.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatus_Unknown(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM process_locks").
		WithArgs("matrix:99").
		WillReturnRows(pgxmock.NewRows([]string{"is_running", "holder", "started_at", "finished_at"}))

	s, err := NewLocker(mock).Status(context.Background(), "matrix:99")
	require.NoError(t, err)
	assert.False(t, s.IsRunning)
}

func TestReset(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE process_locks SET is_running = false, finished_at = now\\(\\)\\s+WHERE is_running").
		WithArgs(3600.0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := NewLocker(mock).Reset(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
