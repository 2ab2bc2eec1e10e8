package matrix

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/routing"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeRouter struct {
	mu       sync.Mutex
	notReady bool
	calls    int
	profiles []string
	table    func(sources, destinations []routing.Point) *routing.Table
	err      error
}

func (f *fakeRouter) Matrix(_ context.Context, profile string, sources, destinations []routing.Point) (*routing.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.profiles = append(f.profiles, profile)
	if f.err != nil {
		return nil, f.err
	}
	return f.table(sources, destinations), nil
}

func (f *fakeRouter) Ready(context.Context, string) error {
	if f.notReady {
		return routing.ErrNotReady
	}
	return nil
}

func (f *fakeRouter) Start(context.Context, string) error {
	return errors.New("no manager")
}

func fptr(v float64) *float64 { return &v }

func testSettings() Settings {
	return Settings{
		ChunkSize:         100,
		Speeds:            map[model.Mode]float64{model.ModeWalk: 4.8, model.ModeCar: 40},
		MaxDistances:      map[model.Mode]float64{model.ModeWalk: 2000, model.ModeCar: 5000},
		MaxDirectWalktime: 15,
		MaxAccessDistance: 800,
		Concurrency:       1,
		Profiles:          map[model.Mode]string{model.ModeWalk: "foot", model.ModeCar: "car"},
		ReadyTimeout:      time.Second,
	}
}

func expectAcquire(mock pgxmock.PgxPoolIface, scope string) {
	mock.ExpectQuery("INSERT INTO process_locks").
		WithArgs(scope, "test").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(time.Now()))
}

func expectRelease(mock pgxmock.PgxPoolIface, scope string) {
	mock.ExpectExec("UPDATE process_locks SET is_running = false").
		WithArgs(scope).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func expectVariant(mock pgxmock.PgxPoolIface, id int64, mode model.Mode) {
	mock.ExpectQuery("FROM mode_variants WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "mode", "network_id", "label", "is_default"}).
			AddRow(id, mode, (*int64)(nil), mode.String(), true))
}

func expectPartitions(mock pgxmock.PgxPoolIface, n int) {
	for range n {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
}

func locationRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "lon", "lat", "group"})
}

// expectDirections answers the service direction lookup with one
// (infrastructure, min, max) row per entry of dirs.
func expectDirections(mock pgxmock.PgxPoolIface, infra []int64, dirs map[int64][2]model.WayRelationship) {
	rows := pgxmock.NewRows([]string{"infrastructure_id", "min", "max"})
	for _, id := range infra {
		if d, ok := dirs[id]; ok {
			rows.AddRow(id, d[0], d[1])
		}
	}
	mock.ExpectQuery("FROM services s").WithArgs(infra).WillReturnRows(rows)
}

func toFacility(ids ...int64) map[int64][2]model.WayRelationship {
	dirs := map[int64][2]model.WayRelationship{}
	for _, id := range ids {
		dirs[id] = [2]model.WayRelationship{model.WayToFacility, model.WayToFacility}
	}
	return dirs
}

func expectCellPlaceDelete(mock pgxmock.PgxPoolIface, variantID int64, infra []int64) {
	mock.ExpectExec(`DELETE FROM "matrix_cell_place" WHERE variant_id = \$1 AND infrastructure_id = ANY\(\$2\)`).
		WithArgs(variantID, infra).
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
}

func expectCells(mock pgxmock.PgxPoolIface, rows *pgxmock.Rows) {
	mock.ExpectQuery("FROM raster_cells c").WithArgs().WillReturnRows(rows)
}

func expectPlaces(mock pgxmock.PgxPoolIface, infra []int64, rows *pgxmock.Rows) {
	mock.ExpectQuery("FROM places p").
		WithArgs(infra, ([]int64)(nil)).
		WillReturnRows(rows)
}

func TestBuild_Routed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVariant(mock, 3, model.ModeCar)
	expectPartitions(mock, 3)
	expectAcquire(mock, "matrix:3")
	mock.ExpectBegin()
	expectCellPlaceDelete(mock, 3, []int64{7})
	expectDirections(mock, []int64{7}, toFacility(7))
	expectCells(mock, locationRows().
		AddRow(int64(1), 13.40, 52.50, int64(0)).
		AddRow(int64(2), 13.41, 52.51, int64(0)))
	expectPlaces(mock, []int64{7}, locationRows().AddRow(int64(10), 13.405, 52.505, int64(7)))
	mock.ExpectCopyFrom(pgx.Identifier{"matrix_cell_place"}, []string{"variant_id", "infrastructure_id", "cell_id", "place_id", "minutes"}).
		WillReturnResult(1)
	mock.ExpectCommit()
	mock.ExpectExec(`ANALYZE "matrix_cell_place"`).WillReturnResult(pgxmock.NewResult("ANALYZE", 0))
	expectRelease(mock, "matrix:3")

	router := &fakeRouter{table: func(src, dst []routing.Point) *routing.Table {
		assert.Len(t, src, 2)
		assert.Len(t, dst, 1)
		return &routing.Table{
			Durations: [][]*float64{{fptr(120)}, {fptr(600)}},
			Distances: [][]*float64{{fptr(1000)}, {fptr(9000)}},
		}
	}}

	bus := events.NewBus()
	var published []events.Event
	bus.Subscribe(events.MatrixRebuilt, func(_ context.Context, ev events.Event) error {
		published = append(published, ev)
		return nil
	})

	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings(), WithRouter(router), WithPublisher(bus))
	results, err := b.Build(context.Background(), Request{VariantIDs: []int64{3}, InfrastructureIDs: []int64{7}, Holder: "test"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, MethodRouted, results[0].Method)
	assert.Equal(t, int64(1), results[0].Rows)
	assert.False(t, results[0].Kept)
	assert.Equal(t, []string{"car"}, router.profiles)
	assert.Equal(t, []events.Event{{Topic: events.MatrixRebuilt, VariantID: 3}}, published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_Busy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVariant(mock, 3, model.ModeCar)
	expectPartitions(mock, 3)
	mock.ExpectQuery("INSERT INTO process_locks").
		WithArgs("matrix:3", "test").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}))

	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings(), WithRouter(&fakeRouter{}))
	_, err = b.Build(context.Background(), Request{VariantIDs: []int64{3}, InfrastructureIDs: []int64{7}, Holder: "test"})
	assert.ErrorIs(t, err, proclock.ErrBusy)
	_, isRouting := AsRoutingError(err)
	assert.False(t, isRouting)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrepare_PartitionsAllVariants(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVariant(mock, 3, model.ModeCar)
	expectPartitions(mock, 3)
	expectVariant(mock, 4, model.ModeTransit)
	expectPartitions(mock, 6)

	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings())
	targets, err := b.prepare(context.Background(), Request{VariantIDs: []int64{3, 4}, InfrastructureIDs: []int64{7}})
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, []string{"matrix_cell_place"}, targets[0].tables)
	assert.Len(t, targets[1].tables, 4)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_PartitionFailureBeforeAnyLock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// Variant 3 is prepared, variant 5 fails: no build starts, so no
	// process lock is taken.
	expectVariant(mock, 3, model.ModeCar)
	expectPartitions(mock, 3)
	expectVariant(mock, 5, model.ModeWalk)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnError(errors.New("lock timeout"))

	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings())
	results, err := b.Build(context.Background(), Request{VariantIDs: []int64{3, 5}, InfrastructureIDs: []int64{7}, Holder: "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock timeout")
	assert.Nil(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_UnknownVariantBeforeAnyLock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM mode_variants WHERE id").
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "mode", "network_id", "label", "is_default"}))

	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings())
	_, err = b.Build(context.Background(), Request{VariantIDs: []int64{9}, InfrastructureIDs: []int64{7}, Holder: "test"})
	assert.ErrorIs(t, err, ErrUnknownVariant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_NoRouter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVariant(mock, 3, model.ModeCar)
	expectPartitions(mock, 3)
	expectAcquire(mock, "matrix:3")
	expectRelease(mock, "matrix:3")

	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings())
	_, err = b.Build(context.Background(), Request{VariantIDs: []int64{3}, InfrastructureIDs: []int64{7}, Holder: "test"})
	re, ok := AsRoutingError(err)
	require.True(t, ok)
	assert.Equal(t, StatusNotAcceptable, re.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_NotReadyWithoutFallback(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVariant(mock, 3, model.ModeCar)
	expectPartitions(mock, 3)
	expectAcquire(mock, "matrix:3")
	expectRelease(mock, "matrix:3")

	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings(), WithRouter(&fakeRouter{notReady: true}))
	_, err = b.Build(context.Background(), Request{VariantIDs: []int64{3}, InfrastructureIDs: []int64{7}, Holder: "test"})
	re, ok := AsRoutingError(err)
	require.True(t, ok)
	assert.Equal(t, StatusNotAcceptable, re.Status)
	assert.ErrorIs(t, err, routing.ErrNotReady)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_ZeroRowsKeepsMatrix(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVariant(mock, 3, model.ModeCar)
	expectPartitions(mock, 3)
	expectAcquire(mock, "matrix:3")
	mock.ExpectBegin()
	expectCellPlaceDelete(mock, 3, []int64{7})
	expectDirections(mock, []int64{7}, toFacility(7))
	expectCells(mock, locationRows().AddRow(int64(1), 13.40, 52.50, int64(0)))
	expectPlaces(mock, []int64{7}, locationRows().AddRow(int64(10), 13.405, 52.505, int64(7)))
	// The delete is rolled back with the empty load.
	mock.ExpectRollback()
	expectRelease(mock, "matrix:3")

	router := &fakeRouter{table: func(src, dst []routing.Point) *routing.Table {
		return &routing.Table{Durations: [][]*float64{{nil}}}
	}}
	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings(), WithRouter(router))
	results, err := b.Build(context.Background(), Request{VariantIDs: []int64{3}, InfrastructureIDs: []int64{7}, Holder: "test"})

	re, ok := AsRoutingError(err)
	require.True(t, ok)
	assert.Equal(t, StatusNotAcceptable, re.Status)
	require.Len(t, results, 1)
	assert.True(t, results[0].Kept)
	assert.Zero(t, results[0].Rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_RouterFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVariant(mock, 3, model.ModeCar)
	expectPartitions(mock, 3)
	expectAcquire(mock, "matrix:3")
	mock.ExpectBegin()
	expectCellPlaceDelete(mock, 3, []int64{7})
	expectDirections(mock, []int64{7}, toFacility(7))
	expectCells(mock, locationRows().AddRow(int64(1), 13.40, 52.50, int64(0)))
	expectPlaces(mock, []int64{7}, locationRows().AddRow(int64(10), 13.405, 52.505, int64(7)))
	mock.ExpectRollback()
	expectRelease(mock, "matrix:3")

	router := &fakeRouter{err: errors.New("connection refused")}
	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings(), WithRouter(router))
	_, err = b.Build(context.Background(), Request{VariantIDs: []int64{3}, InfrastructureIDs: []int64{7}, Holder: "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 1/1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_AirDistance(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id FROM infrastructures").
		WithArgs().
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)).AddRow(int64(8)))
	expectVariant(mock, 2, model.ModeWalk)
	expectPartitions(mock, 4)
	expectAcquire(mock, "matrix:2")
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "matrix_cell_place"`).
		WithArgs(int64(2), []int64{7, 8}).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`(?s)INSERT INTO matrix_cell_place .*cos\(radians`).
		WithArgs(int64(2), 4.8, 2000.0, []int64{7, 8}, pgxmock.AnyArg(), 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 42))
	mock.ExpectCommit()
	mock.ExpectExec(`ANALYZE "matrix_cell_place"`).WillReturnResult(pgxmock.NewResult("ANALYZE", 0))
	expectRelease(mock, "matrix:2")

	router := &fakeRouter{}
	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings(), WithRouter(router))
	results, err := b.Build(context.Background(), Request{VariantIDs: []int64{2}, AirDistance: true, Holder: "test"})
	require.NoError(t, err)
	assert.Equal(t, MethodAir, results[0].Method)
	assert.Equal(t, int64(42), results[0].Rows)
	assert.Zero(t, router.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_TransitWithoutStopMatrix(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVariant(mock, 4, model.ModeTransit)
	expectPartitions(mock, 6)
	expectAcquire(mock, "matrix:4")
	mock.ExpectQuery(`SELECT count\(\*\) FROM matrix_stop_stop`).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
	expectRelease(mock, "matrix:4")

	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings(), WithRouter(&fakeRouter{}))
	_, err = b.Build(context.Background(), Request{VariantIDs: []int64{4}, InfrastructureIDs: []int64{7}, Holder: "test"})
	re, ok := AsRoutingError(err)
	require.True(t, ok)
	assert.Equal(t, StatusNotAcceptable, re.Status)
	assert.Contains(t, re.Message, "stop-to-stop")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_TransitAir(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVariant(mock, 4, model.ModeTransit)
	expectPartitions(mock, 6)
	expectAcquire(mock, "matrix:4")
	mock.ExpectQuery(`SELECT count\(\*\) FROM matrix_stop_stop`).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(12)))
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "matrix_cell_stop"`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM "matrix_place_stop"`).
		WithArgs(int64(4), []int64{7}).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM "matrix_cell_place"`).
		WithArgs(int64(4), []int64{7}).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO matrix_cell_stop").
		WithArgs(int64(4), 4.8, 800.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 30))
	mock.ExpectExec("INSERT INTO matrix_place_stop").
		WithArgs(int64(4), 4.8, 800.0, []int64{7}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 10))
	// Direct walks: 15 minutes at 4.8 km/h.
	mock.ExpectExec("^INSERT INTO matrix_cell_place").
		WithArgs(int64(4), 4.8, 1200.0, []int64{7}, pgxmock.AnyArg(), 15.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 4))
	mock.ExpectExec(`(?s)WITH legs AS .*row_number\(\) OVER .*ON CONFLICT .*LEAST`).
		WithArgs(int64(4), []int64{7}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 25))
	mock.ExpectQuery(`SELECT count\(\*\) FROM matrix_cell_place WHERE variant_id`).
		WithArgs(int64(4), []int64{7}).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(27)))
	mock.ExpectCommit()
	for range 4 {
		mock.ExpectExec("ANALYZE").WillReturnResult(pgxmock.NewResult("ANALYZE", 0))
	}
	expectRelease(mock, "matrix:4")

	b := NewBuilder(mock, proclock.NewLocker(mock), testSettings())
	results, err := b.Build(context.Background(), Request{VariantIDs: []int64{4}, InfrastructureIDs: []int64{7}, AirDistance: true, Holder: "test"})
	require.NoError(t, err)
	assert.Equal(t, MethodTransit, results[0].Method)
	assert.Equal(t, int64(27), results[0].Rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableRows(t *testing.T) {
	cells := []model.Location{{ID: 1}, {ID: 2}}
	places := []model.Location{{ID: 10, Group: 7}, {ID: 11, Group: 7}}
	l := leg{
		maxDistance: 5000,
		maxMinutes:  30,
		row: func(src, dst model.Location, minutes float64) []any {
			return []any{src.ID, dst.ID, minutes}
		},
	}
	tbl := &routing.Table{
		Durations: [][]*float64{{fptr(60), nil}, {fptr(2400), fptr(300)}},
		Distances: [][]*float64{{fptr(500), nil}, {fptr(4000), fptr(6000)}},
	}

	rows, err := tableRows(tbl, batch{sources: cells, destinations: places}, l)
	require.NoError(t, err)
	// nil route dropped, 40 minutes beyond maxMinutes, 6 km beyond maxDistance.
	assert.Equal(t, [][]any{{int64(1), int64(10), 1.0}}, rows)

	_, err = tableRows(&routing.Table{Durations: [][]*float64{{fptr(1)}}}, batch{sources: cells, destinations: places}, l)
	assert.Error(t, err)

	_, err = tableRows(&routing.Table{Durations: [][]*float64{{fptr(1)}, {fptr(1)}}}, batch{sources: cells, destinations: places}, l)
	assert.Error(t, err)
}

func TestTableRows_NoDistances(t *testing.T) {
	l := leg{
		maxDistance: 100,
		row: func(src, dst model.Location, minutes float64) []any {
			return []any{src.ID, dst.ID, minutes}
		},
	}
	tbl := &routing.Table{Durations: [][]*float64{{fptr(90)}}}
	rows, err := tableRows(tbl, batch{sources: []model.Location{{ID: 1}}, destinations: []model.Location{{ID: 2}}}, l)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), int64(2), 1.5}}, rows)
}

func TestTableRows_NoDistancesGreatCircle(t *testing.T) {
	l := leg{
		maxDistance: 2000,
		row: func(src, dst model.Location, minutes float64) []any {
			return []any{src.ID, dst.ID, minutes}
		},
	}
	cells := []model.Location{{ID: 1, Lon: 13.40, Lat: 52.50}}
	// About 700 m and 7 km east of the cell.
	places := []model.Location{{ID: 10, Lon: 13.41, Lat: 52.50}, {ID: 11, Lon: 13.50, Lat: 52.50}}
	tbl := &routing.Table{Durations: [][]*float64{{fptr(300), fptr(900)}}}

	rows, err := tableRows(tbl, batch{sources: cells, destinations: places}, l)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), int64(10), 5.0}}, rows)
}

// routeCellPlaceTx runs routeCellPlace for infrastructure 7 with the given
// service directions and returns the sources sent to the router.
func routeCellPlaceTx(t *testing.T, dirs map[int64][2]model.WayRelationship, wantRoute bool) ([]routing.Point, error) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	expectDirections(mock, []int64{7}, dirs)
	if wantRoute {
		expectCells(mock, locationRows().AddRow(int64(1), 13.40, 52.50, int64(0)))
		expectPlaces(mock, []int64{7}, locationRows().AddRow(int64(10), 13.405, 52.505, int64(7)))
		mock.ExpectCopyFrom(pgx.Identifier{"matrix_cell_place"}, []string{"variant_id", "infrastructure_id", "cell_id", "place_id", "minutes"}).
			WillReturnResult(1)
	}
	mock.ExpectRollback()

	var gotSources []routing.Point
	router := &fakeRouter{table: func(src, dst []routing.Point) *routing.Table {
		gotSources = src
		return &routing.Table{Durations: [][]*float64{{fptr(180)}}}
	}}
	b := NewBuilder(mock, nil, testSettings(), WithRouter(router))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)
	_, routeErr := b.routeCellPlace(context.Background(), tx, nil, 3, []int64{7}, "car", 0, 0)
	require.NoError(t, tx.Rollback(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
	return gotSources, routeErr
}

func TestRouteCellPlace_ToFacility(t *testing.T) {
	sources, err := routeCellPlaceTx(t, toFacility(7), true)
	require.NoError(t, err)
	assert.Equal(t, []routing.Point{{Lon: 13.40, Lat: 52.50}}, sources)
}

func TestRouteCellPlace_FromFacility(t *testing.T) {
	sources, err := routeCellPlaceTx(t, map[int64][2]model.WayRelationship{
		7: {model.WayFromFacility, model.WayFromFacility},
	}, true)
	require.NoError(t, err)
	// Places are the routing sources.
	assert.Equal(t, []routing.Point{{Lon: 13.405, Lat: 52.505}}, sources)
}

func TestRouteCellPlace_WithoutServices(t *testing.T) {
	sources, err := routeCellPlaceTx(t, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []routing.Point{{Lon: 13.40, Lat: 52.50}}, sources)
}

func TestRouteCellPlace_MixedDirections(t *testing.T) {
	_, err := routeCellPlaceTx(t, map[int64][2]model.WayRelationship{
		7: {model.WayToFacility, model.WayFromFacility},
	}, false)
	assert.ErrorIs(t, err, ErrMixedDirections)
	assert.Contains(t, err.Error(), "infrastructure 7")
}

func TestScope(t *testing.T) {
	assert.Equal(t, "matrix:12", Scope(12))
}
