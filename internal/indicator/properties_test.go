package indicator_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang/geo/s2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/capacity"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/demand"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/indicator"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/matrix"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/schema"
)

// The tests in this file run against a PostGIS database named by
// DAVIPLAN_TEST_DATABASE_URL and are skipped without it. They truncate every
// table, so never point the variable at a database holding real data.
const testDatabaseEnv = "DAVIPLAN_TEST_DATABASE_URL"

const (
	levelID    = int64(1)
	serviceID  = int64(1)
	placeA     = int64(1)
	placeB     = int64(2)
	scenarioID = int64(1)
	walkID     = int64(1)
	transitID  = int64(2)
	year       = 2030
	walkSpeed  = 5.0 // km/h
)

// cellCoords are the raster cell centers as lon, lat. Neighbors are about
// 680 m apart.
var cellCoords = map[int64][2]float64{
	1: {13.40, 52.50},
	2: {13.41, 52.50},
	3: {13.42, 52.50},
}

var placeCoords = map[int64][2]float64{
	placeA: {13.40, 52.501},
	placeB: {13.42, 52.501},
}

var truncateTables = []string{
	"area_levels", "field_types", "infrastructures", "prognoses", "scenarios",
	"age_groups", "genders", "populations", "raster_cells", "networks",
	"mode_variants", "process_locks", "task_log",
	schema.MatrixCellPlace, schema.MatrixCellStop, schema.MatrixPlaceStop, schema.MatrixStopStop,
}

func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(testDatabaseEnv)
	if url == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	var version string
	require.NoError(t, pool.QueryRow(ctx, "SELECT PostGIS_Version()").Scan(&version), "PostGIS not available")
	t.Logf("PostGIS version: %s", version)

	require.NoError(t, schema.Migrate(ctx, pool))

	sql := "TRUNCATE "
	for i, table := range truncateTables {
		if i > 0 {
			sql += ", "
		}
		sql += table
	}
	_, err = pool.Exec(ctx, sql+" RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return pool
}

// point is a web mercator point from the lon and lat placeholders.
func point(lon, lat int) string {
	return fmt.Sprintf("ST_Transform(ST_SetSRID(ST_MakePoint($%d, $%d), 4326), 3857)", lon, lat)
}

func exec(t *testing.T, pool *pgxpool.Pool, sql string, args ...any) {
	t.Helper()
	_, err := pool.Exec(context.Background(), sql, args...)
	require.NoError(t, err, sql)
}

// seedWorld creates one level with two areas over three cells, one quota
// service with places A near cell 1 and B near cell 3, and a walking and a
// transit variant.
//
// Every cell has the same population in each of the four age/gender groups:
// 10 in cell 1, 20 in cell 2 and 30 in cell 3. The rates add up to 140
// percent, so the cell demands are 14, 28 and 42. Cell 2 is split evenly
// between the areas, giving area demands of 28 and 56.
func seedWorld(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	exec(t, pool, `INSERT INTO area_levels (id, name, is_active) VALUES ($1, 'Gemeinden', true)`, levelID)
	for _, id := range []int64{1, 2} {
		exec(t, pool, `INSERT INTO areas (id, area_level_id, geom)
		 VALUES ($1, $2, ST_Multi(ST_Transform(ST_MakeEnvelope($3, 52.49, $4, 52.51, 4326), 3857)))`,
			id, levelID, 13.39+float64(id-1)*0.02, 13.41+float64(id-1)*0.02)
	}

	exec(t, pool, `INSERT INTO infrastructures (id, name) VALUES (1, 'Schulen')`)
	exec(t, pool, `INSERT INTO services (id, infrastructure_id, name, demand_type, direction_way_relationship)
	 VALUES ($1, 1, 'Grundschule', $2, $3)`, serviceID, int16(model.DemandQuota), int16(model.WayToFacility))
	exec(t, pool, `INSERT INTO scenarios (id, name) VALUES ($1, 'Neubau')`, scenarioID)

	exec(t, pool, `INSERT INTO age_groups (id, from_age, to_age) VALUES (1, 0, 5), (2, 6, 10)`)
	exec(t, pool, `INSERT INTO genders (id, name) VALUES (1, 'w'), (2, 'm')`)
	exec(t, pool, `INSERT INTO demand_rate_sets (id, service_id, name, is_default) VALUES (1, $1, 'Standard', true)`, serviceID)
	exec(t, pool, `INSERT INTO demand_rates (demand_rate_set_id, year, age_group_id, gender_id, value)
	 VALUES (1, $1, 1, 1, 50), (1, $1, 1, 2, 40), (1, $1, 2, 1, 30), (1, $1, 2, 2, 20)`, year)
	exec(t, pool, `INSERT INTO populations (id, year) VALUES (1, $1)`, year)

	for id, c := range cellCoords {
		exec(t, pool, `INSERT INTO raster_cells (id, cellcode, pnt, poly)
		 VALUES ($1, $2, `+point(3, 4)+`, ST_Envelope(ST_Buffer(`+point(3, 4)+`, 50)))`,
			id, fmt.Sprintf("c%d", id), c[0], c[1])
		exec(t, pool, `INSERT INTO raster_cell_population (cell_id, value) VALUES ($1, $2)`, id, float64(id)*40)
		exec(t, pool, `INSERT INTO raster_cell_population_age_gender (population_id, cell_id, age_group_id, gender_id, value)
		 SELECT 1, $1, ag.id, g.id, $2 FROM age_groups ag CROSS JOIN genders g`, id, float64(id)*10)
	}
	exec(t, pool, `INSERT INTO area_cells (area_id, cell_id, share_area_of_cell)
	 VALUES (1, 1, 1.0), (1, 2, 0.5), (2, 2, 0.5), (2, 3, 1.0)`)

	for id, c := range placeCoords {
		exec(t, pool, `INSERT INTO places (id, name, infrastructure_id, geom)
		 VALUES ($1, $2, 1, `+point(3, 4)+`)`, id, fmt.Sprintf("p%d", id), c[0], c[1])
	}
	exec(t, pool, `INSERT INTO capacities (place_id, service_id, capacity) VALUES ($1, $3, 10), ($2, $3, 5)`,
		placeA, placeB, serviceID)

	exec(t, pool, `INSERT INTO mode_variants (id, mode, label, is_default) VALUES ($1, $2, 'Fuß', true), ($3, $4, 'ÖPNV', true)`,
		walkID, int16(model.ModeWalk), transitID, int16(model.ModeTransit))
}

func testSettings(maxWalk float64) matrix.Settings {
	return matrix.Settings{
		ChunkSize:         100,
		Speeds:            map[model.Mode]float64{model.ModeWalk: walkSpeed},
		MaxDistances:      map[model.Mode]float64{model.ModeWalk: maxWalk},
		MaxDirectWalktime: 10,
		MaxAccessDistance: 500,
		Concurrency:       1,
	}
}

func buildAir(t *testing.T, pool *pgxpool.Pool, settings matrix.Settings, variants ...int64) {
	t.Helper()
	b := matrix.NewBuilder(pool, proclock.NewLocker(pool), settings)
	_, err := b.Build(context.Background(), matrix.Request{VariantIDs: variants, AirDistance: true, Holder: "test"})
	require.NoError(t, err)
}

func newTestEngine(pool *pgxpool.Pool) *indicator.Engine {
	deps := indicator.Deps{Pool: pool, Demand: demand.NewResolver(pool, demand.NewFreshness(pool))}
	return indicator.NewEngine(indicator.NewRegistry(deps), nil, nil, 5)
}

func valuesByID(t *testing.T, res indicator.Result) map[int64]float64 {
	t.Helper()
	out := make(map[int64]float64, len(res.Values))
	for _, v := range res.Values {
		require.NotNil(t, v.Value, "entity %d has no value", v.ID)
		out[v.ID] = *v.Value
	}
	return out
}

func airMinutes(from, to [2]float64) float64 {
	a := s2.LatLngFromDegrees(from[1], from[0])
	b := s2.LatLngFromDegrees(to[1], to[0])
	meters := a.Distance(b).Radians() * 6371008.8
	return meters * 60 / (walkSpeed * 1000)
}

func TestDemandArea_AggregatedEqualsRaster(t *testing.T) {
	pool := openTestDB(t)
	seedWorld(t, pool)
	ctx := context.Background()
	p := indicator.Params{ServiceID: serviceID, Year: year, AreaLevelID: levelID}

	fresh, err := demand.NewFreshness(pool).IsFresh(ctx, 1, levelID)
	require.NoError(t, err)
	require.False(t, fresh)

	fromCells, err := newTestEngine(pool).Compute(ctx, "demand-area", p)
	require.NoError(t, err)

	_, err = demand.NewAggregator(pool, nil).AggregateAll(ctx, 1)
	require.NoError(t, err)
	fresh, err = demand.NewFreshness(pool).IsFresh(ctx, 1, levelID)
	require.NoError(t, err)
	require.True(t, fresh)

	fromAreas, err := newTestEngine(pool).Compute(ctx, "demand-area", p)
	require.NoError(t, err)

	slow, fast := valuesByID(t, fromCells), valuesByID(t, fromAreas)
	assert.InDelta(t, 28.0, slow[1], 1e-9)
	assert.InDelta(t, 56.0, slow[2], 1e-9)
	require.Len(t, fast, len(slow))
	for id, v := range slow {
		assert.InDelta(t, v, fast[id], 1e-9, "area %d", id)
	}
}

func TestCutoffAreaReachability_GrowsWithCutoff(t *testing.T) {
	pool := openTestDB(t)
	seedWorld(t, pool)
	buildAir(t, pool, testSettings(2000), walkID)
	ctx := context.Background()
	e := newTestEngine(pool)
	variant := walkID

	prev := map[int64]float64{}
	for _, cutoff := range []float64{0, 1, 2, 5, 8, 10, 20, 60} {
		res, err := e.Compute(ctx, "cutoff-area-reachability", indicator.Params{
			ServiceID: serviceID, Year: year, AreaLevelID: levelID, VariantID: &variant, Cutoff: &cutoff,
		})
		require.NoError(t, err)
		got := valuesByID(t, res)
		for id, v := range got {
			assert.GreaterOrEqual(t, v, prev[id], "area %d at cutoff %v", id, cutoff)
			assert.LessOrEqual(t, v, 100.0)
		}
		switch cutoff {
		case 0:
			assert.InDelta(t, 0.0, got[1], 1e-9)
			assert.InDelta(t, 0.0, got[2], 1e-9)
		case 5:
			// Cells 1 and 3 lie next to a place, cell 2 is about eight
			// minutes from both.
			assert.InDelta(t, 50.0, got[1], 1e-6)
			assert.InDelta(t, 75.0, got[2], 1e-6)
		case 60:
			assert.InDelta(t, 100.0, got[1], 1e-9)
			assert.InDelta(t, 100.0, got[2], 1e-9)
		}
		prev = got
	}
}

func TestTransit_NeverSlowerThanItsLegs(t *testing.T) {
	pool := openTestDB(t)
	seedWorld(t, pool)
	ctx := context.Background()

	stops := map[int64][2]float64{1: {13.401, 52.50}, 2: {13.421, 52.501}}
	for id, c := range stops {
		exec(t, pool, `INSERT INTO stops (id, hstnr, name, variant_id, geom)
		 VALUES ($1, $1, $2, $3, `+point(4, 5)+`)`, id, fmt.Sprintf("s%d", id), transitID, c[0], c[1])
	}
	settings := testSettings(5000)
	// Stop-to-stop rows must not land in the default partition.
	_, err := schema.EnsureVariantPartitions(ctx, pool, transitID, schema.MatrixTables, []int64{1})
	require.NoError(t, err)
	exec(t, pool, `INSERT INTO matrix_stop_stop (variant_id, from_stop_id, to_stop_id, minutes)
	 VALUES ($1, 1, 2, 1.0), ($1, 2, 1, 1.0)`, transitID)

	buildAir(t, pool, settings, walkID, transitID)

	// Composition: no pair is slower than any access, ride and egress chain.
	var slower int
	require.NoError(t, pool.QueryRow(ctx, `
SELECT count(*)
FROM matrix_cell_place m
JOIN matrix_cell_stop cs ON cs.variant_id = m.variant_id AND cs.cell_id = m.cell_id
JOIN (
  SELECT from_stop_id, to_stop_id, minutes FROM matrix_stop_stop WHERE variant_id = $1
  UNION ALL
  SELECT id, id, 0 FROM stops WHERE variant_id = $1
) ss ON ss.from_stop_id = cs.stop_id
JOIN matrix_place_stop ps ON ps.variant_id = m.variant_id AND ps.stop_id = ss.to_stop_id AND ps.place_id = m.place_id
WHERE m.variant_id = $1 AND m.minutes > cs.minutes + ss.minutes + ps.minutes + 1e-9`, transitID).Scan(&slower))
	assert.Zero(t, slower)

	// Direct walks within the walk time limit bound the transit time.
	require.NoError(t, pool.QueryRow(ctx, `
SELECT count(*)
FROM matrix_cell_place w
LEFT JOIN matrix_cell_place tr
  ON tr.variant_id = $2 AND tr.infrastructure_id = w.infrastructure_id
 AND tr.cell_id = w.cell_id AND tr.place_id = w.place_id
WHERE w.variant_id = $1 AND w.minutes <= $3
  AND (tr.minutes IS NULL OR tr.minutes > w.minutes + 1e-9)`,
		walkID, transitID, settings.MaxDirectWalktime).Scan(&slower))
	assert.Zero(t, slower)

	// Cell 1 to place B is too far to walk directly but close to both stops.
	var viaStops float64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT minutes FROM matrix_cell_place WHERE variant_id = $1 AND cell_id = 1 AND place_id = $2`,
		transitID, placeB,
	).Scan(&viaStops))
	assert.Greater(t, airMinutes(cellCoords[1], placeCoords[placeB]), settings.MaxDirectWalktime)
	assert.Less(t, viaStops, 5.0)
}

func TestResolve_ScenarioPlaceFromYear(t *testing.T) {
	pool := openTestDB(t)
	seedWorld(t, pool)
	ctx := context.Background()

	exec(t, pool, `UPDATE capacities SET capacity = 0 WHERE place_id = $1`, placeB)
	exec(t, pool, `INSERT INTO capacities (place_id, service_id, scenario_id, capacity, from_year, to_year)
	 VALUES ($1, $2, $3, 0, 0, 2024), ($1, $2, $3, 5, 2025, 99999999)`, placeB, serviceID, scenarioID)

	r := capacity.NewResolver(pool)
	resolve := func(scenario *int64, y int) map[int64]float64 {
		rows, err := r.Resolve(ctx, capacity.Filter{ServiceIDs: []int64{serviceID}, ScenarioID: scenario, Year: &y})
		require.NoError(t, err)
		return capacity.PlaceCapacities(rows)
	}

	scenario := scenarioID
	assert.Equal(t, map[int64]float64{placeA: 10}, resolve(&scenario, 2022))
	assert.Equal(t, map[int64]float64{placeA: 10, placeB: 5}, resolve(&scenario, 2026))
	assert.Equal(t, map[int64]float64{placeA: 10}, resolve(nil, 2026))
}

func TestAirBuild_MinutesFollowDistance(t *testing.T) {
	pool := openTestDB(t)
	seedWorld(t, pool)
	ctx := context.Background()

	const maxDistance = 1000.0
	buildAir(t, pool, testSettings(maxDistance), walkID)

	rows, err := pool.Query(ctx,
		`SELECT cell_id, place_id, minutes FROM matrix_cell_place WHERE variant_id = $1`, walkID)
	require.NoError(t, err)
	got := map[[2]int64]float64{}
	for rows.Next() {
		var cell, place int64
		var minutes float64
		require.NoError(t, rows.Scan(&cell, &place, &minutes))
		got[[2]int64{cell, place}] = minutes
	}
	require.NoError(t, rows.Err())

	maxMinutes := maxDistance * 60 / (walkSpeed * 1000)
	for cell, cc := range cellCoords {
		for place, pc := range placeCoords {
			want := airMinutes(cc, pc)
			minutes, ok := got[[2]int64{cell, place}]
			if want > maxMinutes*1.01 {
				assert.False(t, ok, "cell %d place %d beyond max distance", cell, place)
				continue
			}
			if assert.True(t, ok, "cell %d place %d", cell, place) {
				assert.InEpsilon(t, want, minutes, 0.01, "cell %d place %d", cell, place)
			}
		}
	}
	// Cells 1 and 3 are out of reach of the far place.
	assert.Len(t, got, 4)
}

func TestMaxRasterReachability_NearestPlace(t *testing.T) {
	pool := openTestDB(t)
	seedWorld(t, pool)
	buildAir(t, pool, testSettings(2000), walkID)
	ctx := context.Background()
	e := newTestEngine(pool)
	variant := walkID
	p := indicator.Params{ServiceID: serviceID, Year: year, VariantID: &variant}

	minima := map[int64]float64{}
	rows, err := pool.Query(ctx,
		`SELECT cell_id, MIN(minutes) FROM matrix_cell_place WHERE variant_id = $1 GROUP BY cell_id`, walkID)
	require.NoError(t, err)
	for rows.Next() {
		var cell int64
		var minutes float64
		require.NoError(t, rows.Scan(&cell, &minutes))
		minima[cell] = minutes
	}
	require.NoError(t, rows.Err())
	require.Len(t, minima, len(cellCoords))

	res, err := e.Compute(ctx, "max-raster-reachability", p)
	require.NoError(t, err)
	all := valuesByID(t, res)
	assert.Equal(t, len(minima), len(all))
	for cell, want := range minima {
		assert.InDelta(t, want, all[cell], 1e-9, "cell %d", cell)
	}

	exec(t, pool, `UPDATE capacities SET capacity = 0 WHERE place_id <> $1`, placeA)

	res, err = e.Compute(ctx, "max-raster-reachability", p)
	require.NoError(t, err)
	onlyA := valuesByID(t, res)
	for cell, v := range all {
		assert.GreaterOrEqual(t, onlyA[cell], v-1e-9, "cell %d", cell)
	}
	assert.Greater(t, onlyA[3], all[3])
	assert.InDelta(t, airMinutes(cellCoords[3], placeCoords[placeA]), onlyA[3], 0.1)
}
