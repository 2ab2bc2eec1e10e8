package capacity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/query"
)

func ptr[T any](v T) *T { return &v }

func compile(t *testing.T, f *query.Fragment) query.Statement {
	t.Helper()
	st, err := query.Compile(query.New("", "SELECT * FROM "+f.Name, nil, f))
	require.NoError(t, err)
	return st
}

func TestFragment_BaseOnly(t *testing.T) {
	st := compile(t, Fragment(Filter{ServiceIDs: []int64{1, 2}, Year: ptr(2025)}))

	assert.Contains(t, st.SQL, "c.service_id = ANY($1)")
	assert.Contains(t, st.SQL, "c.from_year <= $2 AND c.to_year >= $2")
	assert.Contains(t, st.SQL, "WHERE scenario_id IS NULL")
	assert.NotContains(t, st.SQL, "scenario_places")
	assert.Equal(t, []any{[]int64{1, 2}, 2025}, st.Args)
}

func TestFragment_Unfiltered(t *testing.T) {
	st := compile(t, Fragment(Filter{}))
	assert.NotContains(t, st.SQL, "ANY(")
	assert.NotContains(t, st.SQL, "from_year <=")
	assert.Empty(t, st.Args)
}

func TestFragment_ScenarioFallback(t *testing.T) {
	st := compile(t, Fragment(Filter{ServiceIDs: []int64{4}, ScenarioID: ptr(int64(9)), Year: ptr(2030)}))

	// Scenario place scope is filtered by service.
	assert.Contains(t, st.SQL, "scenario_places AS (")
	scope := st.SQL[strings.Index(st.SQL, "scenario_places AS ("):]
	scope = scope[:strings.Index(scope, ")")]
	assert.Contains(t, scope, "c.service_id = ANY($")

	assert.Contains(t, st.SQL, "r.scenario_id = $")
	assert.Contains(t, st.SQL, "NOT EXISTS (SELECT 1 FROM scenario_places sp WHERE sp.place_id = r.place_id)")
	assert.Contains(t, st.Args, int64(9))
	assert.Contains(t, st.Args, 2030)
}

func TestFragment_ScenarioPlaceScopeAllServices(t *testing.T) {
	st := compile(t, Fragment(Filter{
		ServiceIDs:            []int64{4},
		ScenarioID:            ptr(int64(9)),
		PlaceScopeAllServices: true,
	}))

	scope := st.SQL[strings.Index(st.SQL, "scenario_places AS ("):]
	scope = scope[:strings.Index(scope, "\n)")]
	assert.NotContains(t, scope, "service_id")
}

func TestActiveFragment(t *testing.T) {
	st := compile(t, ActiveFragment(Filter{ServiceIDs: []int64{1}, ScenarioID: ptr(int64(2))}))
	assert.Contains(t, st.SQL, "capacities_in_effect AS (")
	assert.Contains(t, st.SQL, "HAVING SUM(ce.capacity) > 0")
	assert.Contains(t, st.SQL, "p.scenario_id IS NULL OR p.scenario_id = $")

	st = compile(t, ActiveFragment(Filter{}))
	assert.Contains(t, st.SQL, "WHERE p.scenario_id IS NULL")
}

var resolveCols = []string{"place_id", "service_id", "scenario_id", "capacity", "from_year", "to_year"}

func TestResolve(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	scen := int64(3)
	mock.ExpectQuery("FROM capacities_in_effect").
		WithArgs([]int64{1}, 2026, int64(3)).
		WillReturnRows(pgxmock.NewRows(resolveCols).
			AddRow(int64(10), int64(1), (*int64)(nil), 10.0, 0, model.MaxYear).
			AddRow(int64(11), int64(1), &scen, 5.0, 2025, model.MaxYear))

	got, err := NewResolver(mock).Resolve(context.Background(), Filter{
		ServiceIDs: []int64{1},
		ScenarioID: ptr(int64(3)),
		Year:       ptr(2026),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Nil(t, got[0].ScenarioID)
	require.NotNil(t, got[1].ScenarioID)
	assert.Equal(t, int64(3), *got[1].ScenarioID)
	assert.Equal(t, map[int64]float64{10: 10, 11: 5}, PlaceCapacities(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM capacities_in_effect").WillReturnError(errors.New("timeout"))

	_, err = NewResolver(mock).Resolve(context.Background(), Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity: resolve")
}

func TestPlaceCapacities_DropsZero(t *testing.T) {
	got := PlaceCapacities([]model.Capacity{
		{PlaceID: 1, Capacity: 10},
		{PlaceID: 2, Capacity: 0},
		{PlaceID: 3, Capacity: 2},
		{PlaceID: 3, Capacity: 1},
	})
	assert.Equal(t, map[int64]float64{1: 10, 3: 3}, got)
}
