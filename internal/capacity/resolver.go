// Package capacity resolves the capacities in effect for a set of services,
// a scenario and a year, and maintains the per-place year partition of
// capacity rows.
package capacity

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/query"
)

// Filter selects capacity rows. Nil fields do not filter.
type Filter struct {
	ServiceIDs []int64
	ScenarioID *int64
	Year       *int

	// PlaceScopeAllServices determines the places overridden by a scenario
	// across all services instead of only the filtered ones. Older clients
	// relied on this wider scope.
	PlaceScopeAllServices bool
}

// Fragment returns the "capacities_in_effect" relation
// (place_id, service_id, scenario_id, capacity, from_year, to_year) for f.
//
// Without a scenario only base rows are used. With a scenario, a place that
// has any scenario row for the filtered services takes exclusively its
// scenario rows; every other place falls back to its base rows.
func Fragment(f Filter) *query.Fragment {
	args := query.Args{}
	var where strings.Builder
	where.WriteString("TRUE")
	if f.ServiceIDs != nil {
		where.WriteString(" AND c.service_id = ANY(@service_ids)")
		args["service_ids"] = f.ServiceIDs
	}
	if f.Year != nil {
		where.WriteString(" AND c.from_year <= @year AND c.to_year >= @year")
		args["year"] = *f.Year
	}

	rows := query.New("capacity_rows", `
SELECT c.place_id, c.service_id, c.scenario_id, c.capacity, c.from_year, c.to_year
FROM capacities c
WHERE `+where.String(), args)

	if f.ScenarioID == nil {
		return query.New("capacities_in_effect", `
SELECT place_id, service_id, scenario_id, capacity, from_year, to_year
FROM capacity_rows
WHERE scenario_id IS NULL`, nil, rows)
	}

	scenArgs := query.Args{"scenario_id": *f.ScenarioID}
	scopeSQL := `
SELECT DISTINCT c.place_id
FROM capacities c
WHERE c.scenario_id = @scenario_id`
	if f.ServiceIDs != nil && !f.PlaceScopeAllServices {
		scopeSQL += " AND c.service_id = ANY(@service_ids)"
		scenArgs["service_ids"] = f.ServiceIDs
	}
	scenarioPlaces := query.New("scenario_places", scopeSQL, scenArgs)

	return query.New("capacities_in_effect", `
SELECT r.place_id, r.service_id, r.scenario_id, r.capacity, r.from_year, r.to_year
FROM capacity_rows r
WHERE r.scenario_id = @scenario_id
UNION ALL
SELECT r.place_id, r.service_id, r.scenario_id, r.capacity, r.from_year, r.to_year
FROM capacity_rows r
WHERE r.scenario_id IS NULL
  AND NOT EXISTS (SELECT 1 FROM scenario_places sp WHERE sp.place_id = r.place_id)`,
		query.Args{"scenario_id": *f.ScenarioID}, rows, scenarioPlaces)
}

// ActiveFragment returns the "active_places" relation (place_id, capacity)
// of places visible in the filter's scenario whose summed capacity in effect
// is positive.
func ActiveFragment(f Filter) *query.Fragment {
	visible := "p.scenario_id IS NULL"
	args := query.Args{}
	if f.ScenarioID != nil {
		visible = "(p.scenario_id IS NULL OR p.scenario_id = @scenario_id)"
		args["scenario_id"] = *f.ScenarioID
	}
	return query.New("active_places", `
SELECT ce.place_id, SUM(ce.capacity) AS capacity
FROM capacities_in_effect ce
JOIN places p ON p.id = ce.place_id
WHERE `+visible+`
GROUP BY ce.place_id
HAVING SUM(ce.capacity) > 0`, args, Fragment(f))
}

// Resolver reads capacities in effect.
type Resolver struct {
	pool db.Pool
}

// NewResolver creates a Resolver backed by pool.
func NewResolver(pool db.Pool) *Resolver {
	return &Resolver{pool: pool}
}

// Resolve returns the capacity rows in effect for f, including zero
// capacities. Callers wanting "places with capacity" filter capacity > 0.
func (r *Resolver) Resolve(ctx context.Context, f Filter) ([]model.Capacity, error) {
	st, err := query.Compile(query.New("", `
SELECT place_id, service_id, scenario_id, capacity, from_year, to_year
FROM capacities_in_effect
ORDER BY place_id, service_id, from_year`, nil, Fragment(f)))
	if err != nil {
		return nil, eris.Wrap(err, "capacity: compile resolve")
	}

	rows, err := r.pool.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, eris.Wrap(err, "capacity: resolve")
	}
	defer rows.Close()

	var out []model.Capacity
	for rows.Next() {
		var c model.Capacity
		if err := rows.Scan(&c.PlaceID, &c.ServiceID, &c.ScenarioID, &c.Capacity, &c.FromYear, &c.ToYear); err != nil {
			return nil, eris.Wrap(err, "capacity: scan row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PlaceCapacities sums the resolved capacities per place, keeping only
// places with capacity > 0.
func PlaceCapacities(rows []model.Capacity) map[int64]float64 {
	sums := make(map[int64]float64)
	for _, c := range rows {
		sums[c.PlaceID] += c.Capacity
	}
	for id, v := range sums {
		if v <= 0 {
			delete(sums, id)
		}
	}
	return sums
}
