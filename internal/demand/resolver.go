// Package demand computes population and service demand per area or raster
// cell. Area values come either from the precomputed area population of a
// level, when it is up to date, or from the raster cell population weighted
// by the area-cell shares.
package demand

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/query"
)

// Request selects the demand of one service.
type Request struct {
	ServiceID  int64
	ScenarioID *int64
	Year       int
}

// PopulationRequest selects population counts. A nil PrognosisID uses the
// scenario's prognosis, then the default one. Empty id filters keep all age
// groups or genders.
type PopulationRequest struct {
	Year        int
	ScenarioID  *int64
	PrognosisID *int64
	AgeGroupIDs []int64
	GenderIDs   []int64
}

// Inputs are the rows a demand computation is based on. PopulationID or
// RateSetID is nil when no matching row exists; the demand is then empty.
type Inputs struct {
	DemandType   model.DemandType
	RateSetID    *int64
	PopulationID *int64
}

// Empty reports whether no demand can be computed from in.
func (in Inputs) Empty() bool {
	return in.RateSetID == nil || in.PopulationID == nil
}

// Resolver builds demand and population relations.
type Resolver struct {
	pool  db.Pool
	fresh *Freshness
}

// NewResolver creates a Resolver.
func NewResolver(pool db.Pool, fresh *Freshness) *Resolver {
	return &Resolver{pool: pool, fresh: fresh}
}

// ErrUnknownService is returned when the requested service does not exist.
var ErrUnknownService = errors.New("demand: unknown service")

// Lookup finds the demand type, the demand rate set (the scenario's choice,
// else the service default) and the population snapshot for req.
func (r *Resolver) Lookup(ctx context.Context, req Request) (Inputs, error) {
	var in Inputs
	err := r.pool.QueryRow(ctx,
		`SELECT s.demand_type,
		        COALESCE(
		            (SELECT ss.demand_rate_set_id FROM scenario_services ss
		             WHERE ss.scenario_id = $2 AND ss.service_id = s.id),
		            (SELECT d.id FROM demand_rate_sets d
		             WHERE d.service_id = s.id AND d.is_default))
		 FROM services s
		 WHERE s.id = $1`,
		req.ServiceID, req.ScenarioID,
	).Scan(&in.DemandType, &in.RateSetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Inputs{}, eris.Wrapf(ErrUnknownService, "service %d", req.ServiceID)
	}
	if err != nil {
		return Inputs{}, eris.Wrapf(err, "demand: lookup service %d", req.ServiceID)
	}

	in.PopulationID, err = r.populationID(ctx, req.Year, req.ScenarioID, nil)
	if err != nil {
		return Inputs{}, err
	}
	return in, nil
}

// populationID returns the snapshot of year for the given prognosis, the
// scenario's prognosis or the default prognosis, in this order. Real data
// (no prognosis) is used when the year has no prognosis snapshot.
func (r *Resolver) populationID(ctx context.Context, year int, scenarioID, prognosisID *int64) (*int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT p.id FROM populations p
		 WHERE p.year = $1
		   AND (p.prognosis_id IS NULL OR p.prognosis_id = COALESCE(
		        $3::bigint,
		        (SELECT sc.prognosis_id FROM scenarios sc WHERE sc.id = $2),
		        (SELECT pr.id FROM prognoses pr WHERE pr.is_default)))
		 ORDER BY p.prognosis_id NULLS LAST
		 LIMIT 1`,
		year, scenarioID, prognosisID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		zap.L().Debug("demand: no population", zap.Int("year", year))
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "demand: lookup population %d", year)
	}
	return &id, nil
}

// none is a relation with the given columns and no rows. An empty demand
// reaches the indicators as missing values, never as zeros.
func none(name, idColumn string) *query.Fragment {
	return query.New(name, `SELECT NULL::bigint AS `+idColumn+`, NULL::double precision AS value WHERE FALSE`, nil)
}

// ratesFragment returns "rates"(age_group_id, gender_id, rate): the rate
// set's rates for the year scaled to a per-person factor.
func ratesFragment(in Inputs, year int) *query.Fragment {
	return query.New("rates", `
SELECT dr.age_group_id, dr.gender_id, dr.value * @factor AS rate
FROM demand_rates dr
WHERE dr.demand_rate_set_id = @rate_set_id AND dr.year = @year`,
		query.Args{"factor": in.DemandType.Factor(), "rate_set_id": *in.RateSetID, "year": year})
}

// AreaFragment returns "area_demand"(area_id, value) for the areas of
// levelID. Areas without population rows are absent.
func (r *Resolver) AreaFragment(ctx context.Context, req Request, levelID int64) (*query.Fragment, error) {
	in, err := r.Lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	if in.Empty() {
		return none("area_demand", "area_id"), nil
	}

	fresh, err := r.fresh.IsFresh(ctx, *in.PopulationID, levelID)
	if err != nil {
		return nil, err
	}
	args := query.Args{"population_id": *in.PopulationID, "area_level_id": levelID}
	rates := ratesFragment(in, req.Year)

	if fresh {
		return query.New("area_demand", `
SELECT ap.area_id, SUM(ap.value * r.rate) AS value
FROM area_population_age_gender ap
JOIN areas a ON a.id = ap.area_id
JOIN rates r ON r.age_group_id = ap.age_group_id AND r.gender_id = ap.gender_id
WHERE ap.population_id = @population_id AND a.area_level_id = @area_level_id
GROUP BY ap.area_id`, args, rates), nil
	}

	return query.New("area_demand", `
SELECT ac.area_id, SUM(rp.value * ac.share_area_of_cell * r.rate) AS value
FROM raster_cell_population_age_gender rp
JOIN area_cells ac ON ac.cell_id = rp.cell_id
JOIN areas a ON a.id = ac.area_id
JOIN rates r ON r.age_group_id = rp.age_group_id AND r.gender_id = rp.gender_id
WHERE rp.population_id = @population_id AND a.area_level_id = @area_level_id
GROUP BY ac.area_id`, args, rates), nil
}

// CellFragment returns "cell_demand"(cell_id, value) for all raster cells
// with population.
func (r *Resolver) CellFragment(ctx context.Context, req Request) (*query.Fragment, error) {
	in, err := r.Lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	if in.Empty() {
		return none("cell_demand", "cell_id"), nil
	}

	return query.New("cell_demand", `
SELECT rp.cell_id, SUM(rp.value * r.rate) AS value
FROM raster_cell_population_age_gender rp
JOIN rates r ON r.age_group_id = rp.age_group_id AND r.gender_id = rp.gender_id
WHERE rp.population_id = @population_id
GROUP BY rp.cell_id`,
		query.Args{"population_id": *in.PopulationID}, ratesFragment(in, req.Year)), nil
}

// groupFilter returns the SQL restricting alias's age groups and genders.
func groupFilter(alias string, req PopulationRequest, args query.Args) string {
	sql := ""
	if len(req.AgeGroupIDs) > 0 {
		sql += " AND " + alias + ".age_group_id = ANY(@age_group_ids)"
		args["age_group_ids"] = req.AgeGroupIDs
	}
	if len(req.GenderIDs) > 0 {
		sql += " AND " + alias + ".gender_id = ANY(@gender_ids)"
		args["gender_ids"] = req.GenderIDs
	}
	return sql
}

// PopulationFragment returns "area_population"(area_id, value), the
// population of the areas of levelID, by the same fast or slow path as
// demand.
func (r *Resolver) PopulationFragment(ctx context.Context, req PopulationRequest, levelID int64) (*query.Fragment, error) {
	popID, err := r.populationID(ctx, req.Year, req.ScenarioID, req.PrognosisID)
	if err != nil {
		return nil, err
	}
	if popID == nil {
		return none("area_population", "area_id"), nil
	}

	fresh, err := r.fresh.IsFresh(ctx, *popID, levelID)
	if err != nil {
		return nil, err
	}
	args := query.Args{"population_id": *popID, "area_level_id": levelID}

	if fresh {
		return query.New("area_population", `
SELECT ap.area_id, SUM(ap.value) AS value
FROM area_population_age_gender ap
JOIN areas a ON a.id = ap.area_id
WHERE ap.population_id = @population_id AND a.area_level_id = @area_level_id`+groupFilter("ap", req, args)+`
GROUP BY ap.area_id`, args), nil
	}

	return query.New("area_population", `
SELECT ac.area_id, SUM(rp.value * ac.share_area_of_cell) AS value
FROM raster_cell_population_age_gender rp
JOIN area_cells ac ON ac.cell_id = rp.cell_id
JOIN areas a ON a.id = ac.area_id
WHERE rp.population_id = @population_id AND a.area_level_id = @area_level_id`+groupFilter("rp", req, args)+`
GROUP BY ac.area_id`, args), nil
}

// AreaDemand returns the demand per area of levelID.
func (r *Resolver) AreaDemand(ctx context.Context, req Request, levelID int64) (map[int64]float64, error) {
	f, err := r.AreaFragment(ctx, req, levelID)
	if err != nil {
		return nil, err
	}
	return r.series(ctx, f, "area_id")
}

// CellDemand returns the demand per raster cell.
func (r *Resolver) CellDemand(ctx context.Context, req Request) (map[int64]float64, error) {
	f, err := r.CellFragment(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.series(ctx, f, "cell_id")
}

// AreaPopulation returns the population per area of levelID.
func (r *Resolver) AreaPopulation(ctx context.Context, req PopulationRequest, levelID int64) (map[int64]float64, error) {
	f, err := r.PopulationFragment(ctx, req, levelID)
	if err != nil {
		return nil, err
	}
	return r.series(ctx, f, "area_id")
}

func (r *Resolver) series(ctx context.Context, f *query.Fragment, idColumn string) (map[int64]float64, error) {
	st, err := query.Compile(query.New("", "SELECT "+idColumn+", value FROM "+f.Name, nil, f))
	if err != nil {
		return nil, eris.Wrap(err, "demand: compile series")
	}

	rows, err := r.pool.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, eris.Wrapf(err, "demand: read %s", f.Name)
	}
	defer rows.Close()

	out := make(map[int64]float64)
	for rows.Next() {
		var (
			id    int64
			value float64
		)
		if err := rows.Scan(&id, &value); err != nil {
			return nil, eris.Wrapf(err, "demand: scan %s", f.Name)
		}
		out[id] = value
	}
	return out, rows.Err()
}

// Breakdown is the population of one age group and gender.
type Breakdown struct {
	AgeGroupID int64   `json:"age_group_id"`
	GenderID   int64   `json:"gender_id"`
	Value      float64 `json:"value"`
}

// BreakdownFragment returns "population_breakdown"(age_group_id, gender_id,
// value) summed over the given areas, or over all raster cells when areaIDs
// is empty.
func (r *Resolver) BreakdownFragment(ctx context.Context, req PopulationRequest, areaIDs []int64) (*query.Fragment, error) {
	popID, err := r.populationID(ctx, req.Year, req.ScenarioID, req.PrognosisID)
	if err != nil {
		return nil, err
	}
	if popID == nil {
		return query.New("population_breakdown",
			`SELECT NULL::bigint AS age_group_id, NULL::bigint AS gender_id, NULL::double precision AS value WHERE FALSE`, nil), nil
	}

	args := query.Args{"population_id": *popID}
	if len(areaIDs) == 0 {
		return query.New("population_breakdown", `
SELECT rp.age_group_id, rp.gender_id, SUM(rp.value) AS value
FROM raster_cell_population_age_gender rp
WHERE rp.population_id = @population_id`+groupFilter("rp", req, args)+`
GROUP BY rp.age_group_id, rp.gender_id`, args), nil
	}

	args["area_ids"] = areaIDs
	return query.New("population_breakdown", `
SELECT rp.age_group_id, rp.gender_id, SUM(rp.value * ac.share_area_of_cell) AS value
FROM raster_cell_population_age_gender rp
JOIN area_cells ac ON ac.cell_id = rp.cell_id
WHERE rp.population_id = @population_id AND ac.area_id = ANY(@area_ids)`+groupFilter("rp", req, args)+`
GROUP BY rp.age_group_id, rp.gender_id`, args), nil
}

// PopulationBreakdown returns the population by age group and gender.
func (r *Resolver) PopulationBreakdown(ctx context.Context, req PopulationRequest, areaIDs []int64) ([]Breakdown, error) {
	f, err := r.BreakdownFragment(ctx, req, areaIDs)
	if err != nil {
		return nil, err
	}
	st, err := query.Compile(query.New("", `
SELECT age_group_id, gender_id, value FROM population_breakdown
ORDER BY age_group_id, gender_id`, nil, f))
	if err != nil {
		return nil, eris.Wrap(err, "demand: compile breakdown")
	}

	rows, err := r.pool.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, eris.Wrap(err, "demand: read breakdown")
	}
	defer rows.Close()

	var out []Breakdown
	for rows.Next() {
		var b Breakdown
		if err := rows.Scan(&b.AgeGroupID, &b.GenderID, &b.Value); err != nil {
			return nil, eris.Wrap(err, "demand: scan breakdown")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
