package matrix

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
)

// populatedCell restricts raster cells (alias c) to cells with inhabitants.
const populatedCell = `EXISTS (SELECT 1 FROM raster_cell_population rcp WHERE rcp.cell_id = c.id AND rcp.value > 0)`

// ErrUnknownVariant is returned for a mode variant id that does not exist.
var ErrUnknownVariant = errors.New("matrix: unknown mode variant")

func loadVariant(ctx context.Context, q db.Querier, id int64) (model.ModeVariant, error) {
	var v model.ModeVariant
	err := q.QueryRow(ctx,
		`SELECT id, mode, network_id, label, is_default FROM mode_variants WHERE id = $1`, id,
	).Scan(&v.ID, &v.Mode, &v.NetworkID, &v.Label, &v.IsDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, eris.Wrapf(ErrUnknownVariant, "variant %d", id)
	}
	if err != nil {
		return v, eris.Wrapf(err, "matrix: load variant %d", id)
	}
	return v, nil
}

// infrastructures returns ids, or all infrastructure ids when ids is nil.
func infrastructures(ctx context.Context, q db.Querier, ids []int64) ([]int64, error) {
	if ids != nil {
		return ids, nil
	}
	rows, err := q.Query(ctx, `SELECT id FROM infrastructures ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "matrix: list infrastructures")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "matrix: scan infrastructure")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// directions splits infrastructures by the way relationship of their
// services. Infrastructures without services are routed to the facility.
func directions(ctx context.Context, q db.Querier, ids []int64) (toFacility, fromFacility []int64, err error) {
	rows, err := q.Query(ctx,
		`SELECT s.infrastructure_id, MIN(s.direction_way_relationship), MAX(s.direction_way_relationship)
		 FROM services s
		 WHERE s.infrastructure_id = ANY($1)
		 GROUP BY s.infrastructure_id`,
		ids)
	if err != nil {
		return nil, nil, eris.Wrap(err, "matrix: service directions")
	}
	defer rows.Close()

	from := map[int64]bool{}
	for rows.Next() {
		var (
			id     int64
			lo, hi model.WayRelationship
		)
		if err := rows.Scan(&id, &lo, &hi); err != nil {
			return nil, nil, eris.Wrap(err, "matrix: scan service direction")
		}
		if lo != hi {
			return nil, nil, eris.Wrapf(ErrMixedDirections, "infrastructure %d", id)
		}
		from[id] = lo == model.WayFromFacility
	}
	if err := rows.Err(); err != nil {
		return nil, nil, eris.Wrap(err, "matrix: service directions")
	}

	for _, id := range ids {
		if from[id] {
			fromFacility = append(fromFacility, id)
		} else {
			toFacility = append(toFacility, id)
		}
	}
	return toFacility, fromFacility, nil
}

func scanLocations(rows pgx.Rows, what string) ([]model.Location, error) {
	defer rows.Close()
	var out []model.Location
	for rows.Next() {
		var l model.Location
		if err := rows.Scan(&l.ID, &l.Lon, &l.Lat, &l.Group); err != nil {
			return nil, eris.Wrapf(err, "matrix: scan %s", what)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// loadCells returns the populated raster cell centroids in WGS84.
func loadCells(ctx context.Context, q db.Querier) ([]model.Location, error) {
	rows, err := q.Query(ctx,
		`SELECT c.id, ST_X(ST_Transform(c.pnt, 4326)), ST_Y(ST_Transform(c.pnt, 4326)), 0::bigint
		 FROM raster_cells c
		 WHERE `+populatedCell+`
		 ORDER BY c.id`)
	if err != nil {
		return nil, eris.Wrap(err, "matrix: load cells")
	}
	return scanLocations(rows, "cell")
}

// loadPlaces returns the places of the infrastructures in WGS84, grouped by
// infrastructure. placeIDs narrows the selection when not nil.
func loadPlaces(ctx context.Context, q db.Querier, infrastructureIDs, placeIDs []int64) ([]model.Location, error) {
	rows, err := q.Query(ctx,
		`SELECT p.id, ST_X(ST_Transform(p.geom, 4326)), ST_Y(ST_Transform(p.geom, 4326)), p.infrastructure_id
		 FROM places p
		 WHERE p.infrastructure_id = ANY($1) AND ($2::bigint[] IS NULL OR p.id = ANY($2))
		 ORDER BY p.id`,
		infrastructureIDs, placeIDs)
	if err != nil {
		return nil, eris.Wrap(err, "matrix: load places")
	}
	return scanLocations(rows, "place")
}

// loadStops returns the stops of a transit variant in WGS84.
func loadStops(ctx context.Context, q db.Querier, variantID int64) ([]model.Location, error) {
	rows, err := q.Query(ctx,
		`SELECT s.id, ST_X(ST_Transform(s.geom, 4326)), ST_Y(ST_Transform(s.geom, 4326)), s.variant_id
		 FROM stops s
		 WHERE s.variant_id = $1
		 ORDER BY s.id`,
		variantID)
	if err != nil {
		return nil, eris.Wrap(err, "matrix: load stops")
	}
	return scanLocations(rows, "stop")
}

// cellPlaceSlice is the part of matrix_cell_place a build replaces.
func cellPlaceSlice(variantID int64, infrastructureIDs, placeIDs []int64) db.Slice {
	s := db.Slice{
		Table: "matrix_cell_place",
		Where: "variant_id = $1 AND infrastructure_id = ANY($2)",
		Args:  []any{variantID, infrastructureIDs},
	}
	if placeIDs != nil {
		s.Where += " AND place_id = ANY($3)"
		s.Args = append(s.Args, placeIDs)
	}
	return s
}

// placeStopSlice is the part of matrix_place_stop a transit build replaces.
func placeStopSlice(variantID int64, infrastructureIDs, placeIDs []int64) db.Slice {
	s := db.Slice{
		Table: "matrix_place_stop",
		Where: "variant_id = $1 AND place_id IN (SELECT id FROM places WHERE infrastructure_id = ANY($2))",
		Args:  []any{variantID, infrastructureIDs},
	}
	if placeIDs != nil {
		s.Where += " AND place_id = ANY($3)"
		s.Args = append(s.Args, placeIDs)
	}
	return s
}
