package matrix

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/query"
)

// Geometries are stored in EPSG:3857, where planar distances grow with
// 1/cos(lat). airMeters corrects by the latitude of a.
func airMeters(a, b string) string {
	return "ST_Distance(" + a + ", " + b + ") * cos(radians(ST_Y(ST_Transform(" + a + ", 4326))))"
}

// airWithin keeps pairs within @max_distance true meters of each other.
func airWithin(a, b string) string {
	return "ST_DWithin(" + a + ", " + b + ", @max_distance / cos(radians(ST_Y(ST_Transform(" + a + ", 4326)))))"
}

func airMinutes(a, b string) string {
	return airMeters(a, b) + " * 60.0 / (@speed::double precision * 1000.0)"
}

// airArgs are the parameters shared by the air-distance statements.
type airArgs struct {
	variantID   int64
	speed       float64 // km/h
	maxDistance float64 // meters
}

func (a airArgs) check() error {
	if a.speed <= 0 {
		return eris.Errorf("matrix: air distance needs a speed, got %v", a.speed)
	}
	if a.maxDistance <= 0 {
		return eris.Errorf("matrix: air distance needs a max distance, got %v", a.maxDistance)
	}
	return nil
}

func (a airArgs) args() query.Args {
	return query.Args{
		"variant_id":   a.variantID,
		"speed":        a.speed,
		"max_distance": a.maxDistance,
	}
}

// airCellPlace inserts air-distance travel times from populated cells to the
// places of the infrastructures. placeIDs narrows the places when not nil.
// maxMinutes > 0 drops slower pairs.
func airCellPlace(a airArgs, infrastructureIDs, placeIDs []int64, maxMinutes float64) *query.Fragment {
	args := a.args()
	args["infrastructure_ids"] = infrastructureIDs
	args["place_ids"] = placeIDs
	args["max_minutes"] = maxMinutes

	return query.New("air_cell_place", `
INSERT INTO matrix_cell_place (variant_id, infrastructure_id, cell_id, place_id, minutes)
SELECT @variant_id::bigint, p.infrastructure_id, c.id, p.id, `+airMinutes("c.pnt", "p.geom")+`
FROM raster_cells c
JOIN places p ON `+airWithin("c.pnt", "p.geom")+`
WHERE `+populatedCell+`
  AND p.infrastructure_id = ANY(@infrastructure_ids)
  AND (@place_ids::bigint[] IS NULL OR p.id = ANY(@place_ids))
  AND (@max_minutes::double precision <= 0 OR `+airMinutes("c.pnt", "p.geom")+` <= @max_minutes)`, args)
}

// airCellStop inserts access legs from populated cells to the stops of the
// variant.
func airCellStop(a airArgs) *query.Fragment {
	return query.New("air_cell_stop", `
INSERT INTO matrix_cell_stop (variant_id, cell_id, stop_id, minutes)
SELECT @variant_id::bigint, c.id, s.id, `+airMinutes("c.pnt", "s.geom")+`
FROM raster_cells c
JOIN stops s ON s.variant_id = @variant_id AND `+airWithin("c.pnt", "s.geom")+`
WHERE `+populatedCell, a.args())
}

// airPlaceStop inserts egress legs from the stops of the variant to places.
func airPlaceStop(a airArgs, infrastructureIDs, placeIDs []int64) *query.Fragment {
	args := a.args()
	args["infrastructure_ids"] = infrastructureIDs
	args["place_ids"] = placeIDs

	return query.New("air_place_stop", `
INSERT INTO matrix_place_stop (variant_id, place_id, stop_id, minutes)
SELECT @variant_id::bigint, p.id, s.id, `+airMinutes("p.geom", "s.geom")+`
FROM places p
JOIN stops s ON s.variant_id = @variant_id AND `+airWithin("p.geom", "s.geom")+`
WHERE p.infrastructure_id = ANY(@infrastructure_ids)
  AND (@place_ids::bigint[] IS NULL OR p.id = ANY(@place_ids))`, args)
}

// execAir runs one air-distance statement and returns the rows written.
func execAir(ctx context.Context, q db.Querier, a airArgs, f *query.Fragment) (int64, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	stmt, err := query.Compile(f)
	if err != nil {
		return 0, eris.Wrapf(err, "matrix: compile %s", f.Name)
	}
	tag, err := q.Exec(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, eris.Wrapf(err, "matrix: %s", f.Name)
	}
	return tag.RowsAffected(), nil
}
