package indicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/capacity"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/query"
)

// areaLabels is "area_labels"(area_id, label) of a level. The label is the
// value of the level's label field, or the area id.
func areaLabels(levelID int64) *query.Fragment {
	return query.New("area_labels", `
SELECT a.id AS area_id, COALESCE(attr.str_value, attr.num_value::text, fc.value, a.id::text) AS label
FROM areas a
LEFT JOIN area_fields f ON f.area_level_id = a.area_level_id AND f.is_label
LEFT JOIN area_attributes attr ON attr.area_id = a.id AND attr.field_id = f.id
LEFT JOIN field_classes fc ON fc.id = attr.class_id
WHERE a.area_level_id = @area_level_id`, query.Args{"area_level_id": levelID})
}

// placesInArea is "places_in_area"(area_id, places, capacity): the active
// places intersecting each area of the level.
func placesInArea(p Params) *query.Fragment {
	return query.New("places_in_area", `
SELECT a.id AS area_id, COUNT(ap.place_id)::double precision AS places, SUM(ap.capacity) AS capacity
FROM areas a
JOIN places p ON ST_Intersects(a.geom, p.geom)
JOIN active_places ap ON ap.place_id = p.id
WHERE a.area_level_id = @area_level_id
GROUP BY a.id`, query.Args{"area_level_id": p.AreaLevelID}, capacity.ActiveFragment(p.capacityFilter()))
}

// nearest is "nearest"(cell_id, place_id, minutes): per raster cell the
// closest active place of the service's infrastructure.
func nearest(p Params, variantID int64) *query.Fragment {
	return query.New("nearest", `
SELECT cell_id, place_id, minutes
FROM (
  SELECT m.cell_id, m.place_id, m.minutes,
         row_number() OVER (PARTITION BY m.cell_id ORDER BY m.minutes, m.place_id) AS rn
  FROM matrix_cell_place m
  JOIN active_places ap ON ap.place_id = m.place_id
  WHERE m.variant_id = @variant_id
    AND m.infrastructure_id = (SELECT s.infrastructure_id FROM services s WHERE s.id = @service_id)
) ranked
WHERE rn = 1`,
		query.Args{"variant_id": variantID, "service_id": p.ServiceID},
		capacity.ActiveFragment(p.capacityFilter()))
}

// areaWeights is "area_weights"(area_id, cell_id, weight): the demand of
// each cell attributed to the areas of the level by overlap share.
func areaWeights(levelID int64, cellDemand *query.Fragment) *query.Fragment {
	return query.New("area_weights", `
SELECT ac.area_id, ac.cell_id, cd.value * ac.share_area_of_cell AS weight
FROM cell_demand cd
JOIN area_cells ac ON ac.cell_id = cd.cell_id
JOIN areas a ON a.id = ac.area_id
WHERE a.area_level_id = @area_level_id AND cd.value > 0`,
		query.Args{"area_level_id": levelID}, cellDemand)
}

// variantID returns the explicit variant or the default variant of the
// requested mode.
func variantID(ctx context.Context, q db.Querier, name string, p Params) (int64, error) {
	if p.VariantID != nil {
		return *p.VariantID, nil
	}
	if p.Mode == 0 {
		return 0, badRequest(name, ParamMode, "mode or variant is required")
	}

	var id int64
	err := q.QueryRow(ctx, `SELECT id FROM mode_variants WHERE mode = $1 AND is_default`, p.Mode).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, badRequest(name, ParamMode, fmt.Sprintf("no default variant for mode %s", p.Mode))
	}
	if err != nil {
		return 0, eris.Wrap(err, "indicator: default variant")
	}
	return id, nil
}

// readValues runs final, which selects (id, label, value), into values.
func readValues(ctx context.Context, q db.Querier, name string, final *query.Fragment) ([]Value, error) {
	st, err := query.Compile(final)
	if err != nil {
		return nil, eris.Wrapf(err, "indicator: compile %s", name)
	}

	rows, err := q.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, eris.Wrapf(err, "indicator: compute %s", name)
	}
	defer rows.Close()

	var out []Value
	for rows.Next() {
		var v Value
		if err := rows.Scan(&v.ID, &v.Label, &v.Value); err != nil {
			return nil, eris.Wrapf(err, "indicator: scan %s", name)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// areaResult reads one value per area of the level. Areas missing from agg
// get a null value; expr is the value expression over agg (alias "agg").
func areaResult(ctx context.Context, q db.Querier, name string, levelID int64, agg *query.Fragment, expr string) (Result, error) {
	values, err := readValues(ctx, q, name, query.New("", `
SELECT al.area_id, al.label, `+expr+`
FROM area_labels al
LEFT JOIN `+agg.Name+` agg ON agg.area_id = al.area_id
ORDER BY al.area_id`, nil, areaLabels(levelID), agg))
	if err != nil {
		return Result{}, err
	}
	return Result{Values: values}, nil
}
