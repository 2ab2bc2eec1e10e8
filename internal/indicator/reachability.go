package indicator

import (
	"context"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/query"
)

var reachParams = append([]ParamSpec{{Name: ParamMode}, {Name: ParamVariant}}, serviceParams...)

// reach gathers what every travel-time indicator needs: the variant and the
// demand per cell.
func reach(ctx context.Context, d Deps, name string, p Params) (int64, *query.Fragment, error) {
	variant, err := variantID(ctx, d.Pool, name, p)
	if err != nil {
		return 0, nil, err
	}
	cells, err := d.Demand.CellFragment(ctx, p.demandRequest())
	if err != nil {
		return 0, nil, err
	}
	return variant, cells, nil
}

// areaReach aggregates the minutes to the nearest place over the demand
// cells of each area. Areas without reachable demand are null.
func areaReach(d Deps, desc Description, expr string) Indicator {
	desc.Shape = ShapeArea
	desc.Params = append([]ParamSpec{{Name: ParamAreaLevel, Required: true}}, reachParams...)
	desc.Legend = true
	desc.UsesMatrix = true
	return &indicator{
		desc: desc,
		compute: func(ctx context.Context, p Params) (Result, error) {
			variant, cells, err := reach(ctx, d, desc.Name, p)
			if err != nil {
				return Result{}, err
			}
			agg := query.New("area_reach", `
SELECT w.area_id, `+expr+` AS value
FROM area_weights w
JOIN nearest n ON n.cell_id = w.cell_id
GROUP BY w.area_id`, nil, areaWeights(p.AreaLevelID, cells), nearest(p, variant))
			return areaResult(ctx, d.Pool, desc.Name, p.AreaLevelID, agg, "agg.value")
		},
	}
}

func averageAreaReachability(d Deps) Indicator {
	return areaReach(d, Description{
		Name:        "average-area-reachability",
		Title:       "Average travel time",
		Description: "Demand-weighted mean of the minutes from each cell of the area to its nearest place.",
	}, "SUM(w.weight * n.minutes) / NULLIF(SUM(w.weight), 0)")
}

func maxAreaReachability(d Deps) Indicator {
	return areaReach(d, Description{
		Name:        "max-area-reachability",
		Title:       "Maximum travel time",
		Description: "Longest trip from a populated cell of the area to its nearest place.",
	}, "MAX(n.minutes)")
}

func cutoffAreaReachability(d Deps) Indicator {
	const name = "cutoff-area-reachability"
	return &indicator{
		desc: Description{
			Name:        name,
			Title:       "Demand within reach",
			Description: "Share in percent of the area's demand that reaches its nearest place within the cutoff minutes.",
			Shape:       ShapeArea,
			Params: append([]ParamSpec{
				{Name: ParamAreaLevel, Required: true},
				{Name: ParamCutoff, Required: true},
			}, reachParams...),
			Legend:     true,
			UsesMatrix: true,
		},
		compute: func(ctx context.Context, p Params) (Result, error) {
			variant, cells, err := reach(ctx, d, name, p)
			if err != nil {
				return Result{}, err
			}
			// Cells without any reachable place count as outside the cutoff.
			agg := query.New("area_reach", `
SELECT w.area_id,
       SUM(COALESCE(n.minutes <= @cutoff, false)::int * w.weight) * 100.0 / NULLIF(SUM(w.weight), 0) AS value
FROM area_weights w
LEFT JOIN nearest n ON n.cell_id = w.cell_id
GROUP BY w.area_id`, query.Args{"cutoff": *p.Cutoff}, areaWeights(p.AreaLevelID, cells), nearest(p, variant))
			return areaResult(ctx, d.Pool, name, p.AreaLevelID, agg, "agg.value")
		},
	}
}

// placeReach aggregates over the catchment of each place: the cells whose
// nearest place it is. Active places with an empty catchment are null.
func placeReach(d Deps, desc Description, expr string) Indicator {
	desc.Shape = ShapePlace
	desc.Params = reachParams
	desc.Legend = true
	desc.UsesMatrix = true
	return &indicator{
		desc: desc,
		compute: func(ctx context.Context, p Params) (Result, error) {
			variant, cells, err := reach(ctx, d, desc.Name, p)
			if err != nil {
				return Result{}, err
			}
			catchment := query.New("catchment", `
SELECT n.place_id, `+expr+` AS value
FROM nearest n
JOIN cell_demand cd ON cd.cell_id = n.cell_id
WHERE cd.value > 0
GROUP BY n.place_id`, nil, nearest(p, variant), cells)
			values, err := readValues(ctx, d.Pool, desc.Name, query.New("", `
SELECT ap.place_id, p.name, c.value
FROM active_places ap
JOIN places p ON p.id = ap.place_id
LEFT JOIN catchment c ON c.place_id = ap.place_id
WHERE p.infrastructure_id = (SELECT s.infrastructure_id FROM services s WHERE s.id = @service_id)
ORDER BY ap.place_id`, query.Args{"service_id": p.ServiceID}, catchment))
			if err != nil {
				return Result{}, err
			}
			return Result{Values: values}, nil
		},
	}
}

func maxPlaceReachability(d Deps) Indicator {
	return placeReach(d, Description{
		Name:        "max-place-reachability",
		Title:       "Maximum travel time to the place",
		Description: "Longest trip to the place from the cells for which it is the nearest one.",
	}, "MAX(n.minutes)")
}

func averagePlaceReachability(d Deps) Indicator {
	return placeReach(d, Description{
		Name:        "average-place-reachability",
		Title:       "Average travel time to the place",
		Description: "Demand-weighted mean trip to the place from the cells for which it is the nearest one.",
	}, "SUM(cd.value * n.minutes) / NULLIF(SUM(cd.value), 0)")
}

func maxRasterReachability(d Deps) Indicator {
	const name = "max-raster-reachability"
	return &indicator{
		desc: Description{
			Name:        name,
			Title:       "Travel time to the nearest place",
			Description: "Minutes from each raster cell to the closest place of the service.",
			Shape:       ShapeRaster,
			Params:      reachParams,
			Legend:      true,
			UsesMatrix:  true,
		},
		compute: func(ctx context.Context, p Params) (Result, error) {
			variant, err := variantID(ctx, d.Pool, name, p)
			if err != nil {
				return Result{}, err
			}
			values, err := readValues(ctx, d.Pool, name, query.New("", `
SELECT rc.id, rc.cellcode, n.minutes
FROM nearest n
JOIN raster_cells rc ON rc.id = n.cell_id
ORDER BY rc.id`, nil, nearest(p, variant)))
			if err != nil {
				return Result{}, err
			}
			return Result{Values: values}, nil
		},
	}
}
