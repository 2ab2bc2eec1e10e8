package indicator

import (
	"context"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/query"
)

var (
	serviceParams = []ParamSpec{
		{Name: ParamService, Required: true},
		{Name: ParamScenario},
		{Name: ParamYear, Required: true},
	}
	areaServiceParams = append([]ParamSpec{{Name: ParamAreaLevel, Required: true}}, serviceParams...)
)

func demandArea(d Deps) Indicator {
	return &indicator{
		desc: Description{
			Name:        "demand-area",
			Title:       "Demand per area",
			Description: "Expected demand for the service in each area, from population by age group and gender times the demand rates.",
			Shape:       ShapeArea,
			Params:      areaServiceParams,
			Legend:      true,
		},
		compute: func(ctx context.Context, p Params) (Result, error) {
			agg, err := d.Demand.AreaFragment(ctx, p.demandRequest(), p.AreaLevelID)
			if err != nil {
				return Result{}, err
			}
			return areaResult(ctx, d.Pool, "demand-area", p.AreaLevelID, agg, "agg.value")
		},
	}
}

func populationArea(d Deps) Indicator {
	return &indicator{
		desc: Description{
			Name:        "population-area",
			Title:       "Population per area",
			Description: "Inhabitants of each area, optionally restricted to age groups and genders.",
			Shape:       ShapeArea,
			Params: []ParamSpec{
				{Name: ParamAreaLevel, Required: true},
				{Name: ParamYear, Required: true},
				{Name: ParamScenario},
				{Name: ParamPrognosis},
				{Name: ParamAgeGroups},
				{Name: ParamGenders},
			},
			Legend: true,
		},
		compute: func(ctx context.Context, p Params) (Result, error) {
			agg, err := d.Demand.PopulationFragment(ctx, p.populationRequest(), p.AreaLevelID)
			if err != nil {
				return Result{}, err
			}
			return areaResult(ctx, d.Pool, "population-area", p.AreaLevelID, agg, "agg.value")
		},
	}
}

// An area without active places has zero of them, so counts and capacities
// are never null.

func numberOfLocations(d Deps) Indicator {
	return &indicator{
		desc: Description{
			Name:        "number-of-locations",
			Title:       "Number of locations",
			Description: "Places with capacity for the service in each area.",
			Shape:       ShapeArea,
			Params:      areaServiceParams,
			Legend:      true,
		},
		compute: func(ctx context.Context, p Params) (Result, error) {
			return areaResult(ctx, d.Pool, "number-of-locations", p.AreaLevelID, placesInArea(p), "COALESCE(agg.places, 0)")
		},
	}
}

func totalCapacity(d Deps) Indicator {
	return &indicator{
		desc: Description{
			Name:        "total-capacity-in-area",
			Title:       "Total capacity",
			Description: "Summed capacity of the service's places in each area.",
			Shape:       ShapeArea,
			Params:      areaServiceParams,
			Legend:      true,
		},
		compute: func(ctx context.Context, p Params) (Result, error) {
			return areaResult(ctx, d.Pool, "total-capacity-in-area", p.AreaLevelID, placesInArea(p), "COALESCE(agg.capacity, 0)")
		},
	}
}

// supplyRatio divides area demand by a column of places_in_area. The ratio
// is null without demand or when the divisor is zero.
func supplyRatio(ctx context.Context, d Deps, name string, p Params, column string) (Result, error) {
	dem, err := d.Demand.AreaFragment(ctx, p.demandRequest(), p.AreaLevelID)
	if err != nil {
		return Result{}, err
	}
	ratio := query.New("ratio", `
SELECT al.area_id,
       CASE WHEN COALESCE(pa.`+column+`, 0) = 0 THEN NULL
            ELSE ad.value / pa.`+column+` END AS value
FROM area_labels al
LEFT JOIN area_demand ad ON ad.area_id = al.area_id
LEFT JOIN places_in_area pa ON pa.area_id = al.area_id`, nil, areaLabels(p.AreaLevelID), dem, placesInArea(p))
	return areaResult(ctx, d.Pool, name, p.AreaLevelID, ratio, "agg.value")
}

func demandPerFacility(d Deps) Indicator {
	return &indicator{
		desc: Description{
			Name:        "demand-per-facility",
			Title:       "Demand per location",
			Description: "Demand in each area divided by the number of places with capacity in it.",
			Shape:       ShapeArea,
			Params:      areaServiceParams,
			Legend:      true,
		},
		compute: func(ctx context.Context, p Params) (Result, error) {
			return supplyRatio(ctx, d, "demand-per-facility", p, "places")
		},
	}
}

func demandPerCapacity(d Deps) Indicator {
	return &indicator{
		desc: Description{
			Name:        "demand-per-capacity",
			Title:       "Demand per capacity",
			Description: "Demand in each area divided by the capacity of the places in it.",
			Shape:       ShapeArea,
			Params:      areaServiceParams,
			Legend:      true,
		},
		compute: func(ctx context.Context, p Params) (Result, error) {
			return supplyRatio(ctx, d, "demand-per-capacity", p, "capacity")
		},
	}
}
