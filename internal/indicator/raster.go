package indicator

import (
	"context"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/query"
)

func demandRaster(d Deps) Indicator {
	const name = "demand-raster"
	return &indicator{
		desc: Description{
			Name:        name,
			Title:       "Demand per raster cell",
			Description: "Expected demand for the service in each populated raster cell.",
			Shape:       ShapeRaster,
			Params:      serviceParams,
			Legend:      true,
		},
		compute: func(ctx context.Context, p Params) (Result, error) {
			cells, err := d.Demand.CellFragment(ctx, p.demandRequest())
			if err != nil {
				return Result{}, err
			}
			values, err := readValues(ctx, d.Pool, name, query.New("", `
SELECT rc.id, rc.cellcode, cd.value
FROM cell_demand cd
JOIN raster_cells rc ON rc.id = cd.cell_id
ORDER BY rc.id`, nil, cells))
			if err != nil {
				return Result{}, err
			}
			return Result{Values: values}, nil
		},
	}
}

func populationAgeGender(d Deps) Indicator {
	return &indicator{
		desc: Description{
			Name:        "population-age-gender",
			Title:       "Population by age group and gender",
			Description: "Inhabitants of the selected areas, or of the whole planning region, per age group and gender.",
			Shape:       ShapeBreakdown,
			Params: []ParamSpec{
				{Name: ParamYear, Required: true},
				{Name: ParamScenario},
				{Name: ParamPrognosis},
				{Name: ParamAreas},
				{Name: ParamAgeGroups},
				{Name: ParamGenders},
			},
		},
		compute: func(ctx context.Context, p Params) (Result, error) {
			rows, err := d.Demand.PopulationBreakdown(ctx, p.populationRequest(), p.AreaIDs)
			if err != nil {
				return Result{}, err
			}
			return Result{Breakdown: rows}, nil
		},
	}
}
