package model

import "github.com/twpayne/go-geom"

// AgeGroup is a population age bracket.
type AgeGroup struct {
	ID      int64 `json:"id"`
	FromAge int   `json:"from_age"`
	ToAge   int   `json:"to_age"`
}

// Gender is a population gender category.
type Gender struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Prognosis is a population projection. Real data years have no prognosis.
type Prognosis struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// Population is a snapshot for one year, optionally of a prognosis.
type Population struct {
	ID          int64  `json:"id"`
	Year        int    `json:"year"`
	PrognosisID *int64 `json:"prognosis_id,omitempty"`
}

// PopulationValue is one age-group/gender count of an area or raster cell.
type PopulationValue struct {
	PopulationID int64   `json:"population_id"`
	OwnerID      int64   `json:"owner_id"`
	AgeGroupID   int64   `json:"age_group_id"`
	GenderID     int64   `json:"gender_id"`
	Value        float64 `json:"value"`
}

// PopulationAreaLevel records whether the precomputed area population of a
// level is consistent with the raster cell population.
type PopulationAreaLevel struct {
	PopulationID int64 `json:"population_id"`
	AreaLevelID  int64 `json:"area_level_id"`
	UpToDate     bool  `json:"up_to_date"`
}

// RasterCell is a fixed-size grid cell. Point is the cell centroid.
type RasterCell struct {
	ID       int64         `json:"id"`
	CellCode string        `json:"cellcode"`
	Point    *geom.Point   `json:"-"`
	Polygon  *geom.Polygon `json:"-"`
}

// AreaCell is the share of a raster cell's population attributed to an area.
type AreaCell struct {
	AreaID int64   `json:"area_id"`
	CellID int64   `json:"cell_id"`
	Share  float64 `json:"share_area_of_cell"`
}

// DemandRateSet is a named set of rates for one service.
type DemandRateSet struct {
	ID        int64  `json:"id"`
	ServiceID int64  `json:"service_id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// DemandRate is the rate for one year, age group and gender.
type DemandRate struct {
	RateSetID  int64   `json:"demand_rate_set_id"`
	Year       int     `json:"year"`
	AgeGroupID int64   `json:"age_group_id"`
	GenderID   int64   `json:"gender_id"`
	Value      float64 `json:"value"`
}

// Scenario is a planning variant overriding base capacities, places and
// demand rate sets.
type Scenario struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	PrognosisID *int64 `json:"prognosis_id,omitempty"`
}

// ScenarioService binds a demand rate set to a service within a scenario.
type ScenarioService struct {
	ScenarioID int64 `json:"scenario_id"`
	ServiceID  int64 `json:"service_id"`
	RateSetID  int64 `json:"demand_rate_set_id"`
}
