package model

import "github.com/twpayne/go-geom"

// DemandType selects how demand rates are interpreted.
type DemandType int

// Demand types.
const (
	DemandQuota     DemandType = 1
	DemandFrequency DemandType = 2
	DemandUniform   DemandType = 3
)

// Factor converts a stored demand rate to a per-person multiplier. Quota
// rates are percentages.
func (d DemandType) Factor() float64 {
	if d == DemandQuota {
		return 0.01
	}
	return 1
}

// Valid reports whether d is a known demand type.
func (d DemandType) Valid() bool {
	return d >= DemandQuota && d <= DemandUniform
}

// WayRelationship states whether travel is measured from the demander to
// the facility or the other way round.
type WayRelationship int

// Way relationships.
const (
	WayToFacility   WayRelationship = 1
	WayFromFacility WayRelationship = 2
)

// Infrastructure groups services and places, e.g. schools.
type Infrastructure struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Service is a kind of provision offered at places of an infrastructure.
type Service struct {
	ID               int64           `json:"id"`
	InfrastructureID int64           `json:"infrastructure_id"`
	Name             string          `json:"name"`
	DemandType       DemandType      `json:"demand_type"`
	Direction        WayRelationship `json:"direction_way_relationship"`
	HasCapacity      bool            `json:"has_capacity"`
	CapacityUnit     string          `json:"capacity_plural_unit,omitempty"`
	FacilityUnit     string          `json:"facility_plural_unit,omitempty"`
	DemandName       string          `json:"demand_plural_unit,omitempty"`
}

// Place is a facility location. ScenarioID is set for places that exist only
// within one scenario.
type Place struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	InfrastructureID int64       `json:"infrastructure_id"`
	ScenarioID       *int64      `json:"scenario_id,omitempty"`
	Geom             *geom.Point `json:"-"`
}

// Capacity is the capacity of one service at one place for a year range.
// ScenarioID nil is the base scenario. FromYear 0 means "since always" and
// ToYear MaxYear means "open ended".
type Capacity struct {
	ID         int64   `json:"id"`
	PlaceID    int64   `json:"place_id"`
	ServiceID  int64   `json:"service_id"`
	ScenarioID *int64  `json:"scenario_id,omitempty"`
	Capacity   float64 `json:"capacity"`
	FromYear   int     `json:"from_year"`
	ToYear     int     `json:"to_year"`
}

// MaxYear is the to_year of an open-ended capacity.
const MaxYear = 99999999

// Covers reports whether the capacity is in effect in year.
func (c Capacity) Covers(year int) bool {
	return c.FromYear <= year && year <= c.ToYear
}
