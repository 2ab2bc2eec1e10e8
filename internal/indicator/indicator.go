// Package indicator computes accessibility and supply indicators per area,
// place or raster cell. Every indicator pushes its joins and aggregations
// into one SQL statement composed from the demand, capacity and matrix
// relations.
package indicator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/demand"
)

// Shape is the kind of entity an indicator reports values for.
type Shape string

// Result shapes.
const (
	ShapeArea      Shape = "area"
	ShapePlace     Shape = "place"
	ShapeRaster    Shape = "raster"
	ShapeBreakdown Shape = "population"
)

// ParamSpec describes one parameter of an indicator.
type ParamSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// Description is the metadata of an indicator.
type Description struct {
	Name        string      `json:"name"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Shape       Shape       `json:"result_type"`
	Params      []ParamSpec `json:"params"`
	// Legend marks indicators shown with a color ramp.
	Legend bool `json:"legend"`
	// UsesMatrix marks indicators that read travel times.
	UsesMatrix bool `json:"-"`
}

// Value is the value of one entity. Value is nil when there is no data.
type Value struct {
	ID    int64    `json:"id"`
	Label string   `json:"label,omitempty"`
	Value *float64 `json:"value"`
}

// Result is the output of one computation.
type Result struct {
	Indicator string             `json:"indicator"`
	Shape     Shape              `json:"result_type"`
	Values    []Value            `json:"values,omitempty"`
	Breakdown []demand.Breakdown `json:"breakdown,omitempty"`
	Legend    []LegendClass      `json:"legend,omitempty"`
}

// Indicator is one computable indicator.
type Indicator interface {
	Name() string
	Describe() Description
	Shape() Shape
	Compute(ctx context.Context, p Params) (Result, error)
}

// Deps are the collaborators indicators read from.
type Deps struct {
	Pool   db.Pool
	Demand *demand.Resolver
}

// indicator adapts a description and a compute function.
type indicator struct {
	desc    Description
	compute func(ctx context.Context, p Params) (Result, error)
}

func (i *indicator) Name() string          { return i.desc.Name }
func (i *indicator) Describe() Description { return i.desc }
func (i *indicator) Shape() Shape          { return i.desc.Shape }

// Compute validates p against the description before computing.
func (i *indicator) Compute(ctx context.Context, p Params) (Result, error) {
	if err := check(i.desc, p); err != nil {
		return Result{}, err
	}
	res, err := i.compute(ctx, p)
	if errors.Is(err, demand.ErrUnknownService) {
		return Result{}, badRequest(i.desc.Name, ParamService, fmt.Sprintf("unknown service %d", p.ServiceID))
	}
	if err != nil {
		return Result{}, err
	}
	res.Indicator = i.desc.Name
	res.Shape = i.desc.Shape
	return res, nil
}

// Registry maps names to indicators.
type Registry struct {
	byName map[string]Indicator
}

// NewRegistry returns a registry holding every indicator of this package.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{byName: map[string]Indicator{}}
	for _, ind := range []Indicator{
		demandArea(deps),
		populationArea(deps),
		numberOfLocations(deps),
		totalCapacity(deps),
		demandPerFacility(deps),
		demandPerCapacity(deps),
		averageAreaReachability(deps),
		maxAreaReachability(deps),
		cutoffAreaReachability(deps),
		maxPlaceReachability(deps),
		averagePlaceReachability(deps),
		maxRasterReachability(deps),
		demandRaster(deps),
		populationAgeGender(deps),
	} {
		r.MustRegister(ind)
	}
	return r
}

// Register adds ind. Names must be unique.
func (r *Registry) Register(ind Indicator) error {
	if _, ok := r.byName[ind.Name()]; ok {
		return eris.Errorf("indicator: %q registered twice", ind.Name())
	}
	r.byName[ind.Name()] = ind
	return nil
}

// MustRegister is Register that panics on a duplicate name.
func (r *Registry) MustRegister(ind Indicator) {
	if err := r.Register(ind); err != nil {
		panic(err)
	}
}

// Get returns the indicator called name.
func (r *Registry) Get(name string) (Indicator, error) {
	ind, ok := r.byName[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownIndicator, "%q", name)
	}
	return ind, nil
}

// Describe lists all indicators ordered by name.
func (r *Registry) Describe() []Description {
	out := make([]Description, 0, len(r.byName))
	for _, ind := range r.byName {
		out = append(out, ind.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
