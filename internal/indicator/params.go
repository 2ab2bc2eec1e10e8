package indicator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/capacity"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/demand"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
)

// ErrUnknownIndicator is returned for a name not in the registry.
var ErrUnknownIndicator = errors.New("indicator: unknown indicator")

// Params are the inputs of a computation. Which ones an indicator needs is
// listed in its Description.
type Params struct {
	ServiceID   int64      `json:"service,omitempty" validate:"omitempty,gt=0"`
	ScenarioID  *int64     `json:"scenario,omitempty" validate:"omitempty,gt=0"`
	Year        int        `json:"year,omitempty" validate:"omitempty,gte=0,lte=99999999"`
	Mode        model.Mode `json:"mode,omitempty" validate:"omitempty,min=1,max=4"`
	VariantID   *int64     `json:"variant,omitempty" validate:"omitempty,gt=0"`
	AreaLevelID int64      `json:"area_level,omitempty" validate:"omitempty,gt=0"`
	Cutoff      *float64   `json:"cutoff,omitempty" validate:"omitempty,gte=0"`
	PrognosisID *int64     `json:"prognosis,omitempty" validate:"omitempty,gt=0"`
	AgeGroupIDs []int64    `json:"age_groups,omitempty" validate:"omitempty,dive,gt=0"`
	GenderIDs   []int64    `json:"genders,omitempty" validate:"omitempty,dive,gt=0"`
	AreaIDs     []int64    `json:"areas,omitempty" validate:"omitempty,dive,gt=0"`
}

// Parameter names as they appear in requests.
const (
	ParamService   = "service"
	ParamScenario  = "scenario"
	ParamYear      = "year"
	ParamMode      = "mode"
	ParamVariant   = "variant"
	ParamAreaLevel = "area_level"
	ParamCutoff    = "cutoff"
	ParamPrognosis = "prognosis"
	ParamAgeGroups = "age_groups"
	ParamGenders   = "genders"
	ParamAreas     = "areas"
)

// has reports whether the named parameter is set.
func (p Params) has(name string) bool {
	switch name {
	case ParamService:
		return p.ServiceID != 0
	case ParamScenario:
		return p.ScenarioID != nil
	case ParamYear:
		return p.Year != 0
	case ParamMode:
		return p.Mode != 0
	case ParamVariant:
		return p.VariantID != nil
	case ParamAreaLevel:
		return p.AreaLevelID != 0
	case ParamCutoff:
		return p.Cutoff != nil
	case ParamPrognosis:
		return p.PrognosisID != nil
	case ParamAgeGroups:
		return len(p.AgeGroupIDs) > 0
	case ParamGenders:
		return len(p.GenderIDs) > 0
	case ParamAreas:
		return len(p.AreaIDs) > 0
	}
	return false
}

func (p Params) demandRequest() demand.Request {
	return demand.Request{ServiceID: p.ServiceID, ScenarioID: p.ScenarioID, Year: p.Year}
}

func (p Params) populationRequest() demand.PopulationRequest {
	return demand.PopulationRequest{
		Year:        p.Year,
		ScenarioID:  p.ScenarioID,
		PrognosisID: p.PrognosisID,
		AgeGroupIDs: p.AgeGroupIDs,
		GenderIDs:   p.GenderIDs,
	}
}

func (p Params) capacityFilter() capacity.Filter {
	year := p.Year
	return capacity.Filter{ServiceIDs: []int64{p.ServiceID}, ScenarioID: p.ScenarioID, Year: &year}
}

// BadRequestError is a parameter the caller has to fix. It is never retried.
type BadRequestError struct {
	Indicator string
	Param     string
	Message   string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("indicator %s: parameter %s: %s", e.Indicator, e.Param, e.Message)
}

// IsBadRequest reports whether err is a BadRequestError.
func IsBadRequest(err error) bool {
	var br *BadRequestError
	return errors.As(err, &br)
}

func badRequest(name, param, msg string) *BadRequestError {
	return &BadRequestError{Indicator: name, Param: param, Message: msg}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check validates ranges and the parameters d requires.
func check(d Description, p Params) error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return badRequest(d.Name, fe.Field(), fmt.Sprintf("failed %q check (value %v)", fe.Tag(), fe.Value()))
		}
		return badRequest(d.Name, "", err.Error())
	}
	for _, ps := range d.Params {
		if ps.Required && !p.has(ps.Name) {
			return badRequest(d.Name, ps.Name, "is required")
		}
	}
	return nil
}
