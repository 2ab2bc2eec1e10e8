package indicator

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/demand"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func ptr[T any](v T) *T { return &v }

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func newDeps(mock pgxmock.PgxPoolIface) Deps {
	return Deps{Pool: mock, Demand: demand.NewResolver(mock, demand.NewFreshness(mock))}
}

// expectDemandInputs mocks the service and population lookups of the demand
// resolver.
func expectDemandInputs(mock pgxmock.PgxPoolIface) {
	mock.ExpectQuery("FROM services s").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"demand_type", "rate_set"}).AddRow(model.DemandQuota, ptr(int64(11))))
	mock.ExpectQuery("FROM populations p").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))
}

func expectFresh(mock pgxmock.PgxPoolIface, fresh bool) {
	mock.ExpectQuery("SELECT up_to_date FROM population_area_levels").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"up_to_date"}).AddRow(fresh))
}

func valueRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "label", "value"})
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(Deps{})
	descs := r.Describe()
	require.Len(t, descs, 14)

	for i := 1; i < len(descs); i++ {
		assert.Less(t, descs[i-1].Name, descs[i].Name)
	}

	ind, err := r.Get("cutoff-area-reachability")
	require.NoError(t, err)
	assert.Equal(t, ShapeArea, ind.Shape())
	assert.True(t, ind.Describe().UsesMatrix)

	ind, err = r.Get("population-age-gender")
	require.NoError(t, err)
	assert.Equal(t, ShapeBreakdown, ind.Shape())
	assert.False(t, ind.Describe().Legend)
}

func TestRegistry_Unknown(t *testing.T) {
	_, err := NewRegistry(Deps{}).Get("nope")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnknownIndicator))
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry(Deps{})
	assert.Error(t, r.Register(demandArea(Deps{})))
	assert.Panics(t, func() { r.MustRegister(demandArea(Deps{})) })
}

func TestCompute_SetsNameAndShape(t *testing.T) {
	ind := &indicator{
		desc: Description{Name: "fixed", Shape: ShapePlace},
		compute: func(context.Context, Params) (Result, error) {
			return Result{Values: []Value{{ID: 1, Value: ptr(2.0)}}}, nil
		},
	}
	res, err := ind.Compute(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.Indicator)
	assert.Equal(t, ShapePlace, res.Shape)
	assert.Len(t, res.Values, 1)
}
