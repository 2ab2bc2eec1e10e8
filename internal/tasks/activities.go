// Package tasks runs the long jobs of the backend (matrix builds and
// population aggregation) in the background, either on a Temporal worker or
// in-process. Either way the outcome is recorded in the task log and a job
// whose scope is already running is refused with proclock.ErrBusy.
package tasks

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/demand"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/matrix"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
)

// Task kinds recorded in the task log.
const (
	KindMatrix     = "matrix_build"
	KindPopulation = "population_aggregate"
)

// Application error types of failed activities. Neither is retried.
const (
	ErrTypeBusy          = "Busy"
	ErrTypeNotAcceptable = "NotAcceptable"
)

// MatrixBuilder builds travel-time matrices.
type MatrixBuilder interface {
	Build(ctx context.Context, req matrix.Request) ([]matrix.Result, error)
}

// PopulationAggregator recomputes area population from cell population.
type PopulationAggregator interface {
	AggregateLevel(ctx context.Context, populationID, levelID int64) (int64, error)
	AggregateAll(ctx context.Context, populationID int64) (int64, error)
}

// PopulationDisaggregator distributes entered population to raster cells.
type PopulationDisaggregator interface {
	Disaggregate(ctx context.Context, populationID int64) (*demand.Report, error)
}

// TaskRecorder records task outcomes.
type TaskRecorder interface {
	Accept(ctx context.Context, scope, kind, message string) (uuid.UUID, error)
	Start(ctx context.Context, id uuid.UUID, scope, kind string) (uuid.UUID, error)
	Complete(ctx context.Context, id uuid.UUID, rows int64, message string) error
	Reject(ctx context.Context, id uuid.UUID, message string) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
}

// MatrixInput is the input of a matrix build.
type MatrixInput struct {
	TaskID  uuid.UUID      `json:"task_id"`
	Request matrix.Request `json:"request"`
}

// MatrixOutput is the outcome of a matrix build.
type MatrixOutput struct {
	Results []matrix.Result `json:"results"`
	Rows    int64           `json:"rows"`
}

// PopulationInput is the input of a population job. With Disaggregate the
// entered population is first distributed to raster cells. AreaLevelID
// limits the aggregation to one level; zero means every active level.
type PopulationInput struct {
	TaskID       uuid.UUID `json:"task_id"`
	PopulationID int64     `json:"population_id"`
	AreaLevelID  int64     `json:"area_level_id,omitempty"`
	Disaggregate bool      `json:"disaggregate,omitempty"`
	Holder       string    `json:"holder,omitempty"`
}

// PopulationOutput is the outcome of a population job.
type PopulationOutput struct {
	Rows   int64          `json:"rows"`
	Report *demand.Report `json:"report,omitempty"`
}

// MatrixScope is the task log scope of a build of variantIDs.
func MatrixScope(variantIDs []int64) string {
	ids := slices.Clone(variantIDs)
	slices.Sort(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "matrix:" + strings.Join(parts, ",")
}

// PopulationScope is the process lock and task log scope of a population.
func PopulationScope(populationID int64) string {
	return "population:" + strconv.FormatInt(populationID, 10)
}

// Activities are the task bodies. The exported methods are registered with
// Temporal; LocalRunner calls the unexported ones.
type Activities struct {
	builder MatrixBuilder
	agg     PopulationAggregator
	disagg  PopulationDisaggregator
	locker  *proclock.Locker
	tasks   TaskRecorder
	log     *zap.Logger
}

// NewActivities creates the task bodies. disagg may be nil if population
// entries are never distributed.
func NewActivities(builder MatrixBuilder, agg PopulationAggregator, disagg PopulationDisaggregator, locker *proclock.Locker, tasks TaskRecorder) *Activities {
	return &Activities{
		builder: builder,
		agg:     agg,
		disagg:  disagg,
		locker:  locker,
		tasks:   tasks,
		log:     zap.L().With(zap.String("component", "tasks")),
	}
}

// BuildMatrix builds the requested matrices.
func (a *Activities) BuildMatrix(ctx context.Context, in MatrixInput) (MatrixOutput, error) {
	out, err := a.buildMatrix(ctx, in)
	return out, applicationError(err)
}

// AggregatePopulation recomputes the area population of a population.
func (a *Activities) AggregatePopulation(ctx context.Context, in PopulationInput) (PopulationOutput, error) {
	out, err := a.aggregatePopulation(ctx, in)
	return out, applicationError(err)
}

func (a *Activities) buildMatrix(ctx context.Context, in MatrixInput) (MatrixOutput, error) {
	scope := MatrixScope(in.Request.VariantIDs)
	id, err := a.tasks.Start(ctx, in.TaskID, scope, KindMatrix)
	if err != nil {
		return MatrixOutput{}, err
	}

	results, err := a.builder.Build(ctx, in.Request)
	out := MatrixOutput{Results: results}
	for _, r := range results {
		out.Rows += r.Rows
	}
	a.finish(ctx, id, scope, out.Rows, err)
	return out, err
}

func (a *Activities) aggregatePopulation(ctx context.Context, in PopulationInput) (out PopulationOutput, err error) {
	scope := PopulationScope(in.PopulationID)
	id, err := a.tasks.Start(ctx, in.TaskID, scope, KindPopulation)
	if err != nil {
		return out, err
	}
	defer func() {
		a.finish(ctx, id, scope, out.Rows, err)
	}()

	lock, err := a.locker.Acquire(ctx, scope, in.Holder)
	if err != nil {
		return out, err
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			a.log.Warn("release population lock", zap.String("scope", scope), zap.Error(rerr))
		}
	}()

	switch {
	case in.Disaggregate:
		if a.disagg == nil {
			return out, eris.New("tasks: no disaggregator configured")
		}
		out.Report, err = a.disagg.Disaggregate(ctx, in.PopulationID)
		if out.Report != nil {
			out.Rows = out.Report.CellRows
		}
	case in.AreaLevelID != 0:
		out.Rows, err = a.agg.AggregateLevel(ctx, in.PopulationID, in.AreaLevelID)
	default:
		out.Rows, err = a.agg.AggregateAll(ctx, in.PopulationID)
	}
	return out, err
}

// finish records the outcome of a task. Busy and refused builds are
// not_acceptable, everything else that failed is failed.
func (a *Activities) finish(ctx context.Context, id uuid.UUID, scope string, rows int64, err error) {
	var rerr error
	switch {
	case err == nil:
		rerr = a.tasks.Complete(ctx, id, rows, "")
		a.log.Info("task complete", zap.String("scope", scope), zap.Int64("rows", rows))
	case errors.Is(err, proclock.ErrBusy):
		rerr = a.tasks.Reject(ctx, id, err.Error())
		a.log.Info("task refused, scope busy", zap.String("scope", scope))
	case isNotAcceptable(err):
		rerr = a.tasks.Reject(ctx, id, err.Error())
		a.log.Warn("task not acceptable", zap.String("scope", scope), zap.Error(err))
	default:
		rerr = a.tasks.Fail(ctx, id, err.Error())
		a.log.Error("task failed", zap.String("scope", scope), zap.Error(err))
	}
	if rerr != nil {
		a.log.Warn("record task outcome", zap.String("scope", scope), zap.Error(rerr))
	}
}

func isNotAcceptable(err error) bool {
	re, ok := matrix.AsRoutingError(err)
	return ok && re.Status == matrix.StatusNotAcceptable
}

// applicationError marks busy and refused jobs as non-retryable with a type
// callers can match on.
func applicationError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, proclock.ErrBusy):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeBusy, err)
	case isNotAcceptable(err):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeNotAcceptable, err)
	default:
		return err
	}
}

// FromApplicationError maps a Temporal failure back to proclock.ErrBusy or
// a not-acceptable matrix.RoutingError.
func FromApplicationError(err error) error {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return err
	}
	switch appErr.Type() {
	case ErrTypeBusy:
		return eris.Wrap(proclock.ErrBusy, appErr.Error())
	case ErrTypeNotAcceptable:
		return &matrix.RoutingError{Status: matrix.StatusNotAcceptable, Message: appErr.Error()}
	default:
		return err
	}
}
