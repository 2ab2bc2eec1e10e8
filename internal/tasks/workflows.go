package tasks

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// DefaultActivityTimeout bounds one job when the input carries no timeout.
const DefaultActivityTimeout = 4 * time.Hour

// activityOptions runs a job once. Routing requests are retried by the
// routing client, and a repeated build would only hit the same backend.
func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	if timeout <= 0 {
		timeout = DefaultActivityTimeout
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        1,
			NonRetryableErrorTypes: []string{ErrTypeBusy, ErrTypeNotAcceptable},
		},
	}
}

// BuildMatrixWorkflow builds the matrices of the requested mode variants.
func BuildMatrixWorkflow(ctx workflow.Context, in MatrixInput, timeout time.Duration) (MatrixOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(timeout))
	workflow.GetLogger(ctx).Info("matrix build", "variants", in.Request.VariantIDs)

	var a *Activities
	var out MatrixOutput
	err := workflow.ExecuteActivity(ctx, a.BuildMatrix, in).Get(ctx, &out)
	return out, err
}

// AggregatePopulationWorkflow recomputes the area population of one
// population.
func AggregatePopulationWorkflow(ctx workflow.Context, in PopulationInput, timeout time.Duration) (PopulationOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(timeout))
	workflow.GetLogger(ctx).Info("population aggregation", "population_id", in.PopulationID)

	var a *Activities
	var out PopulationOutput
	err := workflow.ExecuteActivity(ctx, a.AggregatePopulation, in).Get(ctx, &out)
	return out, err
}
