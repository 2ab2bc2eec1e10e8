package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/matrix"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
)

// Ticket identifies an accepted job.
type Ticket struct {
	TaskID     uuid.UUID `json:"task_id"`
	Scope      string    `json:"scope"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
}

// Runner starts jobs in the background. Both methods return as soon as the
// job is accepted, or proclock.ErrBusy if its scope is already running.
type Runner interface {
	BuildMatrix(ctx context.Context, req matrix.Request) (Ticket, error)
	AggregatePopulation(ctx context.Context, in PopulationInput) (Ticket, error)
}

var errNoVariants = eris.New("tasks: no mode variants requested")

// Starter runs jobs as Temporal workflows. The workflow id is the job's
// scope, so a second start of a running scope is refused by the server.
type Starter struct {
	client  client.Client
	queue   string
	timeout time.Duration
	tasks   TaskRecorder
	log     *zap.Logger
}

// NewStarter creates a Starter submitting to queue.
func NewStarter(c client.Client, queue string, timeout time.Duration, tasks TaskRecorder) *Starter {
	return &Starter{
		client:  c,
		queue:   queue,
		timeout: timeout,
		tasks:   tasks,
		log:     zap.L().With(zap.String("component", "tasks.starter")),
	}
}

// BuildMatrix starts a BuildMatrixWorkflow.
func (s *Starter) BuildMatrix(ctx context.Context, req matrix.Request) (Ticket, error) {
	if len(req.VariantIDs) == 0 {
		return Ticket{}, errNoVariants
	}
	scope := MatrixScope(req.VariantIDs)
	id, err := s.tasks.Accept(ctx, scope, KindMatrix, "")
	if err != nil {
		return Ticket{}, err
	}
	return s.execute(ctx, id, scope, BuildMatrixWorkflow, MatrixInput{TaskID: id, Request: req})
}

// AggregatePopulation starts an AggregatePopulationWorkflow.
func (s *Starter) AggregatePopulation(ctx context.Context, in PopulationInput) (Ticket, error) {
	scope := PopulationScope(in.PopulationID)
	id, err := s.tasks.Accept(ctx, scope, KindPopulation, "")
	if err != nil {
		return Ticket{}, err
	}
	in.TaskID = id
	return s.execute(ctx, id, scope, AggregatePopulationWorkflow, in)
}

func (s *Starter) execute(ctx context.Context, id uuid.UUID, scope string, wf, in any) (Ticket, error) {
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       scope,
		TaskQueue:                                s.queue,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		WorkflowIDConflictPolicy:                 enumspb.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
	}, wf, in, s.timeout)

	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		if rerr := s.tasks.Reject(ctx, id, proclock.ErrBusy.Error()); rerr != nil {
			s.log.Warn("record refused task", zap.String("scope", scope), zap.Error(rerr))
		}
		return Ticket{}, eris.Wrap(proclock.ErrBusy, scope)
	}
	if err != nil {
		if ferr := s.tasks.Fail(ctx, id, err.Error()); ferr != nil {
			s.log.Warn("record failed task", zap.String("scope", scope), zap.Error(ferr))
		}
		return Ticket{}, eris.Wrapf(err, "tasks: start %s", scope)
	}

	s.log.Info("workflow started",
		zap.String("scope", scope),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return Ticket{TaskID: id, Scope: scope, WorkflowID: run.GetID(), RunID: run.GetRunID()}, nil
}

// LocalRunner runs jobs on goroutines of the calling process. Jobs outlive
// the request that started them; Wait blocks until all have finished.
type LocalRunner struct {
	acts   *Activities
	locker *proclock.Locker
	tasks  TaskRecorder
	wg     sync.WaitGroup
}

// NewLocalRunner creates a LocalRunner.
func NewLocalRunner(acts *Activities, locker *proclock.Locker, tasks TaskRecorder) *LocalRunner {
	return &LocalRunner{acts: acts, locker: locker, tasks: tasks}
}

// BuildMatrix starts a build unless one of its variants is being built.
func (r *LocalRunner) BuildMatrix(ctx context.Context, req matrix.Request) (Ticket, error) {
	if len(req.VariantIDs) == 0 {
		return Ticket{}, errNoVariants
	}
	for _, v := range req.VariantIDs {
		if err := r.idle(ctx, matrix.Scope(v)); err != nil {
			return Ticket{}, err
		}
	}

	scope := MatrixScope(req.VariantIDs)
	id, err := r.tasks.Accept(ctx, scope, KindMatrix, "")
	if err != nil {
		return Ticket{}, err
	}
	jobCtx := context.WithoutCancel(ctx)
	r.wg.Go(func() {
		_, _ = r.acts.buildMatrix(jobCtx, MatrixInput{TaskID: id, Request: req})
	})
	return Ticket{TaskID: id, Scope: scope}, nil
}

// AggregatePopulation starts an aggregation unless the population is being
// aggregated.
func (r *LocalRunner) AggregatePopulation(ctx context.Context, in PopulationInput) (Ticket, error) {
	scope := PopulationScope(in.PopulationID)
	if err := r.idle(ctx, scope); err != nil {
		return Ticket{}, err
	}

	id, err := r.tasks.Accept(ctx, scope, KindPopulation, "")
	if err != nil {
		return Ticket{}, err
	}
	in.TaskID = id
	jobCtx := context.WithoutCancel(ctx)
	r.wg.Go(func() {
		_, _ = r.acts.aggregatePopulation(jobCtx, in)
	})
	return Ticket{TaskID: id, Scope: scope}, nil
}

// Wait blocks until every started job has finished.
func (r *LocalRunner) Wait() {
	r.wg.Wait()
}

// idle refuses a scope whose lock is held. The job itself still acquires the
// lock, so a start racing with this check is refused there.
func (r *LocalRunner) idle(ctx context.Context, scope string) error {
	st, err := r.locker.Status(ctx, scope)
	if err != nil {
		return err
	}
	if st.IsRunning {
		return eris.Wrap(proclock.ErrBusy, scope)
	}
	return nil
}
