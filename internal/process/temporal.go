package process

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// FinishSignal wakes a workflow parked in manually merge.
const FinishSignal = "finish"

// DefaultStepTimeout bounds one workflow step.
const DefaultStepTimeout = 2 * time.Hour

// DefaultParkCheck is how often a workflow parked in manually merge reads
// the run back from the store.
const DefaultParkCheck = 10 * time.Minute

// WorkflowInput starts a ProcessWorkflow.
type WorkflowInput struct {
	ProcessID   string            `json:"process_id"`
	TenantID    string            `json:"tenant_id"`
	From        model.ProcessName `json:"from"`
	StepTimeout time.Duration     `json:"step_timeout"`
	ParkCheck   time.Duration     `json:"park_check"`
}

// WorkflowID returns the Temporal workflow id of a run.
func WorkflowID(processID string) string {
	return "dedupe-run-" + processID
}

// Activities exposes Steps as Temporal activities.
type Activities struct {
	Steps *Steps
}

// Fetch runs the fetching step.
func (a *Activities) Fetch(ctx context.Context, processID string) (model.ProcessName, error) {
	return a.Steps.Fetch(ctx, processID)
}

// Filter runs the filtering step.
func (a *Activities) Filter(ctx context.Context, processID string) (model.ProcessName, error) {
	return a.Steps.Filter(ctx, processID)
}

// Finalize runs the update hubspot step.
func (a *Activities) Finalize(ctx context.Context, processID string) (model.ProcessName, error) {
	return a.Steps.Finalize(ctx, processID)
}

// State reads the run's current state.
func (a *Activities) State(ctx context.Context, processID string) (model.ProcessName, error) {
	return a.Steps.State(ctx, processID)
}

// ProcessWorkflow drives one run. Steps are not retried: a failed step has
// already moved the run to error, and a run is never retried as a whole.
// In manually merge the workflow waits for FinishSignal, rechecking the
// stored run every ParkCheck so a run finalized, failed or superseded
// elsewhere does not leave it parked forever.
func ProcessWorkflow(ctx workflow.Context, in WorkflowInput) (model.ProcessName, error) {
	timeout := in.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	log := workflow.GetLogger(ctx)
	finish := workflow.GetSignalChannel(ctx, FinishSignal)

	var a *Activities
	state := in.From
	for {
		var step any
		switch state {
		case model.ProcessFetching:
			step = a.Fetch
		case model.ProcessFiltering:
			step = a.Filter
		case model.ProcessManualMerge:
			log.Info("waiting for finish", "process_id", in.ProcessID)
			state = awaitFinish(ctx, in, finish)
			continue
		case model.ProcessUpdateHubspot:
			step = a.Finalize
		default:
			return state, nil
		}

		var next model.ProcessName
		if err := workflow.ExecuteActivity(ctx, step, in.ProcessID).Get(ctx, &next); err != nil {
			return state, err
		}
		if next == state {
			return next, nil
		}
		state = next
	}
}

// awaitFinish parks until FinishSignal arrives or a periodic read of the run
// finds it outside manually merge. It returns the state to continue from.
func awaitFinish(ctx workflow.Context, in WorkflowInput, finish workflow.ReceiveChannel) model.ProcessName {
	every := in.ParkCheck
	if every <= 0 {
		every = DefaultParkCheck
	}
	log := workflow.GetLogger(ctx)
	checkCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})

	var a *Activities
	for {
		timerCtx, cancel := workflow.WithCancel(ctx)
		signaled := false
		sel := workflow.NewSelector(ctx)
		sel.AddReceive(finish, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, nil)
			signaled = true
		})
		sel.AddFuture(workflow.NewTimer(timerCtx, every), func(workflow.Future) {})
		sel.Select(ctx)
		cancel()
		if signaled {
			return model.ProcessUpdateHubspot
		}

		var current model.ProcessName
		if err := workflow.ExecuteActivity(checkCtx, a.State, in.ProcessID).Get(checkCtx, &current); err != nil {
			log.Warn("read run state", "process_id", in.ProcessID, "error", err)
			continue
		}
		if current != model.ProcessManualMerge {
			log.Info("run left manually merge without signal", "process_id", in.ProcessID, "state", string(current))
			return current
		}
	}
}

// TemporalExecutor runs each run as a ProcessWorkflow.
type TemporalExecutor struct {
	client      client.Client
	taskQueue   string
	stepTimeout time.Duration
}

// NewTemporalExecutor creates a TemporalExecutor.
func NewTemporalExecutor(c client.Client, taskQueue string, stepTimeout time.Duration) *TemporalExecutor {
	return &TemporalExecutor{client: c, taskQueue: taskQueue, stepTimeout: stepTimeout}
}

// Launch starts a workflow for the run from its current state.
func (e *TemporalExecutor) Launch(ctx context.Context, p model.ProcessStatus) error {
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(p.ID),
		TaskQueue: e.taskQueue,
	}, ProcessWorkflow, WorkflowInput{
		ProcessID:   p.ID,
		TenantID:    p.TenantID,
		From:        p.ProcessName,
		StepTimeout: e.stepTimeout,
	})
	if err != nil {
		return eris.Wrapf(err, "temporal: start workflow for %s", p.ID)
	}
	zap.L().Info("temporal: workflow started",
		zap.String("tenant", p.TenantID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

// Continue signals the run's workflow to leave manually merge.
func (e *TemporalExecutor) Continue(ctx context.Context, p model.ProcessStatus) error {
	if err := e.client.SignalWorkflow(ctx, WorkflowID(p.ID), "", FinishSignal, nil); err != nil {
		return eris.Wrapf(err, "temporal: signal %s", FinishSignal)
	}
	return nil
}

// Dial connects to the Temporal frontend, logging through zap.
func Dial(hostPort, namespace string) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    NewTemporalLogger(zap.L()),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "temporal: dial %s", hostPort)
	}
	return c, nil
}

// NewWorker registers ProcessWorkflow and the step activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, steps *Steps) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(ProcessWorkflow)
	w.RegisterActivity(&Activities{Steps: steps})
	return w
}

// temporalLogger adapts zap to the Temporal SDK logger.
type temporalLogger struct {
	l *zap.SugaredLogger
}

// NewTemporalLogger wraps l for the Temporal SDK.
func NewTemporalLogger(l *zap.Logger) tlog.Logger {
	return temporalLogger{l: l.WithOptions(zap.AddCallerSkip(1)).Sugar().With("component", "temporal")}
}

func (t temporalLogger) Debug(msg string, keyvals ...interface{}) { t.l.Debugw(msg, keyvals...) }
func (t temporalLogger) Info(msg string, keyvals ...interface{})  { t.l.Infow(msg, keyvals...) }
func (t temporalLogger) Warn(msg string, keyvals ...interface{})  { t.l.Warnw(msg, keyvals...) }
func (t temporalLogger) Error(msg string, keyvals ...interface{}) { t.l.Errorw(msg, keyvals...) }
