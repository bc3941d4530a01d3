package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// DefaultTaskQueue is the task queue used by remedyd workers.
const DefaultTaskQueue = "remedyd-remediation"

// invariantErrorType tags non-retryable activity failures caused by
// pipeline.ErrInvariant.
const invariantErrorType = "InvariantViolation"

// Outcome is the workflow result.
type Outcome struct {
	State     string
	Reason    string
	Signature string
	Attempts  int
	PRURL     string
}

// Activities holds the activity implementations for RemediationWorkflow.
type Activities struct {
	Runner  Runner
	OnFatal FatalFunc
}

// Remediate drives one event through the orchestrator.
func (a *Activities) Remediate(ctx context.Context, ev pipeline.FailureEvent) (Outcome, error) {
	ctx = logging.WithDelivery(ctx, ev.DeliveryID)
	res, err := a.Runner.Run(ctx, ev)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvariant) && a.OnFatal != nil {
			a.OnFatal(err)
		}
		return Outcome{}, temporal.NewNonRetryableApplicationError(err.Error(), invariantErrorType, err)
	}
	out := Outcome{
		State:     string(res.State),
		Reason:    string(res.Reason),
		Signature: string(res.Signature),
		Attempts:  res.Attempts,
	}
	if res.PullRequest != nil {
		out.PRURL = res.PullRequest.URL
	}
	return out, nil
}

// activities is only used to name the activity method inside the workflow.
var activities *Activities

// RemediationWorkflow runs a single Remediate activity. Temporal retries are
// disabled because the orchestrator owns the retry policy of every step.
func RemediationWorkflow(ctx workflow.Context, ev pipeline.FailureEvent) (Outcome, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting remediation",
		"repository", ev.Repository,
		"run_id", ev.RunID,
		"job_id", ev.JobID,
		"attempt", ev.RunAttempt)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 90 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var out Outcome
	if err := workflow.ExecuteActivity(ctx, activities.Remediate, ev).Get(ctx, &out); err != nil {
		logger.Error("Remediation activity failed", "error", err)
		return Outcome{}, fmt.Errorf("remediate %s: %w", ev.Key(), err)
	}

	logger.Info("Remediation finished",
		"state", out.State,
		"reason", out.Reason,
		"attempts", out.Attempts)
	return out, nil
}

// TemporalOptions configures Temporal dispatch.
type TemporalOptions struct {
	TaskQueue    string
	StartTimeout time.Duration
	OnFatal      FatalFunc
}

// Temporal starts one workflow per event.
type Temporal struct {
	client client.Client
	opts   TemporalOptions
	logger *logging.Logger
	worker worker.Worker
}

// NewTemporal creates a Temporal dispatcher on an already dialled client.
func NewTemporal(c client.Client, opts TemporalOptions, logger *logging.Logger) (*Temporal, error) {
	if c == nil {
		return nil, errors.New("temporal client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.TaskQueue == "" {
		opts.TaskQueue = DefaultTaskQueue
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	return &Temporal{client: c, opts: opts, logger: logger.Named("dispatch")}, nil
}

// Serve starts an in-process worker that executes remediation workflows
// with runner.
func (t *Temporal) Serve(runner Runner) error {
	if runner == nil {
		return errors.New("runner is required")
	}
	w := worker.New(t.client, t.opts.TaskQueue, worker.Options{})
	w.RegisterWorkflow(RemediationWorkflow)
	w.RegisterActivity(&Activities{Runner: runner, OnFatal: t.opts.OnFatal})
	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	t.worker = w
	t.logger.Info(context.Background(), "temporal worker started", zap.String("task_queue", t.opts.TaskQueue))
	return nil
}

// Submit starts the workflow for ev. A workflow already running under the
// same ID is reused.
func (t *Temporal) Submit(ctx context.Context, ev pipeline.FailureEvent) error {
	options := client.StartWorkflowOptions{
		ID:        WorkflowID(ev),
		TaskQueue: t.opts.TaskQueue,
	}

	startCtx, cancel := context.WithTimeout(ctx, t.opts.StartTimeout)
	defer cancel()

	we, err := t.client.ExecuteWorkflow(startCtx, options, RemediationWorkflow, ev)
	if err != nil {
		return pipeline.Transient("start workflow", err)
	}

	t.logger.Info(ctx, "workflow started",
		zap.String("workflow_id", we.GetID()),
		zap.String("run_id", we.GetRunID()),
	)
	return nil
}

// Close stops the in-process worker, if any. The client is owned by the
// caller.
func (t *Temporal) Close(context.Context) error {
	if t.worker != nil {
		t.worker.Stop()
	}
	return nil
}
