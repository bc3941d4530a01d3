package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

type fakeRunner struct {
	mu      sync.Mutex
	keys    []string
	err     error
	entered chan string
	gate    chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, ev pipeline.FailureEvent) (orchestrator.Result, error) {
	if f.entered != nil {
		f.entered <- ev.Key()
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return orchestrator.Result{State: orchestrator.StateAborted, Reason: pipeline.ReasonCancelled}, nil
		}
	}
	f.mu.Lock()
	f.keys = append(f.keys, ev.Key())
	f.mu.Unlock()
	if f.err != nil {
		return orchestrator.Result{}, f.err
	}
	return orchestrator.Result{
		State:       orchestrator.StateDone,
		Signature:   "3f2a9c0d1e4b",
		Attempts:    1,
		PullRequest: &pipeline.PullRequestHandle{Number: 7, URL: "https://github.com/acme/api/pull/7"},
	}, nil
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func event(run int64) pipeline.FailureEvent {
	return pipeline.FailureEvent{
		DeliveryID: fmt.Sprintf("delivery-%d", run),
		Repository: "acme/api",
		RunID:      run,
		RunAttempt: 1,
		JobID:      900,
		CommitSHA:  "abc1234def5678abc1234def5678abc1234def56",
	}
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "remediate-acme-api-42-900-1", WorkflowID(event(42)))
}

func TestLocal_RunsSubmittedEvents(t *testing.T) {
	runner := &fakeRunner{}
	d, err := NewLocal(runner, LocalOptions{Workers: 2, QueueSize: 8}, logging.NewNop())
	require.NoError(t, err)
	d.Start(context.Background())

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, d.Submit(context.Background(), event(i)))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.ElementsMatch(t, []string{
		"acme-api-1-900-1", "acme-api-2-900-1", "acme-api-3-900-1",
		"acme-api-4-900-1", "acme-api-5-900-1",
	}, runner.ran())
}

func TestLocal_QueueFull(t *testing.T) {
	runner := &fakeRunner{entered: make(chan string, 4), gate: make(chan struct{})}
	d, err := NewLocal(runner, LocalOptions{Workers: 1, QueueSize: 1}, logging.NewNop())
	require.NoError(t, err)
	d.Start(context.Background())

	require.NoError(t, d.Submit(context.Background(), event(1)))
	<-runner.entered
	require.NoError(t, d.Submit(context.Background(), event(2)))

	err = d.Submit(context.Background(), event(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, d.Depth())

	close(runner.gate)
	require.NoError(t, d.Close(context.Background()))
	assert.ElementsMatch(t, []string{"acme-api-1-900-1", "acme-api-2-900-1"}, runner.ran())
}

func TestLocal_SubmitAfterClose(t *testing.T) {
	d, err := NewLocal(&fakeRunner{}, LocalOptions{}, logging.NewNop())
	require.NoError(t, err)

	assert.ErrorIs(t, d.Submit(context.Background(), event(1)), ErrClosed)

	d.Start(context.Background())
	require.NoError(t, d.Close(context.Background()))
	assert.ErrorIs(t, d.Submit(context.Background(), event(1)), ErrClosed)
}

func TestLocal_InvariantIsFatal(t *testing.T) {
	invariant := pipeline.Invariant("ledger release for %s: not owner", "3f2a9c0d1e4b")
	runner := &fakeRunner{err: invariant}

	var fatal []error
	var mu sync.Mutex
	logger := logging.NewTestLogger()
	d, err := NewLocal(runner, LocalOptions{
		Workers:   1,
		QueueSize: 4,
		OnFatal: func(err error) {
			mu.Lock()
			fatal = append(fatal, err)
			mu.Unlock()
		},
	}, logger.Logger)
	require.NoError(t, err)
	d.Start(context.Background())

	require.NoError(t, d.Submit(context.Background(), event(1)))

	err = d.Close(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrInvariant)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fatal, 1)
	assert.ErrorIs(t, fatal[0], pipeline.ErrInvariant)
	logger.AssertLogged(t, zapcore.ErrorLevel, "invariant violation, stopping dispatcher")
}

func TestLocal_OrdinaryErrorsKeepWorking(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	d, err := NewLocal(runner, LocalOptions{Workers: 1, QueueSize: 4}, logging.NewNop())
	require.NoError(t, err)
	d.Start(context.Background())

	require.NoError(t, d.Submit(context.Background(), event(1)))
	require.NoError(t, d.Submit(context.Background(), event(2)))
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, runner.ran(), 2)
}

func TestLocal_CloseDeadlineCancelsRuns(t *testing.T) {
	runner := &fakeRunner{entered: make(chan string, 1), gate: make(chan struct{})}
	d, err := NewLocal(runner, LocalOptions{Workers: 1, QueueSize: 1}, logging.NewNop())
	require.NoError(t, err)
	d.Start(context.Background())

	require.NoError(t, d.Submit(context.Background(), event(1)))
	<-runner.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Empty(t, runner.ran())
}

func TestNewLocal_RequiresRunner(t *testing.T) {
	_, err := NewLocal(nil, LocalOptions{}, logging.NewNop())
	assert.Error(t, err)
}

func TestRemediationWorkflow(t *testing.T) {
	t.Run("returns the orchestrator outcome", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		a := &Activities{Runner: &fakeRunner{}}
		env.RegisterWorkflow(RemediationWorkflow)
		env.RegisterActivity(a)

		env.ExecuteWorkflow(RemediationWorkflow, event(42))

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var out Outcome
		require.NoError(t, env.GetWorkflowResult(&out))
		assert.Equal(t, "DONE", out.State)
		assert.Equal(t, 1, out.Attempts)
		assert.Equal(t, "https://github.com/acme/api/pull/7", out.PRURL)
	})

	t.Run("activity runs exactly once", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		a := &Activities{Runner: &fakeRunner{}}
		env.RegisterWorkflow(RemediationWorkflow)
		env.RegisterActivity(a)
		env.OnActivity(a.Remediate, mock.Anything, mock.Anything).
			Return(Outcome{}, errors.New("worker lost")).Once()

		env.ExecuteWorkflow(RemediationWorkflow, event(42))

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		env.AssertExpectations(t)
	})

	t.Run("invariant violation is fatal", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		var fatal error
		a := &Activities{
			Runner:  &fakeRunner{err: pipeline.Invariant("illegal transition")},
			OnFatal: func(err error) { fatal = err },
		}
		env.RegisterWorkflow(RemediationWorkflow)
		env.RegisterActivity(a)

		env.ExecuteWorkflow(RemediationWorkflow, event(42))

		require.True(t, env.IsWorkflowCompleted())
		err := env.GetWorkflowError()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "illegal transition")
		assert.ErrorIs(t, fatal, pipeline.ErrInvariant)
	})
}

func TestTemporal_Submit(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("remediate-acme-api-42-900-1")
	run.On("GetRunID").Return("run-1")

	c.On("ExecuteWorkflow", mock.Anything,
		mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
			return o.ID == "remediate-acme-api-42-900-1" && o.TaskQueue == DefaultTaskQueue
		}),
		mock.Anything, event(42),
	).Return(run, nil).Once()

	d, err := NewTemporal(c, TemporalOptions{}, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, d.Submit(context.Background(), event(42)))
	require.NoError(t, d.Close(context.Background()))

	c.AssertExpectations(t)
}

func TestTemporal_SubmitErrorIsTransient(t *testing.T) {
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused"))

	d, err := NewTemporal(c, TemporalOptions{TaskQueue: "q"}, logging.NewNop())
	require.NoError(t, err)

	err = d.Submit(context.Background(), event(42))
	require.Error(t, err)
	assert.True(t, pipeline.IsTransient(err))
}

func TestNewTemporal_RequiresClient(t *testing.T) {
	_, err := NewTemporal(nil, TemporalOptions{}, logging.NewNop())
	assert.Error(t, err)
}
