package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/remedyd/internal/events"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateAbortedDup, true},
		{StateReceived, StateContextBuilt, true},
		{StateReceived, StateFailed, true},
		{StateReceived, StateGenerating, false},
		{StateContextBuilt, StateGenerating, true},
		{StateContextBuilt, StateFailed, false},
		{StateGenerating, StateValidating, true},
		{StateGenerating, StatePublishing, false},
		{StateValidating, StateGenerating, true},
		{StateValidating, StatePublishing, true},
		{StateValidating, StateDone, false},
		{StatePublishing, StateDone, true},
		{StatePublishing, StateGenerating, false},
		{StateDone, StateFailed, false},
		{StateAbortedDup, StateContextBuilt, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEveryActiveStateCanAbort(t *testing.T) {
	for from := range transitions {
		if from.Terminal() {
			continue
		}
		assert.True(t, CanTransition(from, StateAborted), from)
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed, StateAbortedDup, StateAborted} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateReceived, StateContextBuilt, StateGenerating, StateValidating, StatePublishing} {
		assert.False(t, s.Terminal(), s)
	}
	assert.False(t, State("BOGUS").Terminal())
}

func TestIllegalTransitionIsInvariant(t *testing.T) {
	rec := &events.Recorder{}
	o := &Orchestrator{deps: Deps{Events: rec}, logger: logging.NewNop()}
	r := &run{o: o, state: StateDone, span: trace.SpanFromContext(context.Background())}

	err := r.to(context.Background(), StateGenerating, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrInvariant)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateDone, te.From)
	assert.Equal(t, StateDone, r.state)
	assert.Empty(t, rec.Transitions())
}
