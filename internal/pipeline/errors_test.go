package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"wrapped transient", fmt.Errorf("fetch: %w", Transient("log", errors.New("503"))), true},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"transient wrapping cancel", Transient("op", context.Canceled), false},
		{"unfixable", ErrUnfixable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransient_Nil(t *testing.T) {
	assert.NoError(t, Transient("op", nil))
}

func TestInvariant(t *testing.T) {
	err := Invariant("illegal move %s -> %s", "DONE", "GENERATING")
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Contains(t, err.Error(), "DONE -> GENERATING")
}

func TestValidationFailed(t *testing.T) {
	var err error = &ValidationFailed{Feedback: Feedback{Kind: FeedbackApply, Message: "patch does not apply: hunk 1"}}
	var vf *ValidationFailed
	assert.True(t, errors.As(fmt.Errorf("attempt 1: %w", err), &vf))
	assert.Equal(t, FeedbackApply, vf.Feedback.Kind)
}

func TestFailureEvent_Helpers(t *testing.T) {
	ev := FailureEvent{Repository: "acme/api", Workflow: "CI", JobName: "test", RunID: 9, JobID: 3, RunAttempt: 2}
	assert.Equal(t, "acme", ev.Owner())
	assert.Equal(t, "api", ev.Name())
	assert.Equal(t, "acme-api-9-3-2", ev.Key())
	assert.Equal(t, "test", ev.Identity().Job)
}

func TestRemediationRequest_Attempts(t *testing.T) {
	req := &RemediationRequest{}
	assert.Equal(t, 1, req.NextAttempt())
	req.AddFeedback(Feedback{Attempt: 1, Message: "still fails the original check"})
	assert.Equal(t, 2, req.NextAttempt())
	assert.Len(t, req.Feedback, 1)
}
