package orchestrator

import (
	"fmt"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// State is a state of the remediation state machine.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateContextBuilt State = "CONTEXT_BUILT"
	StateGenerating   State = "GENERATING"
	StateValidating   State = "VALIDATING"
	StatePublishing   State = "PUBLISHING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
	StateAbortedDup   State = "ABORTED_DUP"
	StateAborted      State = "ABORTED"
)

// transitions lists every legal move. ABORTED is reachable from any
// non-terminal state through cancellation.
var transitions = map[State][]State{
	StateReceived:     {StateAbortedDup, StateContextBuilt, StateFailed, StateAborted},
	StateContextBuilt: {StateGenerating, StateAborted},
	StateGenerating:   {StateValidating, StateFailed, StateAborted},
	StateValidating:   {StatePublishing, StateGenerating, StateFailed, StateAborted},
	StatePublishing:   {StateDone, StateFailed, StateAborted},
	StateDone:         {},
	StateFailed:       {},
	StateAbortedDup:   {},
	StateAborted:      {},
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether the table allows from → to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is a move that is not in the table. It unwraps to
// pipeline.ErrInvariant.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal remediation transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return pipeline.ErrInvariant }

// Phases recorded in the ledger before each side-effecting step.
const (
	phaseGenerating = "generating"
	phaseValidating = "validating"
	phasePublishing = "publishing"
)

// Result is the terminal outcome of one run.
type Result struct {
	State       State
	Reason      pipeline.Reason
	Signature   fingerprint.Signature
	Attempts    int
	PullRequest *pipeline.PullRequestHandle
	// Candidate is the published candidate on DONE.
	Candidate *pipeline.PatchCandidate
	// Err is the cause of a FAILED or ABORTED outcome.
	Err error
}
