// Package ledger records in-flight and recently finished remediations by
// failure signature. It is the deduplication gate of the pipeline: for any
// signature at most one owner holds a non-terminal entry at a time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// State is the lifecycle state of a ledger entry.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateAborted   State = "ABORTED"
)

var transitions = map[State][]State{
	StateReceived:  {StateActive, StateFailed, StateAborted},
	StateActive:    {StateActive, StateCompleted, StateFailed, StateAborted},
	StateCompleted: {},
	StateFailed:    {},
	StateAborted:   {},
}

// Terminal reports whether s ends the entry lifecycle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

var (
	// ErrNotFound means no live entry exists for the signature.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrNotOwner means the entry was reclaimed by another owner.
	ErrNotOwner = errors.New("ledger: not the entry owner")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger: closed")
)

// TransitionError signals a state change not in the table. It unwraps to
// pipeline.ErrInvariant.
type TransitionError struct {
	Signature string
	From      State
	To        State
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("ledger %s: invalid transition from %s to %s", e.Signature, e.From, e.To)
}

func (e TransitionError) Unwrap() error { return pipeline.ErrInvariant }

func validateTransition(sig string, from, to State) error {
	allowed, ok := transitions[from]
	if !ok {
		return TransitionError{Signature: sig, From: from, To: to}
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return TransitionError{Signature: sig, From: from, To: to}
}

// Entry is the ledger record for one signature.
type Entry struct {
	Signature  fingerprint.Signature `json:"signature"`
	State      State                 `json:"state"`
	Owner      string                `json:"owner"`
	Repository string                `json:"repository"`
	CommitSHA  string                `json:"commit_sha"`
	DeliveryID string                `json:"delivery_id,omitempty"`
	Phase      string                `json:"phase,omitempty"`
	Attempts   int                   `json:"attempts"`
	PRNumber   int                   `json:"pr_number,omitempty"`
	PRURL      string                `json:"pr_url,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	Duplicates int                   `json:"duplicates"`
	Reclaims   int                   `json:"reclaims,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
	FinishedAt time.Time             `json:"finished_at,omitempty"`
}

// Claim is a request to start remediating a signature.
type Claim struct {
	Signature  fingerprint.Signature
	Repository string
	CommitSHA  string
	DeliveryID string
}

// Progress is recorded before each side-effecting step.
type Progress struct {
	Phase    string
	Attempts int
}

// Outcome is the terminal result written by Release.
type Outcome struct {
	State    State
	Reason   string
	Attempts int
	PRNumber int
	PRURL    string
}

// Ledger is the deduplication gate. Implementations must make Acquire
// atomic: concurrent claims for one signature yield exactly one winner.
type Ledger interface {
	// Acquire creates a RECEIVED entry owned by a fresh token. When a live
	// entry exists it returns that entry with accepted=false and counts the
	// duplicate in the same atomic step.
	Acquire(ctx context.Context, c Claim) (entry Entry, accepted bool, err error)
	Activate(ctx context.Context, sig fingerprint.Signature, owner string) error
	Progress(ctx context.Context, sig fingerprint.Signature, owner string, p Progress) error
	Release(ctx context.Context, sig fingerprint.Signature, owner string, o Outcome) error
	Get(ctx context.Context, sig fingerprint.Signature) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Options tune entry lifetimes.
type Options struct {
	// Retention keeps terminal entries to absorb re-deliveries. Default: 15m
	Retention time.Duration
	// StaleAfter makes a non-terminal entry reclaimable once it has not been
	// updated for this long. Default: 30m
	StaleAfter time.Duration
	// SweepInterval is how often expired entries are evicted. Default: 1m
	SweepInterval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Retention <= 0 {
		o.Retention = 15 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// expired reports whether a terminal entry has outlived its retention.
func (o *Options) expired(e *Entry, now time.Time) bool {
	return e.State.Terminal() && !e.FinishedAt.IsZero() && now.Sub(e.FinishedAt) >= o.Retention
}

// stale reports whether a non-terminal entry may be reclaimed.
func (o *Options) stale(e *Entry, now time.Time) bool {
	return !e.State.Terminal() && now.Sub(e.UpdatedAt) >= o.StaleAfter
}

// claim computes the entry after a claim against existing (nil if absent).
func (o *Options) claim(existing *Entry, c Claim, now time.Time) (Entry, bool) {
	switch {
	case existing == nil || o.expired(existing, now):
		return Entry{
			Signature:  c.Signature,
			State:      StateReceived,
			Owner:      uuid.NewString(),
			Repository: c.Repository,
			CommitSHA:  c.CommitSHA,
			DeliveryID: c.DeliveryID,
			StartedAt:  now,
			UpdatedAt:  now,
		}, true
	case o.stale(existing, now):
		e := *existing
		e.State = StateReceived
		e.Owner = uuid.NewString()
		e.Repository = c.Repository
		e.CommitSHA = c.CommitSHA
		e.DeliveryID = c.DeliveryID
		e.Phase = ""
		e.Attempts = 0
		e.Reclaims++
		e.StartedAt = now
		e.UpdatedAt = now
		return e, true
	default:
		e := *existing
		e.Duplicates++
		return e, false
	}
}

// mutate applies one owner write to e.
func mutate(e *Entry, owner string, to State, now time.Time, fn func(*Entry)) error {
	if e.Owner != owner {
		return ErrNotOwner
	}
	if err := validateTransition(string(e.Signature), e.State, to); err != nil {
		return err
	}
	e.State = to
	e.UpdatedAt = now
	if fn != nil {
		fn(e)
	}
	if to.Terminal() {
		e.FinishedAt = now
	}
	return nil
}

func applyProgress(p Progress) func(*Entry) {
	return func(e *Entry) {
		if p.Phase != "" {
			e.Phase = p.Phase
		}
		if p.Attempts > e.Attempts {
			e.Attempts = p.Attempts
		}
	}
}

func applyOutcome(o Outcome) func(*Entry) {
	return func(e *Entry) {
		e.Reason = o.Reason
		if o.Attempts > e.Attempts {
			e.Attempts = o.Attempts
		}
		if o.PRURL != "" {
			e.PRURL = o.PRURL
			e.PRNumber = o.PRNumber
		}
		e.Phase = ""
	}
}
