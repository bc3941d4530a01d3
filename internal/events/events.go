// Package events publishes remediation state transitions.
//
// Every transition of the orchestrator is emitted as a JSON Transition on
// the subject
//
//	<prefix>.<state>
//
// where state is the lower-cased state name, for example
// remedyd.remediation.validating. Subscribers can follow a single state or
// use remedyd.remediation.> for all of them. Emission is fire-and-forget:
// a broker outage never affects a remediation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "remedyd.remediation"

// Transition is one state change of a remediation.
type Transition struct {
	Signature  fingerprint.Signature `json:"signature"`
	Repository string                `json:"repository"`
	CommitSHA  string                `json:"commit_sha"`
	DeliveryID string                `json:"delivery_id,omitempty"`
	From       string                `json:"from"`
	To         string                `json:"to"`
	Attempt    int                   `json:"attempt"`
	Reason     string                `json:"reason,omitempty"`
	PRURL      string                `json:"pr_url,omitempty"`
	// Unrecorded marks a terminal transition of a run that never owned a
	// ledger entry. Nothing in the ledger will show it.
	Unrecorded bool      `json:"unrecorded,omitempty"`
	At         time.Time `json:"at"`
}

// Emitter receives transitions.
type Emitter interface {
	Emit(ctx context.Context, t Transition)
}

// Subject returns the subject a transition into state is published on.
func Subject(prefix, state string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + strings.ToLower(state)
}

// NATS publishes transitions on a NATS connection.
type NATS struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

var _ Emitter = (*NATS)(nil)

// NewNATS creates an emitter publishing under prefix.
func NewNATS(nc *nats.Conn, prefix string, logger *logging.Logger) (*NATS, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{nc: nc, prefix: prefix, logger: logger.Named("events")}, nil
}

// Emit publishes t. Failures are logged and dropped.
func (n *NATS) Emit(ctx context.Context, t Transition) {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	data, err := json.Marshal(t)
	if err != nil {
		n.logger.Warn(ctx, "marshal transition", zap.Error(err))
		return
	}
	subject := Subject(n.prefix, t.To)
	if err := n.nc.Publish(subject, data); err != nil {
		n.logger.Warn(ctx, "publish transition",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

// Nop discards transitions.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Transition) {}

// Recorder keeps transitions in memory. It is safe for concurrent use.
type Recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

// Emit appends t.
func (r *Recorder) Emit(_ context.Context, t Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	r.mu.Unlock()
}

// Transitions returns a copy of everything recorded so far.
func (r *Recorder) Transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.transitions...)
}

// States returns the target state of each recorded transition in order.
func (r *Recorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.transitions))
	for i, t := range r.transitions {
		out[i] = t.To
	}
	return out
}

// Multi fans a transition out to several emitters.
type Multi []Emitter

// Emit forwards t to every emitter.
func (m Multi) Emit(ctx context.Context, t Transition) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, t)
		}
	}
}
