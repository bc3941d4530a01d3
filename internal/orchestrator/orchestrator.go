package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/contextbuilder"
	"github.com/fyrsmithlabs/remedyd/internal/events"
	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/fixmemory"
	"github.com/fyrsmithlabs/remedyd/internal/ledger"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/validator"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/orchestrator"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// ContextBuilder produces the remediation request in two phases.
type ContextBuilder interface {
	Diagnose(ctx context.Context, ev pipeline.FailureEvent) (contextbuilder.Diagnosis, error)
	Complete(ctx context.Context, ev pipeline.FailureEvent, d contextbuilder.Diagnosis) (*pipeline.RemediationRequest, error)
}

// Proposer generates candidates.
type Proposer interface {
	Propose(ctx context.Context, req *pipeline.RemediationRequest, feedback []pipeline.Feedback) (pipeline.PatchCandidate, error)
}

// Validator checks a candidate against the failing commit.
type Validator interface {
	Validate(ctx context.Context, target validator.Target, cand pipeline.PatchCandidate) (validator.Verdict, error)
}

// Publisher opens the pull request for an accepted candidate.
type Publisher interface {
	Publish(ctx context.Context, cand pipeline.PatchCandidate, req *pipeline.RemediationRequest) (pipeline.PullRequestHandle, error)
	CommentOnRepeat(ctx context.Context, prNumber int, req *pipeline.RemediationRequest) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Builder   ContextBuilder
	Proposer  Proposer
	Validator Validator
	Publisher Publisher
	Memory    fixmemory.Memory
	Ledger    ledger.Ledger
	Events    events.Emitter
	Metrics   *Metrics
}

// Options holds the state machine tunables.
type Options struct {
	// MaxAttempts bounds candidates tried per request. Default: 3
	MaxAttempts int
	// SimilarityThreshold is the minimum similarity at which a retrieved
	// fix is tried before generating one. Default: 0.85
	SimilarityThreshold float64

	ProposeTimeout  time.Duration
	ValidateTimeout time.Duration
	PublishTimeout  time.Duration

	// Retry governs call-site retries of timed out validations and
	// publishes.
	Retry retry.Policy

	// Now overrides the clock of FixRecords in tests.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.SimilarityThreshold == 0 {
		o.SimilarityThreshold = 0.85
	}
	if o.ProposeTimeout == 0 {
		o.ProposeTimeout = 3 * time.Minute
	}
	if o.ValidateTimeout == 0 {
		o.ValidateTimeout = 15 * time.Minute
	}
	if o.PublishTimeout == 0 {
		o.PublishTimeout = time.Minute
	}
	if o.Retry.MaxRetries == 0 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Orchestrator drives failure events through the remediation state
// machine. It is safe for concurrent use; each Run owns its request.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *logging.Logger

	writeBacks sync.WaitGroup
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, logger *logging.Logger) (*Orchestrator, error) {
	switch {
	case deps.Builder == nil:
		return nil, errors.New("context builder is required")
	case deps.Proposer == nil:
		return nil, errors.New("proposer is required")
	case deps.Validator == nil:
		return nil, errors.New("validator is required")
	case deps.Publisher == nil:
		return nil, errors.New("publisher is required")
	case deps.Memory == nil:
		return nil, errors.New("fix memory is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	opts.applyDefaults()
	opts.Retry.Logger = logger
	return &Orchestrator{deps: deps, opts: opts, logger: logger.Named("orchestrator")}, nil
}

// Wait blocks until pending fix memory write-backs finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.writeBacks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes one failure event to a terminal state. Every outcome,
// including FAILED and ABORTED, is reported through the Result; the
// returned error is non-nil only for invariant violations, which wrap
// pipeline.ErrInvariant.
func (o *Orchestrator) Run(ctx context.Context, ev pipeline.FailureEvent) (Result, error) {
	ctx = logging.WithDelivery(ctx, ev.DeliveryID)
	ctx = logging.WithRemediation(ctx, logging.Remediation{
		Repository: ev.Repository,
		RunID:      ev.RunID,
		JobID:      ev.JobID,
		Attempt:    ev.RunAttempt,
	})
	ctx, span := tracer().Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("repository", ev.Repository),
		attribute.Int64("run_id", ev.RunID),
		attribute.String("event", ev.Key()),
	))
	defer span.End()

	o.deps.Metrics.started()
	defer o.deps.Metrics.stopped()

	r := &run{o: o, ev: ev, state: StateReceived, span: span, start: time.Now()}
	res, err := r.execute(ctx)
	res.State = r.state
	res.Signature = r.sig
	if r.req != nil {
		res.Attempts = r.req.Attempts
	}

	span.SetAttributes(
		attribute.String("state", string(res.State)),
		attribute.String("reason", string(res.Reason)),
		attribute.Int("attempts", res.Attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error(ctx, "remediation invariant violated", zap.Error(err))
		return res, err
	}
	if res.State.Terminal() {
		o.deps.Metrics.finished(res, time.Since(r.start).Seconds())
	}
	return res, nil
}

// run is the state of one Run call.
type run struct {
	o     *Orchestrator
	ev    pipeline.FailureEvent
	state State
	span  trace.Span
	start time.Time

	sig   fingerprint.Signature
	owner string
	req   *pipeline.RemediationRequest
	// unrecorded is set when the run ends without owning a ledger entry.
	unrecorded bool
}

func (r *run) execute(ctx context.Context) (Result, error) {
	o := r.o

	diag, diagErr := o.deps.Builder.Diagnose(ctx, r.ev)
	if ctx.Err() != nil {
		return r.abortUnclaimed(ctx)
	}
	r.sig = diag.Signature
	ctx = logging.WithSignature(ctx, r.sig.String())
	r.span.SetAttributes(attribute.String("signature", r.sig.Short(12)))

	entry, accepted, err := o.deps.Ledger.Acquire(ctx, ledger.Claim{
		Signature:  r.sig,
		Repository: r.ev.Repository,
		CommitSHA:  r.ev.CommitSHA,
		DeliveryID: r.ev.DeliveryID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return r.abortUnclaimed(ctx)
		}
		if errors.Is(err, pipeline.ErrInvariant) {
			return Result{}, err
		}
		o.logger.Error(ctx, "ledger acquire failed, dropping event", zap.Error(err))
		r.unrecorded = true
		if terr := r.to(ctx, StateFailed, pipeline.ReasonTransientExhausted); terr != nil {
			return Result{}, terr
		}
		o.deps.Metrics.dropped(pipeline.ReasonTransientExhausted)
		return Result{Reason: pipeline.ReasonTransientExhausted, Err: fmt.Errorf("acquiring ledger entry: %w", err)}, nil
	}
	if !accepted {
		return r.duplicate(ctx, entry)
	}
	r.owner = entry.Owner

	if diagErr != nil {
		return r.fail(ctx, pipeline.ReasonContextUnavailable, diagErr)
	}

	req, err := o.deps.Builder.Complete(ctx, r.ev, diag)
	if err != nil {
		if ctx.Err() != nil {
			return r.abort(ctx)
		}
		return r.fail(ctx, pipeline.ReasonContextUnavailable, err)
	}
	r.req = req

	if err := o.deps.Ledger.Activate(ctx, r.sig, r.owner); err != nil {
		if ctx.Err() != nil {
			return r.abort(ctx)
		}
		return Result{}, r.ledgerError("activate", err)
	}
	if err := r.to(ctx, StateContextBuilt, ""); err != nil {
		return Result{}, err
	}
	if err := r.to(ctx, StateGenerating, ""); err != nil {
		return Result{}, err
	}

	cand, res, err := r.loop(ctx)
	if res != nil || err != nil {
		if res == nil {
			res = &Result{}
		}
		return *res, err
	}
	return r.publish(ctx, cand)
}

// loop alternates generation and validation until a candidate is
// accepted or the attempt budget is spent. A non-nil Result or error means
// the run ended inside the loop.
func (r *run) loop(ctx context.Context) (pipeline.PatchCandidate, *Result, error) {
	o := r.o
	tried := make(map[string]bool)

	end := func(res Result, err error) (pipeline.PatchCandidate, *Result, error) {
		return pipeline.PatchCandidate{}, &res, err
	}
	for {
		attempt := r.req.NextAttempt()
		if err := r.progress(ctx, phaseGenerating); err != nil {
			return end(r.stopOnLedger(ctx, err))
		}

		cand, err := r.selectCandidate(ctx, tried)
		if err != nil {
			return end(r.generationFailed(ctx, err))
		}
		tried[cand.ID] = true

		if err := r.to(ctx, StateValidating, ""); err != nil {
			return pipeline.PatchCandidate{}, nil, err
		}
		verdict, err := r.validate(ctx, cand)
		if err != nil {
			return end(r.validationError(ctx, err))
		}
		if verdict.Accepted {
			o.logger.Info(ctx, "candidate accepted",
				zap.String("candidate", cand.ID),
				zap.String("source", string(cand.Source)),
				zap.Int("attempt", attempt),
				zap.String("check", verdict.Check),
			)
			return cand, nil, nil
		}

		fb := verdict.Feedback
		fb.Attempt = attempt
		fb.CandidateID = cand.ID
		r.req.AddFeedback(fb)
		o.logger.Info(ctx, "candidate rejected",
			zap.String("candidate", cand.ID),
			zap.Int("attempt", attempt),
			zap.String("kind", string(fb.Kind)),
		)

		if attempt >= o.opts.MaxAttempts {
			return end(r.fail(ctx, pipeline.ReasonValidationExhausted, &pipeline.ValidationFailed{Feedback: fb}))
		}
		if err := r.to(ctx, StateGenerating, ""); err != nil {
			return pipeline.PatchCandidate{}, nil, err
		}
	}
}

// selectCandidate returns the best untried retrieved fix at or above the
// similarity threshold, or a freshly generated one.
func (r *run) selectCandidate(ctx context.Context, tried map[string]bool) (pipeline.PatchCandidate, error) {
	o := r.o
	retrieved := make([]pipeline.PatchCandidate, 0, len(r.req.Candidates))
	for _, c := range r.req.Candidates {
		if c.Source == pipeline.SourceRetrieved && !tried[c.ID] && c.Diff != "" && c.Confidence >= o.opts.SimilarityThreshold {
			retrieved = append(retrieved, c)
		}
	}
	if len(retrieved) > 0 {
		sort.SliceStable(retrieved, func(i, j int) bool { return retrieved[i].Confidence > retrieved[j].Confidence })
		best := retrieved[0]
		o.logger.Info(ctx, "reusing past fix",
			zap.String("candidate", best.ID),
			zap.Float64("similarity", best.Confidence),
		)
		return best, nil
	}

	proposeCtx, cancel := context.WithTimeout(ctx, o.opts.ProposeTimeout)
	defer cancel()
	cand, err := o.deps.Proposer.Propose(proposeCtx, r.req, r.req.Feedback)
	if err != nil {
		return pipeline.PatchCandidate{}, err
	}
	if cand.ID == "" {
		cand.ID = "generated-" + uuid.NewString()
	}
	if cand.Source == "" {
		cand.Source = pipeline.SourceGenerated
	}
	return cand, nil
}

func (r *run) validate(ctx context.Context, cand pipeline.PatchCandidate) (validator.Verdict, error) {
	o := r.o
	target := validator.TargetFor(r.req)
	return retry.Do(ctx, o.opts.Retry, "validate", func(ctx context.Context) (validator.Verdict, error) {
		if err := r.progress(ctx, phaseValidating); err != nil {
			return validator.Verdict{}, err
		}
		vctx, cancel := context.WithTimeout(ctx, o.opts.ValidateTimeout)
		defer cancel()
		return o.deps.Validator.Validate(vctx, target, cand)
	})
}

func (r *run) publish(ctx context.Context, cand pipeline.PatchCandidate) (Result, error) {
	o := r.o
	if err := r.to(ctx, StatePublishing, ""); err != nil {
		return Result{}, err
	}

	h, err := retry.Do(ctx, o.opts.Retry, "publish", func(ctx context.Context) (pipeline.PullRequestHandle, error) {
		if err := r.progress(ctx, phasePublishing); err != nil {
			return pipeline.PullRequestHandle{}, err
		}
		pctx, cancel := context.WithTimeout(ctx, o.opts.PublishTimeout)
		defer cancel()
		return o.deps.Publisher.Publish(pctx, cand, r.req)
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return r.abort(ctx)
		case isLedgerError(err):
			return r.stopOnLedger(ctx, err)
		}
		return r.fail(ctx, pipeline.ReasonPublishFailed, err)
	}

	if err := r.to(ctx, StateDone, ""); err != nil {
		return Result{}, err
	}
	r.writeBack(ctx, cand, h)

	outcome := ledger.Outcome{
		State:    ledger.StateCompleted,
		Attempts: r.req.Attempts,
		PRNumber: h.Number,
		PRURL:    h.URL,
	}
	if err := o.deps.Ledger.Release(context.WithoutCancel(ctx), r.sig, r.owner, outcome); err != nil {
		return Result{}, r.ledgerError("release", err)
	}
	o.logger.Info(ctx, "remediation published",
		zap.Int("pr", h.Number),
		zap.String("url", h.URL),
		zap.Bool("existing", h.Existing),
		zap.Int("attempts", r.req.Attempts),
	)
	return Result{PullRequest: &h, Candidate: &cand}, nil
}

// writeBack stores the fix in memory without holding up the run.
func (r *run) writeBack(ctx context.Context, cand pipeline.PatchCandidate, h pipeline.PullRequestHandle) {
	o := r.o
	outcome := pipeline.OutcomePublished
	if h.Existing {
		outcome = pipeline.OutcomeExisting
	}
	rec := pipeline.FixRecord{
		ID:         uuid.NewString(),
		Signature:  r.sig,
		Category:   r.req.Category,
		Diff:       cand.Diff,
		Rationale:  cand.Rationale,
		Outcome:    outcome,
		ErrorText:  r.req.NormalizedError,
		Repository: r.req.Repository(),
		CommitSHA:  r.req.CommitSHA(),
		PRURL:      h.URL,
		CreatedAt:  o.opts.Now().UTC(),
	}

	bg := context.WithoutCancel(ctx)
	o.writeBacks.Add(1)
	go func() {
		defer o.writeBacks.Done()
		if err := o.deps.Memory.Store(bg, rec); err != nil {
			o.logger.Warn(bg, "fix memory write-back failed", zap.String("record", rec.ID), zap.Error(err))
		}
	}()
}

// duplicate handles a rejected claim. A fixed failure recurring on a new
// commit is noted on the pull request that carries its fix.
func (r *run) duplicate(ctx context.Context, entry ledger.Entry) (Result, error) {
	o := r.o
	if err := r.to(ctx, StateAbortedDup, ""); err != nil {
		return Result{}, err
	}
	o.logger.Info(ctx, "duplicate failure absorbed",
		zap.String("entry_state", string(entry.State)),
		zap.Int("duplicates", entry.Duplicates),
	)

	repeat := entry.State == ledger.StateCompleted && entry.PRNumber != 0 && entry.CommitSHA != r.ev.CommitSHA
	if repeat {
		req := &pipeline.RemediationRequest{Signature: r.sig, Event: r.ev}
		if err := o.deps.Publisher.CommentOnRepeat(ctx, entry.PRNumber, req); err != nil {
			o.logger.Warn(ctx, "repeat failure comment failed", zap.Int("pr", entry.PRNumber), zap.Error(err))
		}
	}

	res := Result{}
	if entry.PRURL != "" {
		res.PullRequest = &pipeline.PullRequestHandle{Number: entry.PRNumber, URL: entry.PRURL, Existing: true}
	}
	return res, nil
}

func (r *run) generationFailed(ctx context.Context, err error) (Result, error) {
	switch {
	case ctx.Err() != nil:
		return r.abort(ctx)
	case isLedgerError(err):
		return r.stopOnLedger(ctx, err)
	case pipeline.IsTransient(err):
		return r.fail(ctx, pipeline.ReasonTransientExhausted, err)
	case errors.Is(err, pipeline.ErrUnfixable):
		return r.fail(ctx, pipeline.ReasonUnfixable, err)
	default:
		// Auth, model configuration or a malformed request.
		return r.fail(ctx, pipeline.ReasonProposerFailed, err)
	}
}

func (r *run) validationError(ctx context.Context, err error) (Result, error) {
	switch {
	case ctx.Err() != nil:
		return r.abort(ctx)
	case isLedgerError(err):
		return r.stopOnLedger(ctx, err)
	case errors.Is(err, pipeline.ErrNoCheck):
		return r.fail(ctx, pipeline.ReasonNoCheck, err)
	case pipeline.IsTransient(err):
		return r.fail(ctx, pipeline.ReasonTransientExhausted, err)
	default:
		// The repository could not be materialized at the commit.
		return r.fail(ctx, pipeline.ReasonContextUnavailable, err)
	}
}

// fail moves to FAILED and releases the entry.
func (r *run) fail(ctx context.Context, reason pipeline.Reason, cause error) (Result, error) {
	if err := r.to(ctx, StateFailed, reason); err != nil {
		return Result{}, err
	}
	r.o.logger.Warn(ctx, "remediation failed", zap.String("reason", string(reason)), zap.Error(cause))
	if err := r.release(ctx, ledger.StateFailed, reason); err != nil {
		return Result{}, err
	}
	return Result{Reason: reason, Err: cause}, nil
}

// abort releases the entry as ABORTED after cancellation.
func (r *run) abort(ctx context.Context) (Result, error) {
	if err := r.to(ctx, StateAborted, pipeline.ReasonCancelled); err != nil {
		return Result{}, err
	}
	if err := r.release(ctx, ledger.StateAborted, pipeline.ReasonCancelled); err != nil {
		return Result{}, err
	}
	return Result{Reason: pipeline.ReasonCancelled, Err: context.Cause(ctx)}, nil
}

// abortUnclaimed stops a run cancelled before it owned a ledger entry.
// The transition event carries Unrecorded so the run stays visible.
func (r *run) abortUnclaimed(ctx context.Context) (Result, error) {
	r.unrecorded = true
	if err := r.to(ctx, StateAborted, pipeline.ReasonCancelled); err != nil {
		return Result{}, err
	}
	r.o.deps.Metrics.dropped(pipeline.ReasonCancelled)
	r.o.logger.Warn(ctx, "run cancelled before claiming a ledger entry", zap.String("event", r.ev.Key()))
	return Result{Reason: pipeline.ReasonCancelled, Err: context.Cause(ctx)}, nil
}

func (r *run) release(ctx context.Context, state ledger.State, reason pipeline.Reason) error {
	attempts := 0
	if r.req != nil {
		attempts = r.req.Attempts
	}
	err := r.o.deps.Ledger.Release(context.WithoutCancel(ctx), r.sig, r.owner, ledger.Outcome{
		State:    state,
		Reason:   string(reason),
		Attempts: attempts,
	})
	if err != nil {
		return r.ledgerError("release", err)
	}
	return nil
}

func (r *run) progress(ctx context.Context, phase string) error {
	err := r.o.deps.Ledger.Progress(ctx, r.sig, r.owner, ledger.Progress{Phase: phase, Attempts: r.req.Attempts})
	if err != nil {
		return &ledgerWriteError{op: "progress", err: err}
	}
	return nil
}

// stopOnLedger ends a run whose progress write failed.
func (r *run) stopOnLedger(ctx context.Context, err error) (Result, error) {
	if ctx.Err() != nil {
		return r.abort(ctx)
	}
	var lw *ledgerWriteError
	if errors.As(err, &lw) {
		return Result{}, r.ledgerError(lw.op, lw.err)
	}
	return Result{}, r.ledgerError("write", err)
}

// ledgerError turns a failed owner write into an invariant violation:
// ownership loss and illegal ledger transitions both mean two runs may be
// acting on one signature.
func (r *run) ledgerError(op string, err error) error {
	if errors.Is(err, pipeline.ErrInvariant) {
		return fmt.Errorf("ledger %s: %w", op, err)
	}
	return fmt.Errorf("%w: ledger %s for %s: %w", pipeline.ErrInvariant, op, r.sig.Short(12), err)
}

// to performs one validated transition and reports it.
func (r *run) to(ctx context.Context, next State, reason pipeline.Reason) error {
	from := r.state
	if !CanTransition(from, next) {
		return &TransitionError{From: from, To: next}
	}
	r.state = next

	attempt := 0
	if r.req != nil {
		attempt = r.req.Attempts
	}
	fields := []zap.Field{
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.Int("attempt", attempt),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", string(reason)))
	}
	r.o.logger.Info(ctx, "remediation transition", fields...)

	r.span.AddEvent("transition", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(next)),
		attribute.Int("attempt", attempt),
		attribute.String("reason", string(reason)),
	))
	r.o.deps.Metrics.transition(next)
	r.o.deps.Events.Emit(ctx, events.Transition{
		Signature:  r.sig,
		Repository: r.ev.Repository,
		CommitSHA:  r.ev.CommitSHA,
		DeliveryID: r.ev.DeliveryID,
		From:       string(from),
		To:         string(next),
		Attempt:    attempt,
		Reason:     string(reason),
		Unrecorded: r.unrecorded,
		At:         time.Now().UTC(),
	})
	return nil
}

type ledgerWriteError struct {
	op  string
	err error
}

func (e *ledgerWriteError) Error() string { return fmt.Sprintf("ledger %s: %v", e.op, e.err) }

func (e *ledgerWriteError) Unwrap() error { return e.err }

func isLedgerError(err error) bool {
	var lw *ledgerWriteError
	return errors.As(err, &lw)
}
