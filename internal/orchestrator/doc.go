// Package orchestrator drives CI failures through the remediation state
// machine.
//
// # Overview
//
// One Run call takes a failure event to a terminal state:
//
//	RECEIVED → CONTEXT_BUILT → GENERATING → VALIDATING → PUBLISHING → DONE
//	    │                          ▲            │             │
//	    │                          └────────────┘             │
//	    ├→ ABORTED_DUP                  (retry)               │
//	    └→ FAILED ←───────────────────────────────────────────┘
//
// Every move is checked against a fixed transition table. Cancellation
// moves any non-terminal state to ABORTED.
//
// # Deduplication
//
// The ledger gate runs right after the log has been fingerprinted. Only
// the winner of Ledger.Acquire does the expensive work; losers end in
// ABORTED_DUP without further external calls, except for the optional
// repeat-failure comment on an already published fix.
//
// # Candidates
//
// Each generation round first tries the best retrieved fix whose similarity
// reaches the threshold and that has not been tried yet, then falls back
// to the proposer with the feedback accumulated from earlier rejections.
// The number of candidates per request never exceeds MaxAttempts.
//
// # Ledger writes
//
// The phase is recorded before each side-effecting call and every terminal
// state performs exactly one terminal ledger write. A failed owner write
// means another run took over the signature; it is reported as an
// invariant violation and the run stops.
//
// # Observability
//
// Each transition is logged, added as an event on the run span, counted in
// remedyd_remediation_transitions_total and emitted through events.Emitter.
//
// # Usage
//
//	orch, err := orchestrator.New(orchestrator.Deps{
//	    Builder:   builder,
//	    Proposer:  llm,
//	    Validator: v,
//	    Publisher: pub,
//	    Memory:    memory,
//	    Ledger:    ldg,
//	    Events:    emitter,
//	    Metrics:   orchestrator.NewMetrics(prometheus.DefaultRegisterer),
//	}, orchestrator.Options{MaxAttempts: 3}, logger)
//
//	res, err := orch.Run(ctx, ev)
//	if errors.Is(err, pipeline.ErrInvariant) {
//	    // stop the process
//	}
package orchestrator
