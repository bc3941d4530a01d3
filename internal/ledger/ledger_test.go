package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// startTestNATSServer starts an embedded NATS server with JetStream.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

type factory func(t *testing.T, opts Options) Ledger

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T, opts Options) Ledger {
			l := NewMemory(opts, nil)
			t.Cleanup(func() { _ = l.Close() })
			return l
		},
		"nats": func(t *testing.T, opts Options) Ledger {
			server := startTestNATSServer(t)
			nc, err := nats.Connect(server.ClientURL())
			require.NoError(t, err)
			t.Cleanup(nc.Close)

			l, err := NewNATS(context.Background(), nc, "", opts, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = l.Close() })
			return l
		},
	}
}

func testSignature(s string) fingerprint.Signature {
	sum := sha256.Sum256([]byte(s))
	return fingerprint.Signature(hex.EncodeToString(sum[:]))
}

func claimFor(sig fingerprint.Signature, delivery string) Claim {
	return Claim{Signature: sig, Repository: "acme/api", CommitSHA: "abc123", DeliveryID: delivery}
}

func TestLedger(t *testing.T) {
	for name, newLedger := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("acquire then duplicate", func(t *testing.T) {
				l := newLedger(t, Options{Now: newFakeClock().Now})
				ctx := context.Background()
				sig := testSignature("dup")

				first, ok, err := l.Acquire(ctx, claimFor(sig, "d1"))
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, StateReceived, first.State)
				assert.NotEmpty(t, first.Owner)

				second, ok, err := l.Acquire(ctx, claimFor(sig, "d2"))
				require.NoError(t, err)
				assert.False(t, ok)
				assert.Equal(t, first.Owner, second.Owner)
				assert.Equal(t, 1, second.Duplicates)

				got, err := l.Get(ctx, sig)
				require.NoError(t, err)
				assert.Equal(t, 1, got.Duplicates)
				assert.Equal(t, "d1", got.DeliveryID)
			})

			t.Run("concurrent acquire has one winner", func(t *testing.T) {
				l := newLedger(t, Options{})
				ctx := context.Background()
				sig := testSignature("race")

				const n = 16
				var wins atomic.Int32
				var wg sync.WaitGroup
				errs := make(chan error, n)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, ok, err := l.Acquire(ctx, claimFor(sig, fmt.Sprintf("d%d", i)))
						if err != nil {
							errs <- err
							return
						}
						if ok {
							wins.Add(1)
						}
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					require.NoError(t, err)
				}
				assert.Equal(t, int32(1), wins.Load())

				got, err := l.Get(ctx, sig)
				require.NoError(t, err)
				assert.Equal(t, n-1, got.Duplicates)
			})

			t.Run("lifecycle", func(t *testing.T) {
				clock := newFakeClock()
				l := newLedger(t, Options{Now: clock.Now})
				ctx := context.Background()
				sig := testSignature("life")

				e, ok, err := l.Acquire(ctx, claimFor(sig, "d1"))
				require.NoError(t, err)
				require.True(t, ok)

				require.NoError(t, l.Activate(ctx, sig, e.Owner))
				require.NoError(t, l.Progress(ctx, sig, e.Owner, Progress{Phase: "validate", Attempts: 1}))
				clock.Advance(time.Second)
				require.NoError(t, l.Release(ctx, sig, e.Owner, Outcome{
					State: StateCompleted, Attempts: 1, PRNumber: 7, PRURL: "https://github.com/acme/api/pull/7",
				}))

				got, err := l.Get(ctx, sig)
				require.NoError(t, err)
				assert.Equal(t, StateCompleted, got.State)
				assert.Equal(t, 1, got.Attempts)
				assert.Equal(t, 7, got.PRNumber)
				assert.Empty(t, got.Phase)
				assert.Equal(t, clock.Now(), got.FinishedAt.UTC())
			})

			t.Run("terminal entry absorbs redelivery until retention", func(t *testing.T) {
				clock := newFakeClock()
				l := newLedger(t, Options{Now: clock.Now, Retention: 10 * time.Minute})
				ctx := context.Background()
				sig := testSignature("retained")

				e, _, err := l.Acquire(ctx, claimFor(sig, "d1"))
				require.NoError(t, err)
				require.NoError(t, l.Release(ctx, sig, e.Owner, Outcome{State: StateFailed, Reason: string(pipeline.ReasonUnfixable)}))

				clock.Advance(5 * time.Minute)
				_, ok, err := l.Acquire(ctx, claimFor(sig, "d2"))
				require.NoError(t, err)
				assert.False(t, ok)

				clock.Advance(6 * time.Minute)
				_, err = l.Get(ctx, sig)
				assert.ErrorIs(t, err, ErrNotFound)

				fresh, ok, err := l.Acquire(ctx, claimFor(sig, "d3"))
				require.NoError(t, err)
				assert.True(t, ok)
				assert.NotEqual(t, e.Owner, fresh.Owner)
				assert.Zero(t, fresh.Duplicates)
			})

			t.Run("stale entry is reclaimed and old owner fenced", func(t *testing.T) {
				clock := newFakeClock()
				l := newLedger(t, Options{Now: clock.Now, StaleAfter: time.Minute})
				ctx := context.Background()
				sig := testSignature("stale")

				old, _, err := l.Acquire(ctx, claimFor(sig, "d1"))
				require.NoError(t, err)
				require.NoError(t, l.Activate(ctx, sig, old.Owner))

				clock.Advance(2 * time.Minute)
				fresh, ok, err := l.Acquire(ctx, claimFor(sig, "d2"))
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, StateReceived, fresh.State)
				assert.Equal(t, 1, fresh.Reclaims)

				err = l.Release(ctx, sig, old.Owner, Outcome{State: StateCompleted})
				assert.ErrorIs(t, err, ErrNotOwner)
				require.NoError(t, l.Activate(ctx, sig, fresh.Owner))
			})

			t.Run("illegal transition is an invariant violation", func(t *testing.T) {
				l := newLedger(t, Options{})
				ctx := context.Background()
				sig := testSignature("illegal")

				e, _, err := l.Acquire(ctx, claimFor(sig, "d1"))
				require.NoError(t, err)
				require.NoError(t, l.Release(ctx, sig, e.Owner, Outcome{State: StateAborted, Reason: string(pipeline.ReasonCancelled)}))

				err = l.Activate(ctx, sig, e.Owner)
				var te TransitionError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, StateAborted, te.From)
				assert.ErrorIs(t, err, pipeline.ErrInvariant)

				err = l.Release(ctx, sig, e.Owner, Outcome{State: StateCompleted})
				assert.ErrorIs(t, err, pipeline.ErrInvariant)
			})

			t.Run("unknown signature", func(t *testing.T) {
				l := newLedger(t, Options{})
				ctx := context.Background()
				sig := testSignature("missing")

				_, err := l.Get(ctx, sig)
				assert.ErrorIs(t, err, ErrNotFound)
				assert.ErrorIs(t, l.Activate(ctx, sig, "nobody"), ErrNotFound)
			})

			t.Run("list orders by recency", func(t *testing.T) {
				clock := newFakeClock()
				l := newLedger(t, Options{Now: clock.Now})
				ctx := context.Background()

				empty, err := l.List(ctx)
				require.NoError(t, err)
				assert.Empty(t, empty)

				for _, s := range []string{"a", "b", "c"} {
					_, _, err := l.Acquire(ctx, claimFor(testSignature(s), s))
					require.NoError(t, err)
					clock.Advance(time.Second)
				}
				entries, err := l.List(ctx)
				require.NoError(t, err)
				require.Len(t, entries, 3)
				assert.Equal(t, testSignature("c"), entries[0].Signature)
				assert.Equal(t, testSignature("a"), entries[2].Signature)
			})
		})
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateReceived, StateActive, true},
		{StateReceived, StateFailed, true},
		{StateReceived, StateCompleted, false},
		{StateActive, StateActive, true},
		{StateActive, StateCompleted, true},
		{StateActive, StateReceived, false},
		{StateCompleted, StateActive, false},
		{StateFailed, StateFailed, false},
		{State("BOGUS"), StateActive, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			err := validateTransition("sig", tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, pipeline.ErrInvariant)
			}
		})
	}
}

func TestMemory_Sweep(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(Options{Now: clock.Now, Retention: time.Minute, SweepInterval: time.Hour}, nil)
	defer m.Close()
	ctx := context.Background()

	done, _, err := m.Acquire(ctx, claimFor(testSignature("done"), "d1"))
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, done.Signature, done.Owner, Outcome{State: StateCompleted}))
	_, _, err = m.Acquire(ctx, claimFor(testSignature("live"), "d2"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.Sweep())
	entries, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testSignature("live"), entries[0].Signature)
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory(Options{}, nil)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, _, err := m.Acquire(context.Background(), claimFor(testSignature("x"), "d"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNATS_SweepDeletesExpired(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	clock := newFakeClock()
	ctx := context.Background()
	l, err := NewNATS(ctx, nc, "sweep_test", Options{Now: clock.Now, Retention: time.Minute, SweepInterval: time.Hour}, nil)
	require.NoError(t, err)
	defer l.Close()

	e, _, err := l.Acquire(ctx, claimFor(testSignature("old"), "d1"))
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, e.Signature, e.Owner, Outcome{State: StateFailed}))

	clock.Advance(2 * time.Minute)
	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = l.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
