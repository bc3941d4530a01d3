package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// Memory is an in-process Ledger. It is correct for a single replica only.
type Memory struct {
	opts   Options
	logger *logging.Logger

	mu      sync.Mutex
	entries map[fingerprint.Signature]*Entry
	closed  bool

	stop chan struct{}
	done chan struct{}
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an in-memory ledger and starts its sweeper.
func NewMemory(opts Options, logger *logging.Logger) *Memory {
	opts.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Memory{
		opts:    opts,
		logger:  logger.Named("ledger"),
		entries: make(map[fingerprint.Signature]*Entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug(context.Background(), "swept expired ledger entries", zap.Int("count", n))
			}
		}
	}
}

// Sweep evicts terminal entries past retention and returns how many.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	n := 0
	for sig, e := range m.entries {
		if m.opts.expired(e, now) {
			delete(m.entries, sig)
			n++
		}
	}
	return n
}

func (m *Memory) Acquire(ctx context.Context, c Claim) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, false, ErrClosed
	}

	now := m.opts.Now()
	next, accepted := m.opts.claim(m.entries[c.Signature], c, now)
	if accepted && next.Reclaims > 0 {
		m.logger.Warn(ctx, "reclaimed stale ledger entry",
			zap.String("signature", c.Signature.Short(12)),
			zap.Int("reclaims", next.Reclaims))
	}
	m.entries[c.Signature] = &next
	return next, accepted, nil
}

func (m *Memory) Activate(ctx context.Context, sig fingerprint.Signature, owner string) error {
	return m.update(ctx, sig, owner, StateActive, nil)
}

func (m *Memory) Progress(ctx context.Context, sig fingerprint.Signature, owner string, p Progress) error {
	return m.update(ctx, sig, owner, StateActive, applyProgress(p))
}

func (m *Memory) Release(ctx context.Context, sig fingerprint.Signature, owner string, o Outcome) error {
	return m.update(ctx, sig, owner, o.State, applyOutcome(o))
}

func (m *Memory) update(ctx context.Context, sig fingerprint.Signature, owner string, to State, fn func(*Entry)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e, ok := m.entries[sig]
	if !ok {
		return ErrNotFound
	}
	next := *e
	if err := mutate(&next, owner, to, m.opts.Now(), fn); err != nil {
		return err
	}
	*e = next
	return nil
}

func (m *Memory) Get(ctx context.Context, sig fingerprint.Signature) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sig]
	if !ok || m.opts.expired(e, m.opts.Now()) {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

// List returns live entries, most recently updated first.
func (m *Memory) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	now := m.opts.Now()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if !m.opts.expired(e, now) {
			out = append(out, *e)
		}
	}
	m.mu.Unlock()
	sortEntries(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stop)
	<-m.done
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].Signature < entries[j].Signature
		}
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
}
