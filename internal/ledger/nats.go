package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// DefaultBucket is the JetStream KV bucket used when none is configured.
const DefaultBucket = "remedyd_ledger"

// maxCASAttempts bounds optimistic-concurrency retries on one key.
const maxCASAttempts = 64

// NATS is a Ledger backed by a JetStream key-value bucket. Acquire uses
// create-if-absent and revision-checked updates, so every replica sharing
// the bucket observes one winner per signature.
type NATS struct {
	opts   Options
	kv     jetstream.KeyValue
	logger *logging.Logger

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

var _ Ledger = (*NATS)(nil)

// NewNATS opens (creating if needed) the ledger bucket on nc.
func NewNATS(ctx context.Context, nc *nats.Conn, bucket string, opts Options, logger *logging.Logger) (*NATS, error) {
	opts.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	ttl := opts.Retention
	if opts.StaleAfter > ttl {
		ttl = opts.StaleAfter
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "remedyd remediation ledger",
		History:     1,
		TTL:         2 * ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	n := &NATS{
		opts:   opts,
		kv:     kv,
		logger: logger.Named("ledger"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go n.janitor()
	return n, nil
}

func (n *NATS) janitor() {
	defer close(n.done)
	ticker := time.NewTicker(n.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), n.opts.SweepInterval)
			count, err := n.Sweep(ctx)
			cancel()
			if err != nil {
				n.logger.Warn(ctx, "ledger sweep failed", zap.Error(err))
			} else if count > 0 {
				n.logger.Debug(ctx, "swept expired ledger entries", zap.Int("count", count))
			}
		}
	}
}

func (n *NATS) Acquire(ctx context.Context, c Claim) (Entry, bool, error) {
	key := string(c.Signature)
	for i := 0; i < maxCASAttempts; i++ {
		current, rev, err := n.load(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Entry{}, false, err
		}

		var existing *Entry
		if err == nil {
			existing = &current
		}
		next, accepted := n.opts.claim(existing, c, n.opts.Now())

		data, err := json.Marshal(next)
		if err != nil {
			return Entry{}, false, fmt.Errorf("marshal entry: %w", err)
		}
		if existing == nil {
			_, err = n.kv.Create(ctx, key, data)
		} else {
			_, err = n.kv.Update(ctx, key, data, rev)
		}
		if isConflict(err) {
			continue
		}
		if err != nil {
			return Entry{}, false, pipeline.Transient("ledger acquire", err)
		}

		if accepted && next.Reclaims > 0 {
			n.logger.Warn(ctx, "reclaimed stale ledger entry",
				zap.String("signature", c.Signature.Short(12)),
				zap.Int("reclaims", next.Reclaims))
		}
		return next, accepted, nil
	}
	return Entry{}, false, pipeline.Transient("ledger acquire", fmt.Errorf("contention on %s after %d attempts", c.Signature.Short(12), maxCASAttempts))
}

func (n *NATS) Activate(ctx context.Context, sig fingerprint.Signature, owner string) error {
	return n.update(ctx, sig, owner, StateActive, nil)
}

func (n *NATS) Progress(ctx context.Context, sig fingerprint.Signature, owner string, p Progress) error {
	return n.update(ctx, sig, owner, StateActive, applyProgress(p))
}

func (n *NATS) Release(ctx context.Context, sig fingerprint.Signature, owner string, o Outcome) error {
	return n.update(ctx, sig, owner, o.State, applyOutcome(o))
}

func (n *NATS) update(ctx context.Context, sig fingerprint.Signature, owner string, to State, fn func(*Entry)) error {
	key := string(sig)
	for i := 0; i < maxCASAttempts; i++ {
		e, rev, err := n.load(ctx, key)
		if err != nil {
			return err
		}
		if err := mutate(&e, owner, to, n.opts.Now(), fn); err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		_, err = n.kv.Update(ctx, key, data, rev)
		if isConflict(err) {
			continue
		}
		if err != nil {
			return pipeline.Transient("ledger update", err)
		}
		return nil
	}
	return pipeline.Transient("ledger update", fmt.Errorf("contention on %s after %d attempts", sig.Short(12), maxCASAttempts))
}

// load reads an entry and its revision. Expired entries are returned as-is
// so a claim can overwrite them at the current revision.
func (n *NATS) load(ctx context.Context, key string) (Entry, uint64, error) {
	kve, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return Entry{}, 0, ErrNotFound
	}
	if err != nil {
		return Entry{}, 0, pipeline.Transient("ledger get", err)
	}
	var e Entry
	if err := json.Unmarshal(kve.Value(), &e); err != nil {
		return Entry{}, 0, fmt.Errorf("unmarshal entry %s: %w", key, err)
	}
	return e, kve.Revision(), nil
}

func (n *NATS) Get(ctx context.Context, sig fingerprint.Signature) (Entry, error) {
	e, _, err := n.load(ctx, string(sig))
	if err != nil {
		return Entry{}, err
	}
	if n.opts.expired(&e, n.opts.Now()) {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// List returns live entries, most recently updated first.
func (n *NATS) List(ctx context.Context) ([]Entry, error) {
	keys, err := n.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, pipeline.Transient("ledger list", err)
	}

	now := n.opts.Now()
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		e, _, err := n.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			n.logger.Warn(ctx, "skipping unreadable ledger entry", zap.String("key", key), zap.Error(err))
			continue
		}
		if !n.opts.expired(&e, now) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// Sweep deletes terminal entries past retention. A key rewritten since it
// was read is left alone.
func (n *NATS) Sweep(ctx context.Context) (int, error) {
	keys, err := n.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	now := n.opts.Now()
	count := 0
	for _, key := range keys {
		e, rev, err := n.load(ctx, key)
		if err != nil || !n.opts.expired(&e, now) {
			continue
		}
		if err := n.kv.Delete(ctx, key, jetstream.LastRevision(rev)); err != nil {
			if !isConflict(err) {
				return count, err
			}
			continue
		}
		count++
	}
	return count, nil
}

// Close stops the sweeper. The caller owns the NATS connection.
func (n *NATS) Close() error {
	n.closeOnce.Do(func() {
		close(n.stop)
		<-n.done
	})
	return nil
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
