package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// LocalOptions configures the in-process dispatcher.
type LocalOptions struct {
	Workers   int
	QueueSize int
	OnFatal   FatalFunc
}

// Local runs events on a bounded queue drained by a worker pool.
type Local struct {
	runner Runner
	opts   LocalOptions
	logger *logging.Logger

	queue chan pipeline.FailureEvent
	group *errgroup.Group
	ctx   context.Context
	stop  context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	fatal   sync.Once
	started bool
}

// NewLocal creates a local dispatcher. Call Start before Submit.
func NewLocal(runner Runner, opts LocalOptions, logger *logging.Logger) (*Local, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Local{
		runner: runner,
		opts:   opts,
		logger: logger.Named("dispatch"),
		queue:  make(chan pipeline.FailureEvent, opts.QueueSize),
	}, nil
}

// Start launches the workers. Runs inherit ctx, so cancelling it aborts
// every in-flight remediation.
func (l *Local) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	l.ctx, l.stop = context.WithCancel(ctx)
	l.group, l.ctx = errgroup.WithContext(l.ctx)
	for i := 0; i < l.opts.Workers; i++ {
		l.group.Go(l.work)
	}
	l.logger.Info(ctx, "local dispatcher started",
		zap.Int("workers", l.opts.Workers),
		zap.Int("queue_size", l.opts.QueueSize),
	)
}

// Submit enqueues ev without blocking.
func (l *Local) Submit(ctx context.Context, ev pipeline.FailureEvent) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed || !l.started {
		return ErrClosed
	}
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case l.queue <- ev:
		l.logger.Debug(ctx, "event queued", zap.String("key", ev.Key()), zap.Int("depth", len(l.queue)))
		return nil
	default:
		return fmt.Errorf("%w: %d events waiting", ErrQueueFull, cap(l.queue))
	}
}

// Depth is the number of queued events not yet picked up by a worker.
func (l *Local) Depth() int { return len(l.queue) }

// Close drains the queue and waits for the workers. A run that reported an
// invariant violation is returned as the error.
func (l *Local) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.started || l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- l.group.Wait() }()
	select {
	case err := <-done:
		l.stop()
		return err
	case <-ctx.Done():
		l.stop()
		return <-done
	}
}

func (l *Local) work() error {
	for {
		select {
		case <-l.ctx.Done():
			return nil
		case ev, ok := <-l.queue:
			if !ok {
				return nil
			}
			if err := l.run(ev); err != nil {
				return err
			}
		}
	}
}

func (l *Local) run(ev pipeline.FailureEvent) error {
	ctx := logging.WithDelivery(l.ctx, ev.DeliveryID)
	res, err := l.runner.Run(ctx, ev)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvariant) {
			l.logger.Error(ctx, "invariant violation, stopping dispatcher", zap.Error(err))
			l.fatal.Do(func() {
				if l.opts.OnFatal != nil {
					l.opts.OnFatal(err)
				}
			})
			return err
		}
		l.logger.Error(ctx, "remediation run failed", zap.String("key", ev.Key()), zap.Error(err))
		return nil
	}
	l.logger.Debug(ctx, "remediation run finished",
		zap.String("key", ev.Key()),
		zap.String("state", string(res.State)),
		zap.String("reason", string(res.Reason)),
	)
	return nil
}
