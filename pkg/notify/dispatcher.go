package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/billsync/pkg/logger"
)

// Dispatcher delivers events in the background. Dispatch never blocks the
// caller and delivery errors are only logged.
type Dispatcher struct {
	notifier Notifier
	queue    chan job
	timeout  time.Duration
	logger   *slog.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	ev  Event
}

type DispatcherOption func(*dispatcherOptions)

type dispatcherOptions struct {
	workers int
	backlog int
	timeout time.Duration
	logger  *slog.Logger
}

// WithWorkers sets how many events are delivered concurrently.
func WithWorkers(n int) DispatcherOption {
	return func(o *dispatcherOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithBacklog sets how many events may wait for a worker before new ones are dropped.
func WithBacklog(n int) DispatcherOption {
	return func(o *dispatcherOptions) {
		if n >= 0 {
			o.backlog = n
		}
	}
}

// WithDeliveryTimeout bounds a single delivery.
func WithDeliveryTimeout(d time.Duration) DispatcherOption {
	return func(o *dispatcherOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(o *dispatcherOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewDispatcher starts the worker pool. Call Close to drain it.
func NewDispatcher(n Notifier, opts ...DispatcherOption) *Dispatcher {
	o := &dispatcherOptions{
		workers: 2,
		backlog: 256,
		timeout: 10 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if n == nil {
		n = Noop{}
	}

	d := &Dispatcher{
		notifier: n,
		queue:    make(chan job, o.backlog),
		timeout:  o.timeout,
		logger:   o.logger.With(logger.Component("notify_dispatcher")),
	}
	d.wg.Add(o.workers)
	for range o.workers {
		go d.work()
	}
	return d
}

// Dispatch queues ev for delivery. Context values (request and event IDs) are
// kept but cancellation of ctx does not abort delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- job{ctx: context.WithoutCancel(ctx), ev: ev}:
		return nil
	default:
		d.logger.WarnContext(ctx, "notification dropped, backlog full",
			slog.String("type", string(ev.Type)),
			logger.SubscriptionID(ev.SubscriptionID),
		)
		return ErrDispatcherBacklog
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "notifier panicked",
				slog.Any("panic", r),
				slog.String("type", string(j.ev.Type)),
				logger.SubscriptionID(j.ev.SubscriptionID),
			)
		}
	}()

	start := time.Now()
	if err := d.notifier.Notify(ctx, j.ev); err != nil {
		d.logger.ErrorContext(ctx, "notification failed",
			slog.String("type", string(j.ev.Type)),
			logger.SubscriptionID(j.ev.SubscriptionID),
			logger.Error(err),
		)
		return
	}
	d.logger.DebugContext(ctx, "notification delivered",
		slog.String("type", string(j.ev.Type)),
		logger.SubscriptionID(j.ev.SubscriptionID),
		logger.Duration(time.Since(start)),
	)
}
