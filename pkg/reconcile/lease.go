package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/redis"
)

// Lease guards a reconciliation run across everything that shares it.
// Acquire returns ok=false when someone else holds it. When ok is true, the
// run must use the returned context, which is cancelled if the lease is lost,
// and call release once it is done.
type Lease interface {
	Acquire(ctx context.Context) (held context.Context, release func(), ok bool, err error)
}

// LocalLease is a process-local lease for single-instance deployments.
type LocalLease struct {
	mu   sync.Mutex
	held bool
}

// NewLocalLease returns an unheld LocalLease.
func NewLocalLease() *LocalLease { return &LocalLease{} }

// Acquire takes the lease if it is free. A local lease is never lost, so the
// returned context is ctx itself.
func (l *LocalLease) Acquire(ctx context.Context) (context.Context, func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, nil, false, nil
	}
	l.held = true
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
		})
	}, true, nil
}

// RedisLease is a distributed lease backed by a Redis key with a TTL. While
// held, it is extended every TTL/3 so long runs keep it; a crashed holder
// loses it when the TTL expires. If the key is taken over, or extensions keep
// failing for a whole TTL, the held context is cancelled so the run stops.
type RedisLease struct {
	lease  *redis.Lease
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLease wraps lease; ttl must match the one lease was built with.
func NewRedisLease(lease *redis.Lease, ttl time.Duration, log *slog.Logger) *RedisLease {
	if log == nil {
		log = slog.Default()
	}
	return &RedisLease{lease: lease, ttl: ttl, logger: log.With(logger.Component("reconcile_lease"))}
}

// Acquire takes the shared lease and keeps extending it until release is
// called. The returned context is cancelled if the lease is lost.
func (l *RedisLease) Acquire(ctx context.Context) (context.Context, func(), bool, error) {
	token, ok, err := l.lease.Acquire(ctx)
	if err != nil || !ok {
		return nil, nil, false, err
	}

	held, lost := context.WithCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(token, lost, stop, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			lost()
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := l.lease.Release(rctx, token); err != nil {
				l.logger.WarnContext(rctx, "failed to release lease", logger.Error(err))
			}
		})
	}
	return held, release, true, nil
}

func (l *RedisLease) keepAlive(token string, lost context.CancelFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	extended := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.lease.Extend(ctx, token)
			cancel()
			switch {
			case err == nil:
				extended = time.Now()
			case errors.Is(err, redis.ErrLeaseNotHeld):
				l.logger.Error("lease lost, stopping run", logger.Error(err))
				lost()
				return
			case time.Since(extended) >= l.ttl:
				l.logger.Error("lease expired while extensions failed, stopping run", logger.Error(err))
				lost()
				return
			default:
				l.logger.Warn("failed to extend lease", logger.Error(err))
			}
		}
	}
}
