package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/billsync/pkg/httpserver"
	"github.com/dmitrymomot/billsync/pkg/ingest"
	"github.com/dmitrymomot/billsync/pkg/ledger"
	"github.com/dmitrymomot/billsync/pkg/matcher"
	"github.com/dmitrymomot/billsync/pkg/notify"
	"github.com/dmitrymomot/billsync/pkg/pg"
	"github.com/dmitrymomot/billsync/pkg/provider"
	"github.com/dmitrymomot/billsync/pkg/reconcile"
	"github.com/dmitrymomot/billsync/pkg/redis"
	"github.com/dmitrymomot/billsync/pkg/requestid"
	"github.com/dmitrymomot/billsync/pkg/storage"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

var errUnknownStorageDriver = errors.New("unknown storage driver")

// store is what both storage backends implement.
type store interface {
	subscription.Store
	ledger.Store
	ingest.EventLog
	reconcile.EventStore
	matcher.MappingStore
	matcher.UserResolver
	AddMapping(ctx context.Context, m subscription.KnownPaymentMapping) error
	ListMappings(ctx context.Context) ([]subscription.KnownPaymentMapping, error)
	Ping(ctx context.Context) error
}

var (
	_ store = (*storage.Memory)(nil)
	_ store = (*storage.Postgres)(nil)
)

type stack struct {
	settings settings
	log      *slog.Logger
	store    store
	redis    *goredis.Client

	checkout  *subscription.Checkout
	applier   *reconcile.Applier
	scheduler *reconcile.Scheduler

	closers []func()
}

// openStore connects the configured storage backend. With migrate set, the
// PostgreSQL schema is brought up to date first.
func openStore(ctx context.Context, s settings, log *slog.Logger, migrate bool) (store, func(), error) {
	switch s.App.StorageDriver {
	case "memory":
		log.WarnContext(ctx, "using in-memory storage, state is lost on exit")
		return storage.NewMemory(), func() {}, nil
	case "postgres", "":
		pool, err := pg.Connect(ctx, s.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if migrate {
			if err := pg.Migrate(ctx, pool, s.Postgres, log); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return storage.NewPostgres(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", errUnknownStorageDriver, s.App.StorageDriver)
	}
}

type stackOptions struct {
	migrate bool
	// store overrides the configured backend.
	store store
	// provider overrides the HTTP provider client.
	provider reconcile.Provider
}

// newStack wires every component of the reconciliation engine.
func newStack(ctx context.Context, s settings, log *slog.Logger, opts stackOptions) (_ *stack, err error) {
	st := &stack{settings: s, log: log}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	st.store = opts.store
	if st.store == nil {
		db, closeDB, err := openStore(ctx, s, log, opts.migrate)
		if err != nil {
			return nil, err
		}
		st.store = db
		st.closers = append(st.closers, closeDB)
	}

	machine := subscription.NewStateMachine(subscription.WithStrictStatuses(!s.App.Env.IsProduction()))

	var cancelAtProvider subscription.ProviderCancelFunc
	p := opts.provider
	if p == nil {
		client, err := provider.New(s.Provider.BaseURL, append(s.Provider.Options(), provider.WithLogger(log))...)
		if err != nil {
			return nil, fmt.Errorf("provider client: %w", err)
		}
		p = client
		cancelAtProvider = func(ctx context.Context, id string) error {
			res := client.CancelSubscription(ctx, id)
			if res.OK() {
				return nil
			}
			if res.Err != nil {
				return res.Err
			}
			return fmt.Errorf("cancel subscription %s: %s", id, res.Outcome)
		}
	}

	m := matcher.New(st.store,
		matcher.WithMappings(st.store),
		matcher.WithUserResolver(st.store),
		matcher.WithRecencyWindow(s.Match.RecencyWindow),
		matcher.WithLogger(log),
	)
	l := ledger.New(st.store, machine, ledger.WithLogger(log))
	resolver := subscription.NewDuplicateResolver(st.store, machine,
		subscription.WithProviderCancel(cancelAtProvider),
		subscription.WithResolverLogger(log),
	)
	st.checkout = subscription.NewCheckout(st.store,
		subscription.WithReuseWindow(s.Match.CheckoutReuseWindow),
		subscription.WithCheckoutStateMachine(machine),
		subscription.WithCheckoutLogger(log),
	)

	applierOpts := []reconcile.ApplierOption{
		reconcile.WithResolver(resolver),
		reconcile.WithStateMachine(machine),
		reconcile.WithApplierLogger(log),
	}
	dispatcher, err := st.notifications(log)
	if err != nil {
		return nil, err
	}
	if dispatcher != nil {
		applierOpts = append(applierOpts, reconcile.WithDispatcher(dispatcher))
	}
	st.applier, err = reconcile.NewApplier(p, st.store, m, l, applierOpts...)
	if err != nil {
		return nil, err
	}

	lease, err := st.lease(ctx, log)
	if err != nil {
		return nil, err
	}
	st.scheduler = reconcile.NewScheduler(st.applier, st.store, st.store,
		reconcile.WithConfig(s.Reconcile),
		reconcile.WithLease(lease),
		reconcile.WithSchedulerLogger(log),
	)
	return st, nil
}

// notifications returns nil when no downstream channel is configured.
func (st *stack) notifications(log *slog.Logger) (*notify.Dispatcher, error) {
	var notifiers []notify.Notifier

	if st.settings.Email.Enabled() {
		sender, err := notify.NewPostmarkSender(st.settings.Email)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, notify.NewEmailNotifier(sender))
	}
	if st.settings.AMQP.Enabled() {
		pub, err := notify.DialAMQP(st.settings.AMQP, log)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = pub.Close() })
		notifiers = append(notifiers, pub)
	}
	if len(notifiers) == 0 {
		log.Info("no notification channel configured")
		return nil, nil
	}

	d := notify.NewDispatcher(notify.Multi(notifiers...), notify.WithDispatcherLogger(log))
	// Registered after the publishers so it drains before they close.
	st.closers = append(st.closers, d.Close)
	return d, nil
}

func (st *stack) lease(ctx context.Context, log *slog.Logger) (reconcile.Lease, error) {
	if !st.settings.Redis.Enabled() {
		return reconcile.NewLocalLease(), nil
	}
	client, err := redis.Connect(ctx, st.settings.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	st.redis = client
	st.closers = append(st.closers, func() { _ = client.Close() })

	cfg := st.settings.Reconcile
	return reconcile.NewRedisLease(redis.NewLease(client, cfg.LeaseKey, cfg.LeaseTTL), cfg.LeaseTTL, log), nil
}

// router mounts the webhook endpoint, the health check and the internal API.
func (st *stack) router(ctx context.Context) (http.Handler, error) {
	ingestor, err := ingest.New(st.store, st.applier,
		ingest.WithConfig(st.settings.Webhook, st.settings.App.Env),
		ingest.WithLogger(st.log),
	)
	if err != nil {
		return nil, err
	}

	checks := []httpserver.Check{{Name: "storage", Fn: st.store.Ping}}
	if st.redis != nil {
		checks = append(checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(st.redis)})
	}
	if st.settings.App.ControlToken == "" {
		st.log.WarnContext(ctx, "CONTROL_TOKEN is empty, internal API rejects every request")
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Get("/healthz", httpserver.HealthHandler(st.log, 2*time.Second, checks...))
	r.Post("/webhooks/payment-provider", ingestor.ServeHTTP)
	r.Mount("/internal", reconcile.ControlRouter(reconcile.ControlOptions{
		Scheduler:   st.scheduler,
		Checkout:    st.checkout,
		Token:       st.settings.App.ControlToken,
		BaseContext: ctx,
		Logger:      st.log,
	}))
	return r, nil
}

// Close releases resources in reverse order of acquisition.
func (st *stack) Close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		st.closers[i]()
	}
	st.closers = nil
}
