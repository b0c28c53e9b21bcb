package reconcile

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/matcher"
	"github.com/dmitrymomot/billsync/pkg/provider"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

// RecordStore lists subscriptions worth checking against the provider.
type RecordStore interface {
	ListPending(ctx context.Context, q subscription.PendingQuery) ([]*subscription.Record, error)
	ListStale(ctx context.Context, q subscription.StaleQuery) ([]*subscription.Record, error)
	MarkChecked(ctx context.Context, id uuid.UUID, at time.Time) error
}

// EventStore is the webhook event log as seen by the replay pass.
type EventStore interface {
	ListReplayable(ctx context.Context, q subscription.ReplayQuery) ([]*subscription.WebhookEvent, error)
	Finish(ctx context.Context, eventID string, status subscription.EventStatus, errMsg string, at time.Time) error
}

// State is the scheduler's run state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Trigger says who asked for a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Summary reports one run.
type Summary struct {
	Trigger      Trigger   `json:"trigger"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Checked      int       `json:"checked"`
	Refreshed    int       `json:"refreshed"`
	Activated    int       `json:"activated"`
	Cancelled    int       `json:"cancelled"`
	Updated      int       `json:"updated"`
	Unchanged    int       `json:"unchanged"`
	Unmatched    int       `json:"unmatched"`
	Ambiguous    int       `json:"ambiguous"`
	Failed       int       `json:"failed"`
	Replayed     int       `json:"replayed"`
	ReplayFailed int       `json:"replay_failed"`
	Interrupted  bool      `json:"interrupted"`
}

// Status is the operator view of the scheduler.
type Status struct {
	State     State      `json:"state"`
	Scheduled bool       `json:"scheduled"`
	Interval  string     `json:"interval"`
	Cooldown  string     `json:"cooldown"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRun   *Summary   `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeActivated
	outcomeCancelled
	outcomeUpdated
	outcomeUnmatched
	outcomeAmbiguous
)

// Scheduler periodically brings pending subscriptions, long-unsynced linked
// subscriptions and failed webhook events in line with the provider. Only one run executes at a time, guarded
// in-process and by the Lease across processes.
type Scheduler struct {
	applier *Applier
	records RecordStore
	events  EventStore
	lease   Lease
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	state     State
	lastRun   *Summary
	lastErr   string
	nextRunAt time.Time
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLease sets the lease guarding each run. The default is a LocalLease.
func WithLease(l Lease) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.lease = l
		}
	}
}

// WithConfig replaces the scheduler configuration.
func WithConfig(cfg Config) SchedulerOption {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedulerClock overrides the clock used for cutoffs and cooldowns.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler returns an idle Scheduler; call Start for the periodic loop or RunNow for a single pass.
func NewScheduler(applier *Applier, records RecordStore, events EventStore, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		applier: applier,
		records: records,
		events:  events,
		lease:   NewLocalLease(),
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		now:     time.Now,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Interval <= 0 {
		s.cfg.Interval = DefaultConfig().Interval
	}
	s.logger = s.logger.With(logger.Component("reconcile_scheduler"))
	return s
}

// Start launches the periodic loop. The first run is attempted immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(ctx, s.loopDone)

	s.logger.InfoContext(ctx, "reconciliation scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("cooldown", s.cfg.Cooldown),
	)
	return nil
}

// Stop ends the periodic loop and waits for an in-flight run to wind down.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	cancel, done := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.nextRunAt = time.Time{}
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("reconciliation scheduler stopped")
	return nil
}

// Run starts the loop and blocks until ctx is done, for use with errgroup-style runners.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		return err
	}
	return nil
}

// RunNow runs once, bypassing the cooldown. It returns ErrAlreadyRunning when a
// run is in progress here or in another process holding the lease.
func (s *Scheduler) RunNow(ctx context.Context) (Summary, error) {
	return s.run(ctx, TriggerManual)
}

// Status returns a snapshot of the last run.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:     s.state,
		Scheduled: s.cancel != nil,
		Interval:  s.cfg.Interval.String(),
		Cooldown:  s.cfg.Cooldown.String(),
		LastError: s.lastErr,
	}
	if !s.nextRunAt.IsZero() {
		t := s.nextRunAt
		st.NextRunAt = &t
	}
	if s.lastRun != nil {
		sum := *s.lastRun
		st.LastRun = &sum
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	s.nextRunAt = s.now().Add(s.cfg.Interval)
	cooling := s.lastRun != nil && s.now().Sub(s.lastRun.FinishedAt) < s.cfg.Cooldown
	s.mu.Unlock()

	if cooling {
		s.logger.DebugContext(ctx, "scheduled run skipped, cooling down")
		return
	}
	if _, err := s.run(ctx, TriggerSchedule); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.logger.DebugContext(ctx, "scheduled run skipped", logger.Error(err))
			return
		}
		s.logger.ErrorContext(ctx, "scheduled run failed", logger.Error(err))
	}
}

func (s *Scheduler) run(ctx context.Context, trigger Trigger) (Summary, error) {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return Summary{}, ErrAlreadyRunning
	}
	s.state = StateRunning
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
	}()

	held, release, ok, err := s.lease.Acquire(ctx)
	if err != nil {
		s.setError(err)
		return Summary{}, err
	}
	if !ok {
		return Summary{}, ErrAlreadyRunning
	}
	defer release()

	sum, err := s.reconcile(held, trigger)
	if ctx.Err() == nil && held.Err() != nil {
		err = errors.Join(ErrLeaseLost, err)
	}

	s.mu.Lock()
	s.lastRun = &sum
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "reconciliation run finished",
		slog.String("trigger", string(sum.Trigger)),
		logger.Duration(sum.FinishedAt.Sub(sum.StartedAt)),
		slog.Int("checked", sum.Checked),
		slog.Int("refreshed", sum.Refreshed),
		slog.Int("activated", sum.Activated),
		slog.Int("cancelled", sum.Cancelled),
		slog.Int("updated", sum.Updated),
		slog.Int("unchanged", sum.Unchanged),
		slog.Int("unmatched", sum.Unmatched),
		slog.Int("ambiguous", sum.Ambiguous),
		slog.Int("failed", sum.Failed),
		slog.Int("replayed", sum.Replayed),
		slog.Int("replay_failed", sum.ReplayFailed),
		slog.Bool("interrupted", sum.Interrupted),
	)
	return sum, err
}

func (s *Scheduler) setError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Scheduler) reconcile(ctx context.Context, trigger Trigger) (Summary, error) {
	now := s.now()
	sum := Summary{Trigger: trigger, StartedAt: now}

	recs, err := s.records.ListPending(ctx, subscription.PendingQuery{
		CreatedAfter:  now.Add(-s.cfg.Lookback),
		CreatedBefore: now.Add(-s.cfg.GracePeriod),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		sum.FinishedAt = s.now()
		return sum, err
	}

	first := true
	visited := make(map[uuid.UUID]struct{}, len(recs))
	for _, rec := range recs {
		if !s.pause(ctx, &first) {
			sum.Interrupted = true
			sum.FinishedAt = s.now()
			return sum, nil
		}
		sum.Checked++
		visited[rec.ID] = struct{}{}

		res, err := s.reconcileOne(ctx, rec)
		if err != nil {
			sum.Failed++
			s.logger.WarnContext(ctx, "pending subscription not reconciled",
				logger.SubscriptionID(rec.ID),
				logger.ExternalReference(rec.ExternalReference),
				logger.Error(err),
			)
			continue
		}
		sum.count(res)
	}

	if !s.refresh(ctx, &sum, &first, visited) {
		sum.Interrupted = true
		sum.FinishedAt = s.now()
		return sum, nil
	}

	if s.events != nil {
		if !s.replay(ctx, &sum, &first) {
			sum.Interrupted = true
		}
	}
	sum.FinishedAt = s.now()
	return sum, nil
}

func (sum *Summary) count(res outcome) {
	switch res {
	case outcomeActivated:
		sum.Activated++
	case outcomeCancelled:
		sum.Cancelled++
	case outcomeUpdated:
		sum.Updated++
	case outcomeUnmatched:
		sum.Unmatched++
	case outcomeAmbiguous:
		sum.Ambiguous++
	default:
		sum.Unchanged++
	}
}

// refresh re-polls linked active and paused subscriptions that no webhook has
// touched for StaleAfter, catching pauses and cancellations whose notification
// was lost. Records already visited in this run are skipped.
func (s *Scheduler) refresh(ctx context.Context, sum *Summary, first *bool, visited map[uuid.UUID]struct{}) bool {
	if s.cfg.StaleAfter <= 0 {
		return true
	}
	recs, err := s.records.ListStale(ctx, subscription.StaleQuery{
		Before: s.now().Add(-s.cfg.StaleAfter),
		Limit:  s.cfg.BatchSize,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list stale subscriptions", logger.Error(err))
		return true
	}

	for _, rec := range recs {
		if _, ok := visited[rec.ID]; ok {
			continue
		}
		if !s.pause(ctx, first) {
			return false
		}
		sum.Refreshed++

		res, err := s.refreshOne(ctx, rec)
		if err != nil {
			sum.Failed++
			s.logger.WarnContext(ctx, "subscription not refreshed",
				logger.SubscriptionID(rec.ID),
				slog.String("provider_subscription_id", rec.ProviderSubscriptionID),
				logger.Error(err),
			)
			continue
		}
		sum.count(res)
	}
	return true
}

func (s *Scheduler) refreshOne(ctx context.Context, rec *subscription.Record) (outcome, error) {
	res := s.applier.provider.FetchSubscription(ctx, rec.ProviderSubscriptionID)
	var (
		o   = outcomeUnmatched
		err error
	)
	switch {
	case res.OK():
		var d subscription.Decision
		d, err = s.applier.Sync(ctx, rec, res.Value)
		o = classify(d)
	case res.Definitive():
		s.logger.WarnContext(ctx, "provider no longer returns linked subscription",
			logger.SubscriptionID(rec.ID),
			slog.String("provider_subscription_id", rec.ProviderSubscriptionID),
			slog.String("outcome", res.Outcome.String()),
		)
	default:
		return outcomeUnchanged, lookupError("subscription", rec.ProviderSubscriptionID, res.Outcome, res.Err)
	}
	if err != nil {
		return outcomeUnchanged, err
	}
	if merr := s.records.MarkChecked(ctx, rec.ID, s.now()); merr != nil {
		s.logger.WarnContext(ctx, "failed to mark subscription checked",
			logger.SubscriptionID(rec.ID),
			logger.Error(merr),
		)
	}
	return o, nil
}

// replay re-drives failed and abandoned webhook events through the applier.
func (s *Scheduler) replay(ctx context.Context, sum *Summary, first *bool) bool {
	now := s.now()
	events, err := s.events.ListReplayable(ctx, subscription.ReplayQuery{
		Since:       now.Add(-s.cfg.Lookback),
		StuckBefore: now.Add(-s.cfg.GracePeriod),
		MaxAttempts: s.cfg.ReplayMaxAttempts,
		Limit:       s.cfg.BatchSize,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list replayable events", logger.Error(err))
		return true
	}

	for _, ev := range events {
		if !s.pause(ctx, first) {
			return false
		}
		evCtx := logger.WithEventID(ctx, ev.EventID)
		procErr := s.applier.Process(evCtx, ev)

		status, msg := subscription.EventProcessed, ""
		if procErr != nil {
			status, msg = subscription.EventFailed, procErr.Error()
			sum.ReplayFailed++
		} else {
			sum.Replayed++
		}
		if err := s.events.Finish(evCtx, ev.EventID, status, msg, s.now()); err != nil {
			s.logger.ErrorContext(evCtx, "failed to record replay outcome", logger.Error(err))
		}
	}
	return true
}

// pause waits ItemDelay between provider-bound items. It returns false when ctx is done.
func (s *Scheduler) pause(ctx context.Context, first *bool) bool {
	if ctx.Err() != nil {
		return false
	}
	if *first || s.cfg.ItemDelay <= 0 {
		*first = false
		return true
	}
	t := time.NewTimer(s.cfg.ItemDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) reconcileOne(ctx context.Context, rec *subscription.Record) (outcome, error) {
	ps, target, res, err := s.locate(ctx, rec)
	if err != nil || target == nil {
		return res, err
	}

	d, err := s.applier.Sync(ctx, target, ps)
	if err != nil {
		return outcomeUnchanged, err
	}
	return classify(d), nil
}

func classify(d subscription.Decision) outcome {
	switch {
	case !d.Changed():
		return outcomeUnchanged
	case d.To == subscription.StatusActive && d.From == subscription.StatusPending:
		return outcomeActivated
	case d.To == subscription.StatusCancelled:
		return outcomeCancelled
	default:
		return outcomeUpdated
	}
}

// locate finds the provider subscription behind a pending record: by stored
// provider ID, then by external reference, then by payer email through the
// matcher's non-reference strategies.
func (s *Scheduler) locate(ctx context.Context, rec *subscription.Record) (provider.Subscription, *subscription.Record, outcome, error) {
	p := s.applier.provider

	if rec.ProviderSubscriptionID != "" {
		res := p.FetchSubscription(ctx, rec.ProviderSubscriptionID)
		switch {
		case res.OK():
			return res.Value, rec, outcomeUnchanged, nil
		case !res.Definitive():
			return provider.Subscription{}, nil, outcomeUnchanged, lookupError("subscription", rec.ProviderSubscriptionID, res.Outcome, res.Err)
		}
	}

	byRef := p.SearchSubscriptions(ctx, provider.SearchCriteria{ExternalReference: rec.ExternalReference})
	if !byRef.OK() && !byRef.Definitive() {
		return provider.Subscription{}, nil, outcomeUnchanged, lookupError("search", rec.ExternalReference, byRef.Outcome, byRef.Err)
	}
	var exact []provider.Subscription
	for _, ps := range byRef.Value {
		if ps.ExternalReference == rec.ExternalReference {
			exact = append(exact, ps)
		}
	}
	if len(exact) > 0 {
		rankProviderSubscriptions(exact)
		return exact[0], rec, outcomeUnchanged, nil
	}

	if rec.CustomerEmail == "" {
		return provider.Subscription{}, nil, outcomeUnmatched, nil
	}
	byEmail := p.SearchSubscriptions(ctx, provider.SearchCriteria{PayerEmail: rec.CustomerEmail})
	if !byEmail.OK() && !byEmail.Definitive() {
		return provider.Subscription{}, nil, outcomeUnchanged, lookupError("search", rec.CustomerEmail, byEmail.Outcome, byEmail.Err)
	}

	candidates := byEmail.Value
	rankProviderSubscriptions(candidates)
	ambiguous := false
	for _, ps := range candidates {
		// A well-formed foreign reference belongs to another record.
		if subscription.IsExternalReference(ps.ExternalReference) && ps.ExternalReference != rec.ExternalReference {
			continue
		}
		m, err := s.applier.matcher.Match(ctx, EventFromSubscription(ps), matcher.ReconcileStrategies...)
		if err != nil {
			return provider.Subscription{}, nil, outcomeUnchanged, err
		}
		switch {
		case m.Kind == matcher.Ambiguous:
			ambiguous = true
		case m.Matched() && m.Subscription.ID == rec.ID:
			return ps, m.Subscription, outcomeUnchanged, nil
		}
	}
	if ambiguous {
		return provider.Subscription{}, nil, outcomeAmbiguous, nil
	}
	return provider.Subscription{}, nil, outcomeUnmatched, nil
}

// rankProviderSubscriptions orders live subscriptions first, then most recently updated.
func rankProviderSubscriptions(list []provider.Subscription) {
	live := func(ps provider.Subscription) int {
		if st, err := subscription.MapStatus(subscription.KindSubscription, ps.Status); err == nil && st == subscription.StatusActive {
			return 1
		}
		return 0
	}
	slices.SortStableFunc(list, func(a, b provider.Subscription) int {
		if c := cmp.Compare(live(b), live(a)); c != 0 {
			return c
		}
		return b.UpdatedAt().Compare(a.UpdatedAt())
	})
}
