package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

// Store is the subscription read side the matcher needs.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*subscription.Record, error)
	GetByExternalReference(ctx context.Context, ref string) (*subscription.Record, error)
	GetByProviderSubscriptionID(ctx context.Context, providerID string) (*subscription.Record, error)
	ListPending(ctx context.Context, q subscription.PendingQuery) ([]*subscription.Record, error)
}

// MappingStore looks up hand-resolved payment links.
type MappingStore interface {
	GetMapping(ctx context.Context, providerPaymentID string) (*subscription.KnownPaymentMapping, error)
}

// UserResolver maps a payer identity onto local user IDs.
type UserResolver interface {
	FindUserIDs(ctx context.Context, providerPayerID, email string) ([]string, error)
}

// Event carries whatever correlation data an inbound notification had.
// Any field may be empty.
type Event struct {
	PaymentID              string
	ProviderSubscriptionID string
	ExternalReference      string
	PayerID                string
	PayerEmail             string
	UserID                 string
	ProductID              string
	At                     time.Time
}

// Strategy identifies one way of correlating an event with a subscription.
type Strategy int

const (
	ByExternalReference Strategy = iota + 1
	ByProviderSubscriptionID
	ByKnownPayment
	ByUserRecency
	ByEmailRecency
)

func (s Strategy) String() string {
	switch s {
	case ByExternalReference:
		return "external_reference"
	case ByProviderSubscriptionID:
		return "provider_subscription_id"
	case ByKnownPayment:
		return "known_payment_mapping"
	case ByUserRecency:
		return "user_product_recency"
	case ByEmailRecency:
		return "payer_email_recency"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

var (
	// AllStrategies is the webhook order. The order matters: exact identifiers
	// always win over heuristics.
	AllStrategies = []Strategy{ByExternalReference, ByProviderSubscriptionID, ByKnownPayment, ByUserRecency, ByEmailRecency}

	// ReconcileStrategies is used when the caller already searched by external reference.
	ReconcileStrategies = []Strategy{ByProviderSubscriptionID, ByKnownPayment, ByUserRecency, ByEmailRecency}
)

// Kind is the shape of a match result.
type Kind string

const (
	Matched   Kind = "matched"
	Ambiguous Kind = "ambiguous"
	NotFound  Kind = "not_found"
)

// Result is Matched(Subscription), Ambiguous(Candidates) or NotFound.
type Result struct {
	Kind         Kind
	Subscription *subscription.Record
	Candidates   []*subscription.Record
	Strategy     Strategy
}

func (r Result) Matched() bool { return r.Kind == Matched }

// Matcher maps provider events onto local subscriptions. It only reads.
type Matcher struct {
	store    Store
	mappings MappingStore
	users    UserResolver
	window   time.Duration
	skew     time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithMappings enables the known payment mapping strategy.
func WithMappings(s MappingStore) Option {
	return func(m *Matcher) { m.mappings = s }
}

// WithUserResolver enables matching by payer email.
func WithUserResolver(r UserResolver) Option {
	return func(m *Matcher) { m.users = r }
}

// WithRecencyWindow bounds how long before the event a pending subscription may
// have been created to be considered by the heuristic strategies.
func WithRecencyWindow(d time.Duration) Option {
	return func(m *Matcher) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithLogger sets the matcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the clock used for the pending time window.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns a matcher over store. Strategies whose dependency is not
// configured are skipped.
func New(store Store, opts ...Option) *Matcher {
	m := &Matcher{
		store:  store,
		window: 30 * time.Minute,
		skew:   2 * time.Minute,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(logger.Component("matcher"))
	return m
}

// Match runs strategies in order and returns the first definitive answer. With
// no strategies given, AllStrategies is used. Ambiguous and NotFound are
// results, not errors; the error is reserved for storage failures.
func (m *Matcher) Match(ctx context.Context, ev Event, strategies ...Strategy) (Result, error) {
	if len(strategies) == 0 {
		strategies = AllStrategies
	}
	ev.ExternalReference = strings.TrimSpace(ev.ExternalReference)
	ev.PayerEmail = strings.ToLower(strings.TrimSpace(ev.PayerEmail))

	for _, s := range strategies {
		res, done, err := m.run(ctx, s, ev)
		if err != nil {
			return Result{}, fmt.Errorf("match by %s: %w", s, err)
		}
		if !done {
			continue
		}
		res.Strategy = s
		m.report(ctx, ev, res)
		return res, nil
	}

	res := Result{Kind: NotFound}
	m.report(ctx, ev, res)
	return res, nil
}

func (m *Matcher) run(ctx context.Context, s Strategy, ev Event) (Result, bool, error) {
	switch s {
	case ByExternalReference:
		return m.byExternalReference(ctx, ev)
	case ByProviderSubscriptionID:
		return m.byProviderSubscriptionID(ctx, ev)
	case ByKnownPayment:
		return m.byKnownPayment(ctx, ev)
	case ByUserRecency:
		return m.byUserRecency(ctx, ev)
	case ByEmailRecency:
		return m.byEmailRecency(ctx, ev)
	default:
		return Result{}, false, nil
	}
}

func (m *Matcher) byExternalReference(ctx context.Context, ev Event) (Result, bool, error) {
	if !subscription.IsExternalReference(ev.ExternalReference) {
		return Result{}, false, nil
	}
	return single(m.store.GetByExternalReference(ctx, ev.ExternalReference))
}

func (m *Matcher) byProviderSubscriptionID(ctx context.Context, ev Event) (Result, bool, error) {
	if ev.ProviderSubscriptionID == "" {
		return Result{}, false, nil
	}
	return single(m.store.GetByProviderSubscriptionID(ctx, ev.ProviderSubscriptionID))
}

func (m *Matcher) byKnownPayment(ctx context.Context, ev Event) (Result, bool, error) {
	if m.mappings == nil || ev.PaymentID == "" {
		return Result{}, false, nil
	}
	mp, err := m.mappings.GetMapping(ctx, ev.PaymentID)
	if errors.Is(err, subscription.ErrMappingNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	return single(m.store.Get(ctx, mp.SubscriptionID))
}

func (m *Matcher) byUserRecency(ctx context.Context, ev Event) (Result, bool, error) {
	userID, productID, err := m.resolveUser(ctx, ev)
	if err != nil || userID == "" {
		return Result{}, false, err
	}

	after, before := m.bounds(ev)
	candidates, err := m.store.ListPending(ctx, subscription.PendingQuery{
		UserID:        userID,
		ProductID:     productID,
		CreatedAfter:  after,
		CreatedBefore: before,
	})
	if err != nil {
		return Result{}, false, err
	}
	return fromCandidates(candidates)
}

func (m *Matcher) byEmailRecency(ctx context.Context, ev Event) (Result, bool, error) {
	if ev.PayerEmail == "" {
		return Result{}, false, nil
	}

	_, productID := referenceParts(ev)
	after, before := m.bounds(ev)
	candidates, err := m.store.ListPending(ctx, subscription.PendingQuery{
		CustomerEmail: ev.PayerEmail,
		ProductID:     productID,
		CreatedAfter:  after,
		CreatedBefore: before,
	})
	if err != nil {
		return Result{}, false, err
	}
	return fromCandidates(candidates)
}

// resolveUser picks the local user behind the event. Metadata and a parsable
// external reference are trusted first; otherwise the payer identity must map
// to exactly one user.
func (m *Matcher) resolveUser(ctx context.Context, ev Event) (userID, productID string, err error) {
	userID, productID = referenceParts(ev)
	if userID != "" {
		return userID, productID, nil
	}
	if m.users == nil || (ev.PayerID == "" && ev.PayerEmail == "") {
		return "", "", nil
	}

	ids, err := m.users.FindUserIDs(ctx, ev.PayerID, ev.PayerEmail)
	if err != nil {
		return "", "", err
	}
	if len(ids) != 1 {
		if len(ids) > 1 {
			m.logger.WarnContext(ctx, "payer identity maps to several users",
				slog.String("payer_id", ev.PayerID),
				slog.Int("users", len(ids)),
			)
		}
		return "", "", nil
	}
	return ids[0], productID, nil
}

func referenceParts(ev Event) (userID, productID string) {
	userID, productID = ev.UserID, ev.ProductID
	if ref, err := subscription.ParseExternalReference(ev.ExternalReference); err == nil {
		if userID == "" {
			userID = ref.UserID
		}
		if productID == "" {
			productID = ref.ProductID
		}
	}
	return userID, productID
}

// bounds returns the creation window for heuristic candidates, anchored at the event time.
func (m *Matcher) bounds(ev Event) (after, before time.Time) {
	at := ev.At
	if at.IsZero() {
		at = m.now()
	}
	return at.Add(-m.window), at.Add(m.skew)
}

func single(rec *subscription.Record, err error) (Result, bool, error) {
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	return Result{Kind: Matched, Subscription: rec}, true, nil
}

// fromCandidates never picks among several candidates.
func fromCandidates(candidates []*subscription.Record) (Result, bool, error) {
	switch len(candidates) {
	case 0:
		return Result{}, false, nil
	case 1:
		return Result{Kind: Matched, Subscription: candidates[0]}, true, nil
	default:
		return Result{Kind: Ambiguous, Candidates: candidates}, true, nil
	}
}

func (m *Matcher) report(ctx context.Context, ev Event, res Result) {
	attrs := []any{
		logger.PaymentID(ev.PaymentID),
		slog.String("provider_subscription_id", ev.ProviderSubscriptionID),
		logger.ExternalReference(ev.ExternalReference),
		slog.String("payer_id", ev.PayerID),
		slog.String("payer_email", ev.PayerEmail),
		slog.String("user_id", ev.UserID),
		slog.String("product_id", ev.ProductID),
		slog.Time("event_at", ev.At),
	}

	switch res.Kind {
	case Matched:
		m.logger.DebugContext(ctx, "event matched",
			append(attrs, slog.String("strategy", res.Strategy.String()), logger.SubscriptionID(res.Subscription.ID))...)
	case Ambiguous:
		ids := make([]string, 0, len(res.Candidates))
		for _, c := range res.Candidates {
			ids = append(ids, c.ID.String())
		}
		slices.Sort(ids)
		m.logger.WarnContext(ctx, "event match ambiguous",
			append(attrs, slog.String("strategy", res.Strategy.String()), slog.Any("candidates", ids))...)
	default:
		m.logger.WarnContext(ctx, "event match not found", attrs...)
	}
}
