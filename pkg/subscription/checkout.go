package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/logger"
)

// CheckoutRequest describes a subscription the storefront is about to send the customer to pay for.
type CheckoutRequest struct {
	UserID        string        `json:"user_id"`
	ProductID     string        `json:"product_id"`
	CustomerEmail string        `json:"customer_email"`
	Frequency     int           `json:"frequency"`
	FrequencyUnit FrequencyUnit `json:"frequency_unit"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
}

func (r CheckoutRequest) validate() error {
	var problems []string
	if !referencePart(r.UserID) {
		problems = append(problems, "user_id")
	}
	if !referencePart(r.ProductID) {
		problems = append(problems, "product_id")
	}
	if r.Frequency <= 0 {
		problems = append(problems, "frequency")
	}
	if _, err := ParseFrequencyUnit(string(r.FrequencyUnit)); err != nil {
		problems = append(problems, "frequency_unit")
	}
	if r.Amount < 0 {
		problems = append(problems, "amount")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCheckout, strings.Join(problems, ", "))
	}
	return nil
}

// referenceAttempts bounds retries when a generated external reference is taken.
const referenceAttempts = 3

// Checkout creates pending subscriptions at checkout initiation.
type Checkout struct {
	store   Store
	machine *StateMachine
	reuse   time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// CheckoutOption configures a Checkout.
type CheckoutOption func(*Checkout)

// WithReuseWindow sets how long a pending record is handed out again instead of creating a new one.
func WithReuseWindow(d time.Duration) CheckoutOption {
	return func(c *Checkout) { c.reuse = d }
}

// WithCheckoutStateMachine sets the state machine used to cancel abandoned checkouts.
func WithCheckoutStateMachine(m *StateMachine) CheckoutOption {
	return func(c *Checkout) {
		if m != nil {
			c.machine = m
		}
	}
}

// WithCheckoutLogger sets the checkout logger.
func WithCheckoutLogger(l *slog.Logger) CheckoutOption {
	return func(c *Checkout) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCheckoutClock overrides the clock used for reuse windows and timestamps.
func WithCheckoutClock(now func() time.Time) CheckoutOption {
	return func(c *Checkout) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCheckout returns a Checkout that reuses pending records for 30 minutes by default.
func NewCheckout(store Store, opts ...CheckoutOption) *Checkout {
	c := &Checkout{store: store, reuse: 30 * time.Minute, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.machine == nil {
		c.machine = NewStateMachine(WithMachineClock(c.now))
	}
	return c
}

// Begin returns the pending record the customer should pay for. A recent pending
// record for the same pair is reused so retried checkouts do not create duplicates;
// older pending records are cancelled as abandoned before a new one is created.
// Returns ErrSubscriptionAlreadyExists if the pair already has an active subscription.
func (c *Checkout) Begin(ctx context.Context, req CheckoutRequest) (rec *Record, reused bool, err error) {
	if err := req.validate(); err != nil {
		return nil, false, err
	}
	unit, _ := ParseFrequencyUnit(string(req.FrequencyUnit))

	open, err := c.store.ListOpen(ctx, req.UserID, req.ProductID)
	if err != nil {
		return nil, false, fmt.Errorf("list open subscriptions: %w", err)
	}

	now := c.now().UTC()
	RankAuthoritative(open)
	for _, r := range open {
		if r.Status == StatusActive {
			return r, false, ErrSubscriptionAlreadyExists
		}
		if r.Status == StatusPending && now.Sub(r.CreatedAt) <= c.reuse {
			return r, true, nil
		}
	}
	for _, r := range open {
		if err := c.abandon(ctx, r, now); err != nil {
			return nil, false, err
		}
	}

	for attempt := 0; attempt < referenceAttempts; attempt++ {
		ref, err := NewExternalReference(req.UserID, req.ProductID)
		if err != nil {
			return nil, false, err
		}
		rec = &Record{
			ID:                uuid.New(),
			UserID:            req.UserID,
			ProductID:         req.ProductID,
			ExternalReference: ref,
			CustomerEmail:     strings.ToLower(strings.TrimSpace(req.CustomerEmail)),
			Status:            StatusPending,
			Frequency:         req.Frequency,
			FrequencyUnit:     unit,
			Amount:            req.Amount,
			Currency:          strings.ToUpper(req.Currency),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		err = c.store.Create(ctx, rec)
		if err == nil {
			break
		}
		rec = nil
		if !errors.Is(err, ErrSubscriptionAlreadyExists) {
			return nil, false, fmt.Errorf("create pending subscription: %w", err)
		}
	}
	if rec == nil {
		return nil, false, ErrReferenceCollision
	}

	c.logger.InfoContext(ctx, "pending subscription created",
		logger.SubscriptionID(rec.ID),
		logger.ExternalReference(rec.ExternalReference),
		slog.String("user_id", rec.UserID),
		slog.String("product_id", rec.ProductID),
	)
	return rec, false, nil
}

func (c *Checkout) abandon(ctx context.Context, rec *Record, now time.Time) error {
	next, err := cancelOpen(ctx, c.store, c.machine, rec, "abandoned checkout", now)
	if err != nil {
		return fmt.Errorf("cancel abandoned checkout %s: %w", rec.ID, err)
	}
	if next != nil {
		c.logger.InfoContext(ctx, "abandoned pending subscription cancelled",
			logger.SubscriptionID(rec.ID),
			logger.ExternalReference(rec.ExternalReference),
			slog.String("user_id", rec.UserID),
			slog.String("product_id", rec.ProductID),
		)
	}
	return nil
}
