package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/billsync/pkg/config"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/subscription"
	"github.com/dmitrymomot/billsync/pkg/webhook"
)

// Processor matches a claimed notification to a subscription and applies it.
// An error leaves the event failed so it is replayed later.
type Processor interface {
	Process(ctx context.Context, ev *subscription.WebhookEvent) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ev *subscription.WebhookEvent) error

// Process calls f(ctx, ev).
func (f ProcessorFunc) Process(ctx context.Context, ev *subscription.WebhookEvent) error {
	return f(ctx, ev)
}

// Ingestor is the provider webhook endpoint. Every request walks
// received, verified, deduplicated, processed, acknowledged, leaving early
// at the first gate that fails.
type Ingestor struct {
	verifier        *webhook.Verifier
	dedup           *Deduplicator
	processor       Processor
	env             config.Environment
	allowUnverified bool
	timeout         time.Duration
	maxBody         int64
	logger          *slog.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithVerifier sets the signature verifier.
func WithVerifier(v *webhook.Verifier) Option {
	return func(i *Ingestor) { i.verifier = v }
}

// WithEnvironment sets the environment used to decide whether unsigned
// notifications are accepted.
func WithEnvironment(env config.Environment) Option {
	return func(i *Ingestor) { i.env = env }
}

// WithAllowUnverified accepts notifications when no secret is configured.
// It has no effect in production.
func WithAllowUnverified(allow bool) Option {
	return func(i *Ingestor) { i.allowUnverified = allow }
}

// WithProcessTimeout bounds matching and applying a single notification.
func WithProcessTimeout(d time.Duration) Option {
	return func(i *Ingestor) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithMaxBodyBytes limits the accepted request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.maxBody = n
		}
	}
}

// WithLogger sets the ingestor logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithConfig applies the env-driven settings.
func WithConfig(cfg Config, env config.Environment) Option {
	return func(i *Ingestor) {
		i.verifier = webhook.NewVerifier(cfg.Secret, webhook.WithMaxAge(cfg.MaxAge))
		i.env = env
		i.allowUnverified = cfg.AllowUnverified
		if cfg.ProcessTimeout > 0 {
			i.timeout = cfg.ProcessTimeout
		}
		if cfg.MaxBodyBytes > 0 {
			i.maxBody = cfg.MaxBodyBytes
		}
	}
}

// New returns an Ingestor that records deliveries in log and hands new
// events to processor.
func New(log EventLog, processor Processor, opts ...Option) (*Ingestor, error) {
	if log == nil {
		return nil, ErrMissingEventLog
	}
	if processor == nil {
		return nil, ErrMissingProcessor
	}
	i := &Ingestor{
		verifier:  webhook.NewVerifier(""),
		dedup:     NewDeduplicator(log),
		processor: processor,
		env:       config.Production,
		timeout:   5 * time.Second,
		maxBody:   1 << 20,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With(logger.Component("webhook_ingestor"))
	return i, nil
}

// ServeHTTP accepts one provider notification.
func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, i.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeStatus(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		i.logger.WarnContext(ctx, "failed to read webhook body", logger.Error(err))
		writeStatus(w, http.StatusBadRequest, "unreadable body")
		return
	}

	n, err := ParseNotification(body, r.URL.Query())
	if err != nil {
		i.logger.WarnContext(ctx, "malformed webhook rejected", logger.Error(err))
		writeStatus(w, http.StatusBadRequest, "malformed notification")
		return
	}

	if !i.verify(ctx, r, n) {
		writeStatus(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	ev := &subscription.WebhookEvent{
		EventID:    n.ID.String(),
		Type:       n.Type,
		Action:     n.Action,
		ResourceID: n.ResourceID(),
		Payload:    body,
	}
	if ev.EventID == "" {
		ev.EventID = Fingerprint(n, body)
	}
	ctx = logger.WithEventID(ctx, ev.EventID)

	claimed, err := i.dedup.Claim(ctx, ev)
	if err != nil {
		// Not durably received: let the provider retry.
		i.logger.ErrorContext(ctx, "failed to log webhook receipt", logger.Error(err))
		writeStatus(w, http.StatusInternalServerError, "receipt not recorded")
		return
	}
	if !claimed {
		i.logger.InfoContext(ctx, "duplicate webhook delivery ignored",
			slog.String("type", ev.Type),
			slog.String("resource_id", ev.ResourceID),
		)
		writeStatus(w, http.StatusOK, "duplicate")
		return
	}

	procErr := i.process(ctx, ev)
	if err := i.dedup.Record(ctx, ev.EventID, procErr); err != nil {
		i.logger.ErrorContext(ctx, "failed to record webhook outcome", logger.Error(err))
	}
	if procErr != nil {
		i.logger.WarnContext(ctx, "webhook left for reconciliation",
			slog.String("type", ev.Type),
			slog.String("resource_id", ev.ResourceID),
			logger.Error(procErr),
		)
		writeStatus(w, http.StatusOK, "queued")
		return
	}
	writeStatus(w, http.StatusOK, "processed")
}

func (i *Ingestor) verify(ctx context.Context, r *http.Request, n Notification) bool {
	headers, herr := webhook.ExtractSignatureHeaders(r.Header)
	result, err := i.verifier.Verify(n.ResourceID(), headers)
	if result != webhook.Unverifiable && herr != nil {
		result, err = webhook.Invalid, herr
	}

	switch result {
	case webhook.Valid:
		return true
	case webhook.Unverifiable:
		if i.env.IsProduction() || !i.allowUnverified {
			i.logger.ErrorContext(ctx, "webhook rejected: signature cannot be verified, no secret configured",
				slog.String("env", i.env.String()),
			)
			return false
		}
		i.logger.ErrorContext(ctx, "UNVERIFIED webhook accepted: no secret configured",
			slog.String("env", i.env.String()),
			slog.String("type", n.Type),
			slog.String("resource_id", n.ResourceID()),
		)
		return true
	default:
		i.logger.WarnContext(ctx, "webhook signature rejected",
			slog.String("type", n.Type),
			slog.String("resource_id", n.ResourceID()),
			slog.String("request_id", headers.RequestID),
			logger.Error(err),
		)
		return false
	}
}

// process runs the processor detached from the request so a client disconnect
// does not abort a half-applied update. A panic fails the event.
func (i *Ingestor) process(ctx context.Context, ev *subscription.WebhookEvent) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			i.logger.ErrorContext(ctx, "webhook processor panicked", slog.Any("panic", p))
			err = fmt.Errorf("processor panic: %v", p)
		}
	}()

	start := time.Now()
	err = i.processor.Process(ctx, ev)
	i.logger.DebugContext(ctx, "webhook processed",
		slog.String("type", ev.Type),
		logger.Duration(time.Since(start)),
		slog.Bool("ok", err == nil),
	)
	return err
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
