package reconcile

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

// ControlOptions configures the internal operator API.
type ControlOptions struct {
	Scheduler *Scheduler
	// Checkout is optional; when nil POST /subscriptions is not mounted.
	Checkout *subscription.Checkout
	// Token is the bearer token every request must carry. An empty token
	// rejects every request.
	Token string
	// BaseContext parents the scheduler loop started via POST /reconciler/start.
	BaseContext context.Context
	Logger      *slog.Logger
}

type control struct {
	opts   ControlOptions
	logger *slog.Logger
}

// ControlRouter returns the internal API, meant to be mounted under /internal:
//
//	GET  /reconciler        scheduler status
//	POST /reconciler/start  start the periodic loop
//	POST /reconciler/stop   stop the periodic loop
//	POST /reconciler/run    run once now, bypassing the cooldown
//	POST /subscriptions     create (or reuse) a pending subscription at checkout
func ControlRouter(opts ControlOptions) chi.Router {
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &control{opts: opts, logger: log.With(logger.Component("control_api"))}

	r := chi.NewRouter()
	r.Use(c.authorize)

	if opts.Scheduler != nil {
		r.Route("/reconciler", func(rr chi.Router) {
			rr.Get("/", c.status)
			rr.Post("/start", c.start)
			rr.Post("/stop", c.stop)
			rr.Post("/run", c.run)
		})
	}
	if opts.Checkout != nil {
		r.Post("/subscriptions", c.checkout)
	}
	return r
}

func (c *control) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || c.opts.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(c.opts.Token)) != 1 {
			c.logger.WarnContext(r.Context(), "control request rejected",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": ErrUnauthorized.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *control) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.opts.Scheduler.Status())
}

func (c *control) start(w http.ResponseWriter, r *http.Request) {
	err := c.opts.Scheduler.Start(c.opts.BaseContext)
	switch {
	case errors.Is(err, ErrAlreadyStarted):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_started"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		c.logger.InfoContext(r.Context(), "scheduler started by operator")
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	}
}

func (c *control) stop(w http.ResponseWriter, r *http.Request) {
	err := c.opts.Scheduler.Stop()
	switch {
	case errors.Is(err, ErrNotStarted):
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_started"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		c.logger.InfoContext(r.Context(), "scheduler stopped by operator")
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	}
}

func (c *control) run(w http.ResponseWriter, r *http.Request) {
	sum, err := c.opts.Scheduler.RunNow(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already running"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, sum)
	}
}

type checkoutResponse struct {
	SubscriptionID    string `json:"subscription_id"`
	ExternalReference string `json:"external_reference"`
	Status            string `json:"status"`
	Reused            bool   `json:"reused"`
}

func (c *control) checkout(w http.ResponseWriter, r *http.Request) {
	var req subscription.CheckoutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	rec, reused, err := c.opts.Checkout.Begin(r.Context(), req)
	switch {
	case errors.Is(err, subscription.ErrInvalidCheckout):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, subscription.ErrSubscriptionAlreadyExists) && rec != nil:
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":           "subscription already active",
			"subscription_id": rec.ID.String(),
		})
		return
	case err != nil:
		c.logger.ErrorContext(r.Context(), "checkout failed", logger.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "checkout failed"})
		return
	}

	code := http.StatusCreated
	if reused {
		code = http.StatusOK
	}
	writeJSON(w, code, checkoutResponse{
		SubscriptionID:    rec.ID.String(),
		ExternalReference: rec.ExternalReference,
		Status:            string(rec.Status),
		Reused:            reused,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
