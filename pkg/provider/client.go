package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/dmitrymomot/billsync/pkg/logger"
)

const (
	endpointPayment       = "payments.get"
	endpointSubscription  = "subscriptions.get"
	endpointSearch        = "subscriptions.search"
	endpointSubscriptionW = "subscriptions.update"
)

// Client talks to the provider REST API. Every call is bounded by the configured
// timeout, transient failures are retried with backoff, and each endpoint sits
// behind its own circuit breaker.
type Client struct {
	http        *resty.Client
	maxAttempts int
	backoff     BackoffStrategy
	logger      *slog.Logger
	breakers    map[string]*gobreaker.CircuitBreaker[*resty.Response]
}

type options struct {
	accessToken     string
	timeout         time.Duration
	httpClient      *http.Client
	maxAttempts     int
	backoff         BackoffStrategy
	logger          *slog.Logger
	breakerFailures uint32
	breakerTimeout  time.Duration
}

// Option configures a Client.
type Option func(*options)

func WithAccessToken(token string) Option {
	return func(o *options) { o.accessToken = token }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHTTPClient sets the underlying transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithMaxAttempts caps the number of tries per call, including the first one.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithBackoff(b BackoffStrategy) Option {
	return func(o *options) {
		if b != nil {
			o.backoff = b
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBreaker trips an endpoint's breaker after failures consecutive transient
// errors and half-opens it after timeout. Zero failures disables breakers.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(o *options) {
		o.breakerFailures = failures
		if timeout > 0 {
			o.breakerTimeout = timeout
		}
	}
}

// New creates a provider client for the API at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrMissingBaseURL
	}

	o := options{
		timeout:         8 * time.Second,
		maxAttempts:     3,
		backoff:         DefaultBackoff(),
		logger:          slog.Default(),
		breakerFailures: 5,
		breakerTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	rc := resty.New()
	if o.httpClient != nil {
		rc = resty.NewWithClient(o.httpClient)
	}
	rc.SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(o.timeout).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{o.logger})
	if o.accessToken != "" {
		rc.SetAuthToken(o.accessToken)
	}

	c := &Client{
		http:        rc,
		maxAttempts: o.maxAttempts,
		backoff:     o.backoff,
		logger:      o.logger.With(logger.Component("provider")),
		breakers:    make(map[string]*gobreaker.CircuitBreaker[*resty.Response]),
	}

	if o.breakerFailures > 0 {
		for _, name := range []string{endpointPayment, endpointSubscription, endpointSearch, endpointSubscriptionW} {
			c.breakers[name] = c.newBreaker(name, o.breakerFailures, o.breakerTimeout)
		}
	}

	return c, nil
}

func (c *Client) newBreaker(name string, failures uint32, timeout time.Duration) *gobreaker.CircuitBreaker[*resty.Response] {
	return gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Definitive answers from the provider mean it is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || isDefinitive(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("provider circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// FetchPayment loads a payment by its provider ID.
func (c *Client) FetchPayment(ctx context.Context, id string) Result[Payment] {
	if id == "" {
		return failed[Payment](OutcomeInvalidRequest, 0, 0, ErrMissingID)
	}
	resp, attempts, err := c.do(ctx, request{
		endpoint:   endpointPayment,
		method:     http.MethodGet,
		path:       "/payments/{id}",
		pathParams: map[string]string{"id": id},
	})
	return decode[Payment](resp, attempts, err)
}

// FetchSubscription loads a subscription by its provider ID.
func (c *Client) FetchSubscription(ctx context.Context, id string) Result[Subscription] {
	if id == "" {
		return failed[Subscription](OutcomeInvalidRequest, 0, 0, ErrMissingID)
	}
	resp, attempts, err := c.do(ctx, request{
		endpoint:   endpointSubscription,
		method:     http.MethodGet,
		path:       "/subscriptions/{id}",
		pathParams: map[string]string{"id": id},
	})
	return decode[Subscription](resp, attempts, err)
}

// SearchSubscriptions lists subscriptions matching criteria. An empty match is OutcomeOK with no items.
func (c *Client) SearchSubscriptions(ctx context.Context, criteria SearchCriteria) Result[[]Subscription] {
	if criteria.empty() {
		return failed[[]Subscription](OutcomeInvalidRequest, 0, 0, ErrEmptyCriteria)
	}
	resp, attempts, err := c.do(ctx, request{
		endpoint: endpointSearch,
		method:   http.MethodGet,
		path:     "/subscriptions/search",
		query:    criteria.query(),
	})
	res := decode[searchResponse](resp, attempts, err)
	if !res.OK() {
		return failed[[]Subscription](res.Outcome, res.StatusCode, res.Attempts, res.Err)
	}
	return ok(res.Value.Results, res.StatusCode, res.Attempts)
}

// CancelSubscription stops future charges for a subscription on the provider side.
func (c *Client) CancelSubscription(ctx context.Context, id string) Result[Subscription] {
	if id == "" {
		return failed[Subscription](OutcomeInvalidRequest, 0, 0, ErrMissingID)
	}
	resp, attempts, err := c.do(ctx, request{
		endpoint:   endpointSubscriptionW,
		method:     http.MethodPut,
		path:       "/subscriptions/{id}",
		pathParams: map[string]string{"id": id},
		body:       map[string]string{"status": SubscriptionCancelled},
	})
	return decode[Subscription](resp, attempts, err)
}

type request struct {
	endpoint   string
	method     string
	path       string
	pathParams map[string]string
	query      map[string]string
	body       any
}

// do runs the request with retries. Definitive answers and an open breaker end the loop early.
func (c *Client) do(ctx context.Context, req request) (*resty.Response, int, error) {
	var (
		resp *resty.Response
		err  error
	)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return resp, attempt - 1, fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
			case <-time.After(c.backoff.NextInterval(attempt - 1)):
			}
		}

		resp, err = c.attempt(ctx, req)
		if err == nil {
			return resp, attempt, nil
		}
		if isDefinitive(err) || errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			return resp, attempt, err
		}

		c.logger.WarnContext(ctx, "provider call failed, retrying",
			slog.String("endpoint", req.endpoint),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.maxAttempts),
			logger.Error(err),
		)
	}

	return resp, c.maxAttempts, err
}

func (c *Client) attempt(ctx context.Context, req request) (*resty.Response, error) {
	call := func() (*resty.Response, error) {
		r := c.http.R().
			SetContext(ctx).
			SetPathParams(req.pathParams).
			SetQueryParams(req.query)
		if req.body != nil {
			r.SetHeader("Content-Type", "application/json").SetBody(req.body)
		}

		resp, err := r.Execute(req.method, req.path)
		if err != nil {
			return resp, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
		if code := resp.StatusCode(); code < 200 || code >= 300 {
			return resp, &StatusError{Code: code, Body: truncate(resp.String(), 256)}
		}
		return resp, nil
	}

	cb, ok := c.breakers[req.endpoint]
	if !ok {
		return call()
	}

	resp, err := cb.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, req.endpoint)
	}
	return resp, err
}

func decode[T any](resp *resty.Response, attempts int, err error) Result[T] {
	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	if err != nil {
		return failed[T](classify(err), status, attempts, err)
	}

	var v T
	if err := json.Unmarshal(resp.Body(), &v); err != nil {
		return failed[T](OutcomeInvalidRequest, status, attempts, fmt.Errorf("%w: %w", ErrUnexpectedResponse, err))
	}
	return ok(v, status, attempts)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// restyLogger routes resty's internal messages to slog.
type restyLogger struct{ l *slog.Logger }

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug(fmt.Sprintf(format, v...)) }
