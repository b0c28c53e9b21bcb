package reconcile_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/reconcile"
	"github.com/dmitrymomot/billsync/pkg/storage"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

const controlToken = "s3cret"

func newControl(t *testing.T, h *harness, s *reconcile.Scheduler, token string) http.Handler {
	t.Helper()
	return reconcile.ControlRouter(reconcile.ControlOptions{
		Scheduler: s,
		Checkout: subscription.NewCheckout(h.store,
			subscription.WithCheckoutLogger(logger.Discard()),
			subscription.WithCheckoutClock(func() time.Time { return t0 }),
		),
		Token:       token,
		BaseContext: context.Background(),
		Logger:      logger.Discard(),
	})
}

func call(t *testing.T, handler http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return rr, out
}

func TestControlRouter_Authorization(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := newScheduler(h)

	tests := []struct {
		name       string
		configured string
		sent       string
	}{
		{name: "missing token", configured: controlToken},
		{name: "wrong token", configured: controlToken, sent: "nope"},
		{name: "unconfigured token rejects everything", configured: "", sent: "anything"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr, body := call(t, newControl(t, h, s, tt.configured), http.MethodGet, "/reconciler", tt.sent, "")
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, reconcile.ErrUnauthorized.Error(), body["error"])
		})
	}
}

func TestControlRouter_Scheduler(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := newScheduler(h)
	api := newControl(t, h, s, controlToken)

	rr, body := call(t, api, http.MethodGet, "/reconciler", controlToken, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, false, body["scheduled"])

	rr, body = call(t, api, http.MethodPost, "/reconciler/run", controlToken, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "manual", body["trigger"])
	assert.InDelta(t, 0, body["checked"], 0)

	rr, body = call(t, api, http.MethodPost, "/reconciler/start", controlToken, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "started", body["status"])

	_, body = call(t, api, http.MethodPost, "/reconciler/start", controlToken, "")
	assert.Equal(t, "already_started", body["status"])

	_, body = call(t, api, http.MethodPost, "/reconciler/stop", controlToken, "")
	assert.Equal(t, "stopped", body["status"])

	_, body = call(t, api, http.MethodPost, "/reconciler/stop", controlToken, "")
	assert.Equal(t, "not_started", body["status"])
}

func TestControlRouter_RunWhileRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	api := newControl(t, h, newScheduler(h, reconcile.WithLease(heldLease{})), controlToken)

	rr, body := call(t, api, http.MethodPost, "/reconciler/run", controlToken, "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "already running", body["error"])
}

func TestControlRouter_Checkout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	api := newControl(t, h, newScheduler(h), controlToken)
	req := `{"user_id":"u1","product_id":"p1","customer_email":"buyer@example.com","frequency":1,"frequency_unit":"months","amount":1000,"currency":"usd"}`

	rr, body := call(t, api, http.MethodPost, "/subscriptions", controlToken, req)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, false, body["reused"])
	ref, _ := body["external_reference"].(string)
	assert.True(t, subscription.IsExternalReference(ref), ref)

	rr, again := call(t, api, http.MethodPost, "/subscriptions", controlToken, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, again["reused"])
	assert.Equal(t, body["subscription_id"], again["subscription_id"])

	rec, err := h.store.GetByExternalReference(context.Background(), ref)
	require.NoError(t, err)
	rec.Status = subscription.StatusActive
	require.NoError(t, h.store.Update(context.Background(), rec))

	rr, conflict := call(t, api, http.MethodPost, "/subscriptions", controlToken, req)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, body["subscription_id"], conflict["subscription_id"])

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{`},
		{name: "unknown field", body: `{"user":"u1"}`},
		{name: "invalid product", body: `{"user_id":"u1","product_id":"p-1","frequency":1,"frequency_unit":"months"}`},
	}
	for _, tt := range tests {
		rr, _ := call(t, api, http.MethodPost, "/subscriptions", controlToken, tt.body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, tt.name)
	}
}

// takenReferenceStore rejects every insert as if the external reference were taken.
type takenReferenceStore struct {
	*storage.Memory
}

func (takenReferenceStore) Create(context.Context, *subscription.Record) error {
	return fmt.Errorf("insert subscription: %w", subscription.ErrSubscriptionAlreadyExists)
}

func TestControlRouter_Checkout_ReferenceCollision(t *testing.T) {
	t.Parallel()

	api := reconcile.ControlRouter(reconcile.ControlOptions{
		Checkout: subscription.NewCheckout(takenReferenceStore{storage.NewMemory()},
			subscription.WithCheckoutLogger(logger.Discard()),
		),
		Token:       controlToken,
		BaseContext: context.Background(),
		Logger:      logger.Discard(),
	})
	req := `{"user_id":"u1","product_id":"p1","frequency":1,"frequency_unit":"months","amount":1000,"currency":"usd"}`

	var (
		rr   *httptest.ResponseRecorder
		body map[string]any
	)
	require.NotPanics(t, func() {
		rr, body = call(t, api, http.MethodPost, "/subscriptions", controlToken, req)
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "checkout failed", body["error"])
}
