package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/notify"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

func activated() notify.Event {
	rec := &subscription.Record{
		ID:                uuid.New(),
		UserID:            "u1",
		ProductID:         "pro",
		ExternalReference: "SUB-u1-pro-abcd1234",
		CustomerEmail:     "buyer@example.com",
		Status:            subscription.StatusActive,
		Amount:            1999,
		Currency:          "USD",
	}
	return notify.NewEvent(notify.TypeActivated, rec, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (s *recordingSender) SendEmail(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func TestEvent_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, activated().Validate())

	ev := activated()
	ev.Type = "subscription.renamed"
	assert.ErrorIs(t, ev.Validate(), notify.ErrInvalidEvent)

	ev = activated()
	ev.SubscriptionID = uuid.Nil
	assert.ErrorIs(t, ev.Validate(), notify.ErrInvalidEvent)
}

func TestEmailNotifier(t *testing.T) {
	t.Parallel()

	t.Run("activation", func(t *testing.T) {
		t.Parallel()
		s := &recordingSender{}
		require.NoError(t, notify.NewEmailNotifier(s).Notify(context.Background(), activated()))
		require.Len(t, s.msgs, 1)
		assert.Equal(t, "buyer@example.com", s.msgs[0].To)
		assert.Equal(t, "subscription.activated", s.msgs[0].Tag)
		assert.Contains(t, s.msgs[0].BodyHTML, "SUB-u1-pro-abcd1234")
	})

	t.Run("cancellation escapes reason", func(t *testing.T) {
		t.Parallel()
		s := &recordingSender{}
		ev := activated()
		ev.Type = notify.TypeCancelled
		ev.Reason = "<b>duplicate</b>"
		require.NoError(t, notify.NewEmailNotifier(s).Notify(context.Background(), ev))
		require.Len(t, s.msgs, 1)
		assert.Contains(t, s.msgs[0].BodyHTML, "&lt;b&gt;duplicate&lt;/b&gt;")
	})

	t.Run("no email is skipped", func(t *testing.T) {
		t.Parallel()
		s := &recordingSender{}
		ev := activated()
		ev.CustomerEmail = ""
		require.NoError(t, notify.NewEmailNotifier(s).Notify(context.Background(), ev))
		assert.Empty(t, s.msgs)
	})
}

func TestNewPostmarkSender_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  notify.EmailConfig
	}{
		{name: "missing token", cfg: notify.EmailConfig{SenderEmail: "billing@example.com"}},
		{name: "bad sender", cfg: notify.EmailConfig{PostmarkServerToken: "t", SenderEmail: "nope"}},
		{name: "bad support", cfg: notify.EmailConfig{PostmarkServerToken: "t", SenderEmail: "billing@example.com", SupportEmail: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := notify.NewPostmarkSender(tt.cfg)
			assert.ErrorIs(t, err, notify.ErrInvalidConfig)
			assert.Nil(t, s)
		})
	}

	s, err := notify.NewPostmarkSender(notify.EmailConfig{PostmarkServerToken: "t", SenderEmail: "billing@example.com"})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

type fakeChannel struct {
	mu       sync.Mutex
	exchange string
	keys     []string
	msgs     []amqp.Publishing
	err      error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.exchange = exchange
	c.keys = append(c.keys, key)
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestAMQPPublisher(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	p := notify.NewAMQPPublisher(ch, "", logger.Discard())
	ev := activated()
	require.NoError(t, p.Notify(context.Background(), ev))

	assert.Equal(t, notify.DefaultExchange, ch.exchange)
	assert.Equal(t, []string{"subscription.activated"}, ch.keys)
	require.Len(t, ch.msgs, 1)
	assert.Equal(t, "application/json", ch.msgs[0].ContentType)
	assert.Equal(t, amqp.Persistent, ch.msgs[0].DeliveryMode)

	var got notify.Event
	require.NoError(t, json.Unmarshal(ch.msgs[0].Body, &got))
	assert.Equal(t, ev.SubscriptionID, got.SubscriptionID)
	assert.Equal(t, ev.ExternalReference, got.ExternalReference)

	require.NoError(t, p.Close())
}

func TestAMQPPublisher_Error(t *testing.T) {
	t.Parallel()

	p := notify.NewAMQPPublisher(&fakeChannel{err: amqp.ErrClosed}, "x", logger.Discard())
	err := p.Notify(context.Background(), activated())
	assert.ErrorIs(t, err, notify.ErrDeliveryFailed)
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestMulti(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var calls int
	var mu sync.Mutex
	count := notify.NotifierFunc(func(context.Context, notify.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	fail := notify.NotifierFunc(func(context.Context, notify.Event) error { return boom })

	err := notify.Multi(count, nil, fail, count).Notify(context.Background(), activated())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestDispatcher_DeliversAndDrains(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []uuid.UUID
	n := notify.NotifierFunc(func(_ context.Context, ev notify.Event) error {
		mu.Lock()
		got = append(got, ev.SubscriptionID)
		mu.Unlock()
		return nil
	})

	d := notify.NewDispatcher(n, notify.WithWorkers(3), notify.WithDispatcherLogger(logger.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	for range 10 {
		require.NoError(t, d.Dispatch(ctx, activated()))
	}
	cancel()
	d.Close()

	assert.Len(t, got, 10)
	assert.ErrorIs(t, d.Dispatch(context.Background(), activated()), notify.ErrDispatcherClosed)
	d.Close()
}

func TestDispatcher_FailuresDoNotPropagate(t *testing.T) {
	t.Parallel()

	n := notify.NotifierFunc(func(context.Context, notify.Event) error { panic("broken notifier") })
	d := notify.NewDispatcher(n, notify.WithDispatcherLogger(logger.Discard()))
	require.NoError(t, d.Dispatch(context.Background(), activated()))
	d.Close()
}

func TestDispatcher_BacklogFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	n := notify.NotifierFunc(func(context.Context, notify.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	d := notify.NewDispatcher(n,
		notify.WithWorkers(1),
		notify.WithBacklog(1),
		notify.WithDispatcherLogger(logger.Discard()),
	)
	require.NoError(t, d.Dispatch(context.Background(), activated()))
	<-started
	require.NoError(t, d.Dispatch(context.Background(), activated()))
	assert.ErrorIs(t, d.Dispatch(context.Background(), activated()), notify.ErrDispatcherBacklog)

	close(release)
	d.Close()
}
