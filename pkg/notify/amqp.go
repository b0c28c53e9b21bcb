package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dmitrymomot/billsync/pkg/logger"
)

// DefaultExchange is the topic exchange subscription events are published to.
const DefaultExchange = "billsync.subscriptions"

// AMQPConfig configures the RabbitMQ publisher. Publishing is disabled when URL is empty.
type AMQPConfig struct {
	URL      string `env:"AMQP_URL"`
	Exchange string `env:"AMQP_EXCHANGE" envDefault:"billsync.subscriptions"`
}

func (c AMQPConfig) Enabled() bool { return c.URL != "" }

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events as JSON to a topic exchange, routed by event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  Channel
	exchange string
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// NewAMQPPublisher wraps an already open channel.
func NewAMQPPublisher(ch Channel, exchange string, log *slog.Logger) *AMQPPublisher {
	if log == nil {
		log = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{
		channel:  ch,
		exchange: exchange,
		logger:   log.With(logger.Component("amqp_publisher")),
		now:      time.Now,
	}
}

// DialAMQP connects to the broker, declares the durable topic exchange and
// returns a publisher that owns the connection.
func DialAMQP(cfg AMQPConfig, log *slog.Logger) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: AMQP_URL is required", ErrInvalidConfig)
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := NewAMQPPublisher(ch, exchange, log)
	p.conn = conn
	p.logger.Info("rabbitmq publisher connected", slog.String("exchange", exchange))
	return p, nil
}

func (p *AMQPPublisher) Notify(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.SubscriptionID.String() + ":" + string(ev.Type),
		Timestamp:    p.now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrDeliveryFailed, ev.Type, err)
	}
	p.logger.DebugContext(ctx, "event published",
		slog.String("routing_key", string(ev.Type)),
		logger.SubscriptionID(ev.SubscriptionID),
	)
	return nil
}

// Close closes the channel and, if the publisher dialed it, the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", logger.Error(err))
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
