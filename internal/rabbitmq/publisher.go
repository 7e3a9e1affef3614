package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes fire-and-forget messages on pooled channels and waits
// for the broker confirm. It does not retry: a failed publish is reported to
// the caller immediately.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
	mu             sync.RWMutex
	closed         bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the publisher logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and returns once the broker has confirmed it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return p.fail(exchange, routingKey, ErrPublisherClosed)
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return p.fail(exchange, routingKey, err)
	}

	if err := ch.EnableConfirms(); err != nil {
		p.pool.Discard(ch)
		return p.fail(exchange, routingKey, fmt.Errorf("failed to enable confirms: %w", err))
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return p.fail(exchange, routingKey, err)
	}

	err = awaitConfirm(ctx, dc, p.confirmTimeout)
	if err != nil {
		// the channel may still deliver the confirm later; never reuse it
		p.pool.Discard(ch)
		return p.fail(exchange, routingKey, err)
	}

	p.pool.Put(ch)
	p.logger.Debug("message published", "routingKey", routingKey, "correlationId", msg.CorrelationId)
	return nil
}

// Close stops accepting publishes; the pool is owned by the caller
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Publisher) fail(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// awaitConfirm waits for a deferred confirmation within timeout
func awaitConfirm(ctx context.Context, dc *amqp.DeferredConfirmation, timeout time.Duration) error {
	if dc == nil {
		return fmt.Errorf("%w: channel not in confirm mode", ErrPublishNotConfirmed)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	acked, err := dc.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishNotConfirmed, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked delivery %d", ErrPublishNotConfirmed, dc.DeliveryTag)
	}
	return nil
}
