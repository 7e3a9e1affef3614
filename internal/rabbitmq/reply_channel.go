package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DirectReplyTo is the pseudo-queue RabbitMQ routes replies through without
// declaring a queue per caller
const DirectReplyTo = "amq.rabbitmq.reply-to"

// ReplyChannel is the single channel that both consumes DirectReplyTo and
// publishes messages expecting a reply. RabbitMQ only accepts a publish with
// ReplyTo set to DirectReplyTo on the channel that consumes it.
type ReplyChannel struct {
	manager        *ConnectionManager
	logger         *slog.Logger
	confirmTimeout time.Duration
	retryInterval  time.Duration

	mu         sync.RWMutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     bool

	// publishes on an amqp.Channel are safe concurrently, but confirm
	// sequence numbers must be taken in publish order
	publishMu sync.Mutex

	reopen chan struct{}
}

// ReplyChannelOption configures the reply channel
type ReplyChannelOption func(*ReplyChannel)

// WithReplyLogger sets the reply channel logger
func WithReplyLogger(logger *slog.Logger) ReplyChannelOption {
	return func(r *ReplyChannel) {
		r.logger = logger
	}
}

// WithReplyConfirmTimeout bounds the wait for a broker confirm
func WithReplyConfirmTimeout(timeout time.Duration) ReplyChannelOption {
	return func(r *ReplyChannel) {
		r.confirmTimeout = timeout
	}
}

// WithReopenInterval sets how often a lost channel is re-opened while the
// connection stays up
func WithReopenInterval(interval time.Duration) ReplyChannelOption {
	return func(r *ReplyChannel) {
		r.retryInterval = interval
	}
}

// NewReplyChannel creates a reply channel and registers it for connection
// state changes. Call Open before publishing.
func NewReplyChannel(manager *ConnectionManager, options ...ReplyChannelOption) *ReplyChannel {
	r := &ReplyChannel{
		manager:        manager,
		logger:         slog.Default(),
		confirmTimeout: 5 * time.Second,
		retryInterval:  time.Second,
		reopen:         make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(r)
	}

	manager.AddStateListener(r)
	return r
}

// Open opens the channel in confirm mode and subscribes to DirectReplyTo
func (r *ReplyChannel) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrReplyChannelClosed
	}
	if r.ch != nil && !r.ch.IsClosed() {
		return nil
	}

	ch, err := r.manager.Channel()
	if err != nil {
		return &ChannelError{Op: "open reply channel", ChannelID: DirectReplyTo, Err: err, Timestamp: time.Now()}
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return &ChannelError{Op: "enable confirms", ChannelID: DirectReplyTo, Err: err, Timestamp: time.Now()}
	}

	// direct reply-to requires no-ack consumption
	deliveries, err := ch.Consume(DirectReplyTo, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return &ChannelError{Op: "consume", ChannelID: DirectReplyTo, Err: err, Timestamp: time.Now()}
	}

	r.ch = ch
	r.deliveries = deliveries
	r.logger.Info("reply channel open", "queue", DirectReplyTo)
	return nil
}

// IsOpen reports whether replies can currently be received
func (r *ReplyChannel) IsOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed && r.ch != nil && !r.ch.IsClosed()
}

// Publish sends msg with ReplyTo set to DirectReplyTo and waits for the
// broker confirm
func (r *ReplyChannel) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	r.mu.RLock()
	ch, closed := r.ch, r.closed
	r.mu.RUnlock()

	switch {
	case closed:
		return r.fail(exchange, routingKey, ErrReplyChannelClosed)
	case ch == nil || ch.IsClosed():
		r.requestReopen()
		return r.fail(exchange, routingKey, ErrReplyChannelNotOpen)
	}

	msg.ReplyTo = DirectReplyTo

	r.publishMu.Lock()
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	r.publishMu.Unlock()
	if err != nil {
		return r.fail(exchange, routingKey, err)
	}

	if err := awaitConfirm(ctx, dc, r.confirmTimeout); err != nil {
		return r.fail(exchange, routingKey, err)
	}
	return nil
}

// Consume hands every reply to handler until ctx is done or the reply
// channel is closed. A channel lost to a broker or connection failure is
// re-opened; replies sent to the old channel are lost.
func (r *ReplyChannel) Consume(ctx context.Context, handler func(amqp.Delivery)) error {
	for {
		r.mu.RLock()
		deliveries, closed := r.deliveries, r.closed
		r.mu.RUnlock()

		if closed {
			return nil
		}

		if deliveries != nil {
			if done := r.drain(ctx, deliveries, handler); done {
				return nil
			}
			r.logger.Warn("reply channel lost")
			r.mu.Lock()
			if r.deliveries == deliveries {
				r.deliveries = nil
			}
			r.mu.Unlock()
		}

		if err := r.waitAndReopen(ctx); err != nil {
			return nil
		}
	}
}

// Close cancels the reply consumer and closes the channel
func (r *ReplyChannel) Close() error {
	r.manager.RemoveStateListener(r)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.ch != nil && !r.ch.IsClosed() {
		if err := r.ch.Close(); err != nil && err != amqp.ErrClosed {
			return err
		}
	}
	return nil
}

// OnConnected re-opens the channel after a reconnect
func (r *ReplyChannel) OnConnected() {
	r.requestReopen()
}

// OnDisconnected is part of ConnectionStateListener
func (r *ReplyChannel) OnDisconnected(err error) {
	r.logger.Warn("reply channel disconnected", "error", err)
}

// OnReconnecting is part of ConnectionStateListener
func (r *ReplyChannel) OnReconnecting(attempt int) {}

// drain returns true when Consume should stop
func (r *ReplyChannel) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler func(amqp.Delivery)) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				r.mu.RLock()
				closed := r.closed
				r.mu.RUnlock()
				return closed
			}
			handler(d)
		}
	}
}

func (r *ReplyChannel) waitAndReopen(ctx context.Context) error {
	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.reopen:
		case <-ticker.C:
		}

		if !r.manager.IsConnected() {
			continue
		}
		err := r.Open()
		if err == nil {
			return nil
		}
		if err == ErrReplyChannelClosed {
			return err
		}
		r.logger.Error("failed to re-open reply channel", "error", err)
	}
}

func (r *ReplyChannel) requestReopen() {
	select {
	case r.reopen <- struct{}{}:
	default:
	}
}

func (r *ReplyChannel) fail(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        fmt.Errorf("reply-to publish: %w", err),
		Timestamp:  time.Now(),
	}
}
