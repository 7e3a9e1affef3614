package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/procapi-go/bridge"
	"github.com/glimte/procapi-go/contracts"
	"github.com/glimte/procapi-go/internal/rabbitmq"
	"github.com/glimte/procapi-go/internal/reliability"
	"github.com/glimte/procapi-go/internal/tracing"
	"github.com/glimte/procapi-go/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the work queue workers consume from
const DefaultQueue = "rpc_queue"

// Transport carries bridge envelopes over RabbitMQ. Immediate envelopes go
// out on the reply channel with the direct reply-to address attached;
// deferred envelopes go out on pooled channels without one.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	replies   *rabbitmq.ReplyChannel
	topology  *rabbitmq.TopologyManager
	breaker   *reliability.Breaker
	queue     string
	logger    *slog.Logger
	closeOnce sync.Once
}

var (
	_ bridge.Sender      = (*Transport)(nil)
	_ bridge.ReplySource = (*Transport)(nil)
)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Queue             string
	DeclareQueue      bool
	Logger            *slog.Logger
	Breaker           *reliability.Breaker
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ReplyOptions      []rabbitmq.ReplyChannelOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithQueue sets the work queue name
func WithQueue(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Queue = name
	}
}

// WithDeclareQueue makes NewTransport declare the work queue on start
func WithDeclareQueue(declare bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeclareQueue = declare
	}
}

// WithLogger sets the logger used by the transport and its components
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithCircuitBreaker makes Send fail fast while publishes keep failing
func WithCircuitBreaker(breaker *reliability.Breaker) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Breaker = breaker
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithReplyChannelOptions sets reply channel options
func WithReplyChannelOptions(opts ...rabbitmq.ReplyChannelOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ReplyOptions = append(cfg.ReplyOptions, opts...)
	}
}

// NewTransport connects to the broker, optionally declares the work queue and
// subscribes to direct reply-to. The reply subscription is live when it returns.
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Queue:  DefaultQueue,
		Logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("%w: queue name is required", rabbitmq.ErrInvalidConfiguration)
	}

	logger := cfg.Logger.With("component", "transport", "queue", cfg.Queue)

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(logger)}, cfg.PoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	t := &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, cfg.PublisherOptions...)...),
		replies:   rabbitmq.NewReplyChannel(manager, append([]rabbitmq.ReplyChannelOption{rabbitmq.WithReplyLogger(logger)}, cfg.ReplyOptions...)...),
		topology:  rabbitmq.NewTopologyManager(pool),
		breaker:   cfg.Breaker,
		queue:     cfg.Queue,
		logger:    logger,
	}

	if cfg.DeclareQueue {
		if _, err := t.topology.DeclareQueue(ctx, rabbitmq.WorkQueue(cfg.Queue)); err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to declare work queue: %w", err)
		}
	}

	if err := t.replies.Open(); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to subscribe to replies: %w", err)
	}

	return t, nil
}

// Send publishes one envelope to the work queue. The trace context of ctx
// travels in the message headers.
func (t *Transport) Send(ctx context.Context, msg bridge.Outbound) (err error) {
	ctx, span := tracing.StartPublish(ctx, t.queue, string(msg.Kind), msg.CorrelationID)
	defer func() { tracing.End(span, err) }()

	publishing := amqp.Publishing{
		Headers:       tracing.Inject(ctx, nil),
		ContentType:   serialization.ContentType,
		CorrelationId: msg.CorrelationID,
		Timestamp:     time.Now(),
		Body:          msg.Body,
	}

	switch msg.Kind {
	case contracts.KindImmediate:
		if msg.CorrelationID == "" {
			return fmt.Errorf("%w: immediate message without correlation handle", contracts.ErrInvalidEnvelope)
		}
		return t.execute(ctx, func(ctx context.Context) error {
			return t.replies.Publish(ctx, "", t.queue, publishing)
		})
	case contracts.KindDeferred:
		return t.execute(ctx, func(ctx context.Context) error {
			return t.publisher.Publish(ctx, "", t.queue, publishing)
		})
	default:
		return fmt.Errorf("%w: unknown kind %q", contracts.ErrInvalidEnvelope, msg.Kind)
	}
}

func (t *Transport) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if t.breaker == nil {
		return fn(ctx)
	}
	return t.breaker.Execute(ctx, fn)
}

// Consume delivers replies from the direct reply-to subscription until ctx
// is cancelled or the transport is closed
func (t *Transport) Consume(ctx context.Context, handle func(bridge.Reply)) error {
	return t.replies.Consume(ctx, func(d amqp.Delivery) {
		t.logger.Debug("reply received", "correlationId", d.CorrelationId,
			"traceId", tracing.TraceID(tracing.Extract(ctx, d.Headers)))
		handle(bridge.Reply{CorrelationID: d.CorrelationId, Body: d.Body})
	})
}

// Queue returns the work queue name
func (t *Transport) Queue() string {
	return t.queue
}

// Connected reports whether the broker connection is up
func (t *Transport) Connected() bool {
	return t.manager.IsConnected()
}

// RepliesOpen reports whether the reply subscription is live
func (t *Transport) RepliesOpen() bool {
	return t.replies.IsOpen()
}

// OpenChannels returns the number of pooled channels
func (t *Transport) OpenChannels() int {
	return t.pool.Size()
}

// QueueDepth returns the number of ready messages and consumers on the work queue
func (t *Transport) QueueDepth(ctx context.Context) (messages, consumers int, err error) {
	q, err := t.topology.InspectQueue(ctx, t.queue)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// Close releases the reply subscription, the channels and the connection
func (t *Transport) Close() error {
	var firstErr error
	t.closeOnce.Do(func() {
		record := func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		record(t.replies.Close())
		record(t.publisher.Close())
		record(t.pool.Close())
		record(t.manager.Close())
		t.logger.Info("transport closed")
	})
	return firstErr
}
