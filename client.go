// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package procapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/procapi-go/bridge"
	"github.com/glimte/procapi-go/contracts"
	"github.com/glimte/procapi-go/health"
	"github.com/glimte/procapi-go/internal/config"
	"github.com/glimte/procapi-go/internal/reliability"
	redisstore "github.com/glimte/procapi-go/stores/redis"
	"github.com/glimte/procapi-go/transform"
	rabbitmqTransport "github.com/glimte/procapi-go/transports/rabbitmq"
)

// PredictionBridge is the bridge specialised to image predictions
type PredictionBridge = bridge.Bridge[contracts.InputData, contracts.OutputData]

// Client provides the main entry point: image predictions over the work
// queue, either waited for or submitted and polled
type Client struct {
	bridge  *PredictionBridge
	health  *health.Registry
	closers []io.Closer
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewClient connects to RabbitMQ and Redis as configured and starts the bridge
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := newClientConfig(options)
	opts.bridgeOptions = append([]bridge.BridgeOption{
		bridge.WithTimeout(cfg.Bridge.Timeout),
		bridge.WithMaxPendingRequests(cfg.Bridge.MaxPendingRequests),
	}, opts.bridgeOptions...)
	if opts.labels == nil {
		opts.labels = cfg.Labels
	}

	var breakers []*reliability.Breaker
	storeOpts := []redisstore.StoreOption{redisstore.WithLogger(opts.logger)}
	transportOpts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithQueue(cfg.RabbitMQ.QueueName),
		rabbitmqTransport.WithDeclareQueue(cfg.RabbitMQ.DeclareQueue),
		rabbitmqTransport.WithLogger(opts.logger),
	}
	if cfg.Breaker.FailureThreshold > 0 {
		newBreaker := func(name string) *reliability.Breaker {
			b := reliability.NewBreaker(
				reliability.WithName(name),
				reliability.WithFailureThreshold(cfg.Breaker.FailureThreshold),
				reliability.WithOpenTimeout(cfg.Breaker.OpenTimeout),
				reliability.WithBreakerLogger(opts.logger),
			)
			breakers = append(breakers, b)
			return b
		}
		storeOpts = append(storeOpts, redisstore.WithCircuitBreaker(newBreaker("redis")))
		transportOpts = append(transportOpts, rabbitmqTransport.WithCircuitBreaker(newBreaker("rabbitmq")))
	}

	store, err := redisstore.NewStore(cfg.Redis.ConnectionString, append(storeOpts, opts.storeOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create result store: %w", err)
	}

	transport, err := rabbitmqTransport.NewTransport(ctx, cfg.RabbitMQ.AMQPURL(), append(transportOpts, opts.transportOptions...)...)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := newClient(transport, transport, store, opts)
	if err != nil {
		transport.Close()
		store.Close()
		return nil, err
	}

	client.health.SetMetadata("queue", transport.Queue())
	client.health.Register(health.NewRabbitMQChecker(transport))
	client.health.Register(health.NewQueueChecker(transport.Queue(), transport, opts.maxQueueDepth))
	client.health.Register(health.NewRedisChecker(store))
	for _, b := range breakers {
		client.health.Register(breakerChecker(b))
	}
	// the transport goes first so no reply can arrive after the store is gone
	client.closers = []io.Closer{transport, store}

	opts.logger.Info("client started", "queue", transport.Queue(), "timeout", client.bridge.Timeout())
	return client, nil
}

// NewClientWith builds a client over caller-supplied broker and store
// adapters. The client does not close them.
func NewClientWith(sender bridge.Sender, replies bridge.ReplySource, store bridge.ResultStore, options ...ClientOption) (*Client, error) {
	return newClient(sender, replies, store, newClientConfig(options))
}

func newClient(sender bridge.Sender, replies bridge.ReplySource, store bridge.ResultStore, opts *clientConfig) (*Client, error) {
	images := transform.NewImageTransform(opts.imageOptions...)
	labels := transform.NewLabelTransform(opts.labels)

	bridgeOpts := append([]bridge.BridgeOption{bridge.WithLogger(opts.logger)}, opts.bridgeOptions...)
	b, err := bridge.New(sender, replies, store, images.Transform, labels.Transform, bridgeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	registry := health.NewRegistry()
	registry.SetMetadata("timeout", b.Timeout().String())
	for k, v := range opts.metadata {
		registry.SetMetadata(k, v)
	}
	registry.Register(health.NewBridgeChecker(b, opts.maxPendingWarn))
	registry.Register(health.NewMemoryChecker(5000, 20000))

	return &Client{
		bridge: b,
		health: registry,
		logger: opts.logger,
	}, nil
}

// Short runs a synchronous prediction and returns the label
func (c *Client) Short(ctx context.Context, in contracts.InputData) (contracts.OutputData, error) {
	return c.bridge.CallSync(ctx, in)
}

// Long submits a prediction and returns the id to poll with Result
func (c *Client) Long(ctx context.Context, in contracts.InputData) (uuid.UUID, error) {
	return c.bridge.CallAsync(ctx, in)
}

// Result returns the label of a submitted prediction once a worker stored it
func (c *Client) Result(ctx context.Context, id string) (contracts.OutputData, bool, error) {
	return c.bridge.PollResult(ctx, id)
}

// Health runs all registered checks
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// HealthRegistry returns the registry for additional checks and HTTP handlers
func (c *Client) HealthRegistry() *health.Registry {
	return c.health
}

// Bridge returns the underlying bridge
func (c *Client) Bridge() *PredictionBridge {
	return c.bridge
}

// Close stops the bridge, then releases the broker and store connections the
// client opened. Calls waiting for a reply fail with contracts.ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.bridge.Close()
		for _, closer := range c.closers {
			if err := closer.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		c.logger.Info("client closed")
	})
	return c.closeErr
}

// breakerChecker reports an open circuit as degraded: calls fail fast but the
// service itself is up
func breakerChecker(b *reliability.Breaker) health.Checker {
	return health.NewCheckerFunc("breaker."+b.Name(), func(ctx context.Context) health.CheckResult {
		state := b.State()
		stats := b.Stats()
		result := health.CheckResult{
			Name:      "breaker." + b.Name(),
			Status:    health.StatusHealthy,
			Message:   "Circuit " + state.String(),
			Timestamp: time.Now(),
			Details: map[string]interface{}{
				"state":    state.String(),
				"requests": stats.Requests,
				"failures": stats.Failures,
				"rejected": stats.Rejected,
			},
		}
		if state != reliability.StateClosed {
			result.Status = health.StatusDegraded
		}
		return result
	})
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	labels           map[string]string
	maxQueueDepth    int
	maxPendingWarn   int
	metadata         map[string]interface{}
	bridgeOptions    []bridge.BridgeOption
	imageOptions     []transform.ImageOption
	storeOptions     []redisstore.StoreOption
	transportOptions []rabbitmqTransport.TransportOption
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:        slog.Default(),
		maxQueueDepth: 10000,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithLabels replaces the class label table
func WithLabels(labels map[string]string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.labels = labels
	}
}

// WithBridgeOptions passes options to the bridge
func WithBridgeOptions(opts ...bridge.BridgeOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.bridgeOptions = append(cfg.bridgeOptions, opts...)
	}
}

// WithImageOptions passes options to the image transform
func WithImageOptions(opts ...transform.ImageOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.imageOptions = append(cfg.imageOptions, opts...)
	}
}

// WithStoreOptions passes options to the Redis store
func WithStoreOptions(opts ...redisstore.StoreOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.storeOptions = append(cfg.storeOptions, opts...)
	}
}

// WithTransportOptions passes options to the RabbitMQ transport
func WithTransportOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOptions = append(cfg.transportOptions, opts...)
	}
}

// WithHealthMetadata adds a value reported with every health check
func WithHealthMetadata(key string, value interface{}) ClientOption {
	return func(cfg *clientConfig) {
		if cfg.metadata == nil {
			cfg.metadata = make(map[string]interface{})
		}
		cfg.metadata[key] = value
	}
}

// WithHealthThresholds sets the work queue depth and pending call count
// above which health reports degraded; 0 disables a threshold
func WithHealthThresholds(maxQueueDepth, maxPending int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxQueueDepth = maxQueueDepth
		cfg.maxPendingWarn = maxPending
	}
}
