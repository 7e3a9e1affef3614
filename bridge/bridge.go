package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/procapi-go/contracts"
	"github.com/glimte/procapi-go/serialization"
	"github.com/google/uuid"
)

// ErrTooManyPending is returned when the synchronous call limit is reached
var ErrTooManyPending = errors.New("bridge: too many pending requests")

// EncodeFunc turns caller input into the opaque payload shipped to workers
type EncodeFunc[In any] func(in In) (string, error)

// DecodeFunc turns a raw worker result into caller output
type DecodeFunc[Out any] func(raw string) (Out, error)

// Outcome is the result of sending one envelope: Completed for immediate
// messages, Submitted for deferred ones
type Outcome interface {
	outcome()
}

// Completed carries the decoded reply of an immediate message
type Completed[Out any] struct {
	Output Out
}

// Submitted carries the correlation id of a deferred message
type Submitted struct {
	ID uuid.UUID
}

func (Completed[Out]) outcome() {}
func (Submitted) outcome()      {}

// BridgeOption configures the bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	Timeout            time.Duration
	MaxPendingRequests int
	Codec              serialization.Codec
	Logger             *slog.Logger
}

// WithTimeout sets how long a synchronous call waits for its reply
func WithTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.Timeout = timeout
	}
}

// WithMaxPendingRequests caps concurrent synchronous calls; 0 means unlimited
func WithMaxPendingRequests(max int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxPendingRequests = max
	}
}

// WithCodec replaces the envelope codec
func WithCodec(codec serialization.Codec) BridgeOption {
	return func(c *BridgeConfig) {
		c.Codec = codec
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// DefaultTimeout is the synchronous call window used when none is configured
const DefaultTimeout = 10 * time.Second

// Bridge runs synchronous and submit-then-poll calls over the work queue
type Bridge[In, Out any] struct {
	encode     EncodeFunc[In]
	decode     DecodeFunc[Out]
	table      *Table
	publisher  *publisher
	reader     *resultReader
	listener   *listener
	timeout    time.Duration
	maxPending int
	logger     *slog.Logger

	cancel    context.CancelFunc
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a bridge and starts its reply listener. The reply source must
// already be subscribed so that immediate publishes can be answered.
func New[In, Out any](sender Sender, replies ReplySource, store ResultStore, encode EncodeFunc[In], decode DecodeFunc[Out], opts ...BridgeOption) (*Bridge[In, Out], error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if replies == nil {
		return nil, fmt.Errorf("reply source cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("result store cannot be nil")
	}
	if encode == nil || decode == nil {
		return nil, fmt.Errorf("input and output transforms are required")
	}

	config := &BridgeConfig{
		Timeout: DefaultTimeout,
		Codec:   serialization.NewEnvelopeCodec(),
		Logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", config.Timeout)
	}

	table := NewTable()
	logger := config.Logger.With("component", "bridge")

	b := &Bridge[In, Out]{
		encode:     encode,
		decode:     decode,
		table:      table,
		publisher:  newPublisher(table, config.Codec, sender),
		reader:     &resultReader{store: store},
		listener:   newListener(replies, table, config.Codec, logger),
		timeout:    config.Timeout,
		maxPending: config.MaxPendingRequests,
		logger:     logger,
		closing:    make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.listener.run(ctx)

	return b, nil
}

// CallSync publishes input as an immediate message and blocks until the
// worker replies, the timeout elapses or ctx is done.
func (b *Bridge[In, Out]) CallSync(ctx context.Context, in In) (Out, error) {
	var zero Out

	outcome, err := b.send(ctx, contracts.KindImmediate, in)
	if err != nil {
		return zero, err
	}

	switch o := outcome.(type) {
	case Completed[Out]:
		return o.Output, nil
	case Submitted:
		panic(fmt.Sprintf("bridge: internal error: immediate call returned correlation id %s", o.ID))
	default:
		panic(fmt.Sprintf("bridge: internal error: unexpected outcome %T", outcome))
	}
}

// CallAsync publishes input as a deferred message and returns its correlation
// id without waiting for the worker
func (b *Bridge[In, Out]) CallAsync(ctx context.Context, in In) (uuid.UUID, error) {
	outcome, err := b.send(ctx, contracts.KindDeferred, in)
	if err != nil {
		return uuid.Nil, err
	}

	switch o := outcome.(type) {
	case Submitted:
		return o.ID, nil
	case Completed[Out]:
		panic("bridge: internal error: deferred call returned an output")
	default:
		panic(fmt.Sprintf("bridge: internal error: unexpected outcome %T", outcome))
	}
}

// PollResult resolves a deferred call. ready is false while the worker has
// not stored a result yet; that is never an error, however often it is asked.
func (b *Bridge[In, Out]) PollResult(ctx context.Context, id string) (out Out, ready bool, err error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return out, false, fmt.Errorf("%w: %q", contracts.ErrInvalidCorrelationID, id)
	}

	raw, found, err := b.reader.lookup(ctx, parsed)
	if err != nil || !found {
		return out, false, err
	}

	out, err = b.decode(raw)
	if err != nil {
		return out, false, fmt.Errorf("failed to decode result %s: %w", parsed, err)
	}
	return out, true, nil
}

// Pending returns the number of synchronous calls awaiting a reply
func (b *Bridge[In, Out]) Pending() int {
	return b.table.Len()
}

// OldestPending returns how long the oldest synchronous call has been waiting
func (b *Bridge[In, Out]) OldestPending() time.Duration {
	return b.table.Oldest()
}

// Timeout returns the synchronous call window
func (b *Bridge[In, Out]) Timeout() time.Duration {
	return b.timeout
}

// Close stops the reply listener and fails waiting calls with ErrClosed.
// It does not close the transport or the store, which the bridge does not own.
func (b *Bridge[In, Out]) Close() error {
	b.closeOnce.Do(func() {
		close(b.closing)
		b.cancel()
		<-b.listener.done
	})
	return nil
}

// send encodes input and publishes it in the requested mode
func (b *Bridge[In, Out]) send(ctx context.Context, kind contracts.MessageKind, in In) (Outcome, error) {
	select {
	case <-b.closing:
		return nil, contracts.ErrClosed
	default:
	}

	payload, err := b.encode(in)
	if err != nil {
		if errors.Is(err, contracts.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidInput, err)
	}

	switch kind {
	case contracts.KindImmediate:
		if b.maxPending > 0 && b.table.Len() >= b.maxPending {
			return nil, ErrTooManyPending
		}

		h, slot, err := b.publisher.sendImmediate(ctx, payload)
		if err != nil {
			return nil, err
		}

		raw, err := b.await(ctx, h, slot)
		if err != nil {
			return nil, err
		}

		out, err := b.decode(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode reply: %w", err)
		}
		return Completed[Out]{Output: out}, nil

	case contracts.KindDeferred:
		id, err := b.publisher.sendDeferred(ctx, payload)
		if err != nil {
			return nil, err
		}
		return Submitted{ID: id}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", contracts.ErrInvalidEnvelope, kind)
	}
}

// await races the reply slot against the timeout. Whichever side removes the
// pending call from the table decides the result; when Abandon loses, the
// reply has been claimed and is read from the slot.
func (b *Bridge[In, Out]) await(ctx context.Context, h Handle, slot <-chan string) (string, error) {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	var cause error
	select {
	case raw := <-slot:
		return raw, nil
	case <-timer.C:
		cause = contracts.ErrTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	case <-b.closing:
		cause = contracts.ErrClosed
	}

	if b.table.Abandon(h) {
		if errors.Is(cause, contracts.ErrTimeout) {
			b.logger.Debug("synchronous call timed out", "correlationId", h, "timeout", b.timeout)
		}
		return "", cause
	}
	return <-slot, nil
}
