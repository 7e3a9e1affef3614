package bridge

import (
	"context"

	"github.com/glimte/procapi-go/contracts"
)

// Outbound is one encoded envelope handed to the transport
type Outbound struct {
	Kind contracts.MessageKind
	Body []byte
	// CorrelationID is the reply handle for immediate messages; the transport
	// must attach it together with the reply destination. Empty for deferred.
	CorrelationID string
}

// Sender publishes envelopes to the work queue
type Sender interface {
	Send(ctx context.Context, msg Outbound) error
}

// Reply is one message received on the reply channel
type Reply struct {
	// CorrelationID is the transport-level correlation reference echoed by the worker
	CorrelationID string
	Body          []byte
}

// ReplySource is the dedicated reply channel subscription
type ReplySource interface {
	// Consume calls handle for every reply until ctx is cancelled. It returns
	// nil on cancellation and an error only when the subscription is lost for good.
	Consume(ctx context.Context, handle func(Reply)) error
}

// ResultStore is the key-value store deferred results are written to
type ResultStore interface {
	// Get returns the value at key; found is false when the key is absent or empty
	Get(ctx context.Context, key string) (value string, found bool, err error)
}
