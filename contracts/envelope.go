package contracts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MessageKind tells a worker how the result is expected back
type MessageKind string

const (
	// KindImmediate means a caller is blocked on the direct reply channel
	KindImmediate MessageKind = "short"
	// KindDeferred means the worker writes the result to the result store under Envelope.ID
	KindDeferred MessageKind = "long"
)

// String returns the wire name of the kind
func (k MessageKind) String() string {
	return string(k)
}

// Valid reports whether k is one of the known kinds
func (k MessageKind) Valid() bool {
	return k == KindImmediate || k == KindDeferred
}

// UnmarshalJSON accepts the wire names case-insensitively; older .NET workers
// emit "Short"/"Long".
func (k *MessageKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("message kind: %w", err)
	}
	kind := MessageKind(strings.ToLower(s))
	if !kind.Valid() {
		return fmt.Errorf("unknown message kind %q", s)
	}
	*k = kind
	return nil
}

// Envelope is the unit published to the work queue
type Envelope struct {
	Kind MessageKind `json:"message_type"`
	Data string      `json:"data"`
	ID   *uuid.UUID  `json:"id"`
}

// NewImmediateEnvelope builds an envelope for a caller waiting on the reply channel
func NewImmediateEnvelope(payload string) Envelope {
	return Envelope{Kind: KindImmediate, Data: payload}
}

// NewDeferredEnvelope builds an envelope whose result will be stored under id
func NewDeferredEnvelope(payload string, id uuid.UUID) Envelope {
	return Envelope{Kind: KindDeferred, Data: payload, ID: &id}
}

// Validate checks that the correlation id is present exactly for deferred envelopes
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindImmediate:
		if e.ID != nil {
			return fmt.Errorf("%w: immediate envelope carries id %s", ErrInvalidEnvelope, e.ID)
		}
	case KindDeferred:
		if e.ID == nil {
			return fmt.Errorf("%w: deferred envelope without id", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}
