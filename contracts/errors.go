package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no reply arrives within the synchronous call window
	ErrTimeout = errors.New("procapi: operation timed out waiting for reply")

	// ErrInvalidEnvelope is returned when an envelope breaks the kind/id invariant
	ErrInvalidEnvelope = errors.New("procapi: invalid envelope")

	// ErrInvalidInput is returned when the input transform rejects caller data
	ErrInvalidInput = errors.New("procapi: invalid input")

	// ErrInvalidCorrelationID is returned when a poll id is not a UUID
	ErrInvalidCorrelationID = errors.New("procapi: invalid correlation id")

	// ErrClosed is returned by operations on a closed bridge
	ErrClosed = errors.New("procapi: bridge is closed")
)

// PublishError reports that an envelope could not be handed to the broker
type PublishError struct {
	Kind MessageKind
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("procapi: failed to publish %s message: %v", e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// MalformedReplyError reports a reply channel message that could not be decoded
type MalformedReplyError struct {
	Reason string
	Body   []byte
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("procapi: malformed reply (%d bytes): %s", len(e.Body), e.Reason)
}
