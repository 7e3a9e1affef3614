package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/glimte/procapi-go/contracts"
)

// ContentType is the AMQP content type of encoded envelopes
const ContentType = "application/json"

// Codec converts envelopes to and from their wire form and decodes worker replies
type Codec interface {
	// Encode serializes a valid envelope; the output is deterministic
	Encode(env contracts.Envelope) ([]byte, error)

	// Decode parses an encoded envelope and checks the kind/id invariant
	Decode(data []byte) (contracts.Envelope, error)

	// DecodeReply extracts the worker result from a reply channel message
	DecodeReply(body []byte) (string, error)
}

// EnvelopeCodec is the JSON codec shared with the Python and .NET workers
type EnvelopeCodec struct{}

// NewEnvelopeCodec creates the JSON envelope codec
func NewEnvelopeCodec() *EnvelopeCodec {
	return &EnvelopeCodec{}
}

// Encode implements Codec
func (c *EnvelopeCodec) Encode(env contracts.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode implements Codec
func (c *EnvelopeCodec) Decode(data []byte) (contracts.Envelope, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return contracts.Envelope{}, &contracts.MalformedReplyError{Reason: err.Error(), Body: data}
	}
	if err := env.Validate(); err != nil {
		return contracts.Envelope{}, &contracts.MalformedReplyError{Reason: err.Error(), Body: data}
	}
	return env, nil
}

// DecodeReply implements Codec. Workers answer with the bare result as UTF-8
// text, so anything that is not valid text or is blank cannot be a result.
func (c *EnvelopeCodec) DecodeReply(body []byte) (string, error) {
	if !utf8.Valid(body) {
		return "", &contracts.MalformedReplyError{Reason: "reply is not valid UTF-8", Body: body}
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", &contracts.MalformedReplyError{Reason: "empty reply", Body: body}
	}
	return string(trimmed), nil
}
