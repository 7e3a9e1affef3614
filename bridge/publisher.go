package bridge

import (
	"context"
	"fmt"

	"github.com/glimte/procapi-go/contracts"
	"github.com/glimte/procapi-go/serialization"
	"github.com/google/uuid"
)

// publisher builds envelopes for both call modes and hands them to the transport
type publisher struct {
	table  *Table
	codec  serialization.Codec
	sender Sender
	newID  func() uuid.UUID
}

func newPublisher(table *Table, codec serialization.Codec, sender Sender) *publisher {
	return &publisher{
		table:  table,
		codec:  codec,
		sender: sender,
		newID:  uuid.New,
	}
}

// sendImmediate registers a pending call and publishes a short envelope bound
// to the reply channel. On failure the pending call is removed again.
func (p *publisher) sendImmediate(ctx context.Context, payload string) (Handle, <-chan string, error) {
	h, slot := p.table.Register()

	body, err := p.codec.Encode(contracts.NewImmediateEnvelope(payload))
	if err != nil {
		p.table.Abandon(h)
		return "", nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	err = p.sender.Send(ctx, Outbound{
		Kind:          contracts.KindImmediate,
		Body:          body,
		CorrelationID: string(h),
	})
	if err != nil {
		p.table.Abandon(h)
		return "", nil, &contracts.PublishError{Kind: contracts.KindImmediate, Err: err}
	}

	return h, slot, nil
}

// sendDeferred publishes a long envelope under a fresh correlation id and
// returns the id without waiting for the worker
func (p *publisher) sendDeferred(ctx context.Context, payload string) (uuid.UUID, error) {
	id := p.newID()

	body, err := p.codec.Encode(contracts.NewDeferredEnvelope(payload, id))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	if err := p.sender.Send(ctx, Outbound{Kind: contracts.KindDeferred, Body: body}); err != nil {
		return uuid.Nil, &contracts.PublishError{Kind: contracts.KindDeferred, Err: err}
	}

	return id, nil
}
