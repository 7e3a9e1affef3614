package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/procapi-go/contracts"
	"github.com/glimte/procapi-go/serialization"
)

// listener drains the reply channel and resolves pending calls
type listener struct {
	source ReplySource
	table  *Table
	codec  serialization.Codec
	logger *slog.Logger
	done   chan struct{}
}

func newListener(source ReplySource, table *Table, codec serialization.Codec, logger *slog.Logger) *listener {
	return &listener{
		source: source,
		table:  table,
		codec:  codec,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// run blocks until ctx is cancelled or the reply subscription is lost
func (l *listener) run(ctx context.Context) {
	defer close(l.done)

	err := l.source.Consume(ctx, l.handle)
	if err != nil && ctx.Err() == nil {
		l.logger.Error("reply listener stopped", "error", err)
		return
	}
	l.logger.Debug("reply listener stopped")
}

// handle never returns an error: nothing on the reply channel can be
// attributed to a caller unless it decodes and matches a pending call
func (l *listener) handle(reply Reply) {
	value, err := l.codec.DecodeReply(reply.Body)
	if err != nil {
		var malformed *contracts.MalformedReplyError
		if errors.As(err, &malformed) {
			l.logger.Warn("dropping reply: protocol violation",
				"correlationId", reply.CorrelationID,
				"reason", malformed.Reason,
				"size", len(reply.Body))
			return
		}
		l.logger.Warn("dropping reply", "correlationId", reply.CorrelationID, "error", err)
		return
	}

	if reply.CorrelationID == "" {
		l.logger.Warn("dropping reply: protocol violation", "reason", "missing correlation id")
		return
	}

	if !l.table.Fulfill(Handle(reply.CorrelationID), value) {
		l.logger.Debug("discarding late reply", "correlationId", reply.CorrelationID)
	}
}
