// Package bridge turns the asynchronous work queue into two caller-facing
// completion models.
//
// A synchronous call publishes a "short" envelope with the broker's direct
// reply destination attached and blocks until the worker replies or the
// configured timeout elapses. An asynchronous call publishes a "long" envelope
// carrying a fresh correlation id, returns that id at once, and the result is
// later read from the result store the worker writes to.
//
// The pieces:
//   - Table: in-flight synchronous calls keyed by their reply handle
//   - publisher: builds and sends envelopes for both modes
//   - listener: the single reply channel subscription that resolves Table entries
//   - resultReader: read-only lookups in the result store
//   - Bridge: the orchestration of the above
//
// Basic usage:
//
//	b, err := bridge.New(sender, replies, store, encodeInput, decodeOutput,
//		bridge.WithTimeout(10*time.Second))
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	out, err := b.CallSync(ctx, input)
//	id, err := b.CallAsync(ctx, input)
//	out, ready, err := b.PollResult(ctx, id.String())
//
// All synchronous calls share one reply subscription, so replies are matched
// to calls by the AMQP correlation_id property. Workers must copy the
// request's correlation_id onto their reply. A reply without one cannot be
// attributed to any call; it is logged as a protocol violation and the call
// ends with ErrTimeout.
//
// A reply that arrives after its call timed out is dropped silently, and a reply
// that cannot be decoded is logged and dropped; neither ever reaches a caller.
package bridge
