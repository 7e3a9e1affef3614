// Package rabbitmq wraps amqp091-go for the prediction bridge.
//
// This package includes:
//   - ConnectionManager: owns the broker connection and reconnects with backoff
//   - ChannelPool: lends channels for deferred publishes and topology work
//   - Publisher: confirmed, non-retrying publishes on pooled channels
//   - ReplyChannel: the direct reply-to consumer and the publisher of
//     messages that expect a reply
//   - TopologyManager: declares and inspects the work queue
package rabbitmq
