// Package contracts defines the data exchanged between procapi callers, the
// bridge and the backend workers.
//
// The types in this package are the stable wire contract:
//   - Envelope: the unit published to the work queue
//   - MessageKind: "short" (caller waits for a direct reply) or "long" (result is polled)
//   - InputData / OutputData: the HTTP-facing request and result records
//
// Field names follow the JSON shape the existing Python and .NET workers consume,
// so any change here is a breaking change for deployed workers.
package contracts
