// Package health aggregates liveness and readiness checks for the bridge
// and its broker, queue and store dependencies.
package health
