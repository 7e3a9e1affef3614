package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is matched by every *OpenError
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// OpenError reports a call rejected without reaching the dependency
type OpenError struct {
	Name        string
	State       State
	Failures    int
	NextAttempt time.Time
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: probe already in flight", e.Name)
	}
	retryIn := time.Until(e.NextAttempt).Round(time.Second)
	return fmt.Sprintf("circuit breaker %s open: %d consecutive failures, next attempt in %v",
		e.Name, e.Failures, retryIn)
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}
