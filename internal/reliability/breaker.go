package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after every state transition, outside the breaker lock
type StateChangeFunc func(name string, from, to State, reason string)

// Breaker fails calls to a dependency fast after repeated failures. It never
// retries: a rejected call returns an *OpenError immediately.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	openedAt    time.Time
	lastFailure time.Time
	stats       Stats

	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenRequests int
	isFailure        func(error) bool
	onStateChange    []StateChangeFunc
	logger           *slog.Logger
	now              func() time.Time
}

// Stats counts calls seen by the breaker
type Stats struct {
	Requests  int64
	Failures  int64
	Successes int64
	Rejected  int64
}

// BreakerOption configures the breaker
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) BreakerOption {
	return func(b *Breaker) {
		b.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) BreakerOption {
	return func(b *Breaker) {
		b.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the circuit stays open before probing
func WithOpenTimeout(timeout time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.openTimeout = timeout
	}
}

// WithHalfOpenRequests caps concurrent probe calls while half-open
func WithHalfOpenRequests(requests int) BreakerOption {
	return func(b *Breaker) {
		b.halfOpenRequests = requests
	}
}

// WithName names the protected dependency in errors and logs
func WithName(name string) BreakerOption {
	return func(b *Breaker) {
		b.name = name
	}
}

// WithFailurePredicate decides which errors count against the dependency
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *Breaker) {
		b.isFailure = fn
	}
}

// WithStateChange registers a transition callback
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(b *Breaker) {
		b.onStateChange = append(b.onStateChange, fn)
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// NewBreaker creates a closed breaker
func NewBreaker(options ...BreakerOption) *Breaker {
	b := &Breaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
		halfOpenRequests: 1,
		isFailure:        CountsAsFailure,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 1
	}
	if b.successThreshold < 1 {
		b.successThreshold = 1
	}
	if b.halfOpenRequests < 1 {
		b.halfOpenRequests = 1
	}
	return b
}

// CountsAsFailure is the default predicate: the caller giving up is not the
// dependency's fault
func CountsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the circuit is open
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current state; an open circuit whose timeout elapsed
// reports half-open
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Name returns the protected dependency name
func (b *Breaker) Name() string {
	return b.name
}

// Stats returns call counters
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset closes the circuit
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	b.mu.Unlock()

	if from != StateClosed {
		b.notify(from, StateClosed, "reset")
	}
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	b.stats.Requests++

	var transitioned bool
	switch b.state {
	case StateOpen:
		next := b.openedAt.Add(b.openTimeout)
		if b.now().Before(next) {
			b.stats.Rejected++
			err := &OpenError{Name: b.name, State: StateOpen, Failures: b.failures, NextAttempt: next}
			b.mu.Unlock()
			return err
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.inFlight = 0
		transitioned = true
		fallthrough

	case StateHalfOpen:
		if b.inFlight >= b.halfOpenRequests {
			b.stats.Rejected++
			err := &OpenError{Name: b.name, State: StateHalfOpen, Failures: b.failures, NextAttempt: b.now().Add(b.openTimeout)}
			b.mu.Unlock()
			return err
		}
		b.inFlight++
	}
	b.mu.Unlock()

	if transitioned {
		b.notify(StateOpen, StateHalfOpen, "open timeout elapsed")
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	if from == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}

	var reason string
	if b.isFailure(err) {
		b.stats.Failures++
		b.failures++
		b.lastFailure = b.now()

		switch from {
		case StateClosed:
			if b.failures >= b.failureThreshold {
				b.open()
				reason = fmt.Sprintf("failure threshold reached (%d/%d)", b.failures, b.failureThreshold)
			}
		case StateHalfOpen:
			b.open()
			reason = "probe failed"
		}
	} else {
		b.stats.Successes++

		switch from {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.successThreshold {
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
				reason = fmt.Sprintf("success threshold reached (%d/%d)", b.successThreshold, b.successThreshold)
			}
		}
	}
	to := b.state
	b.mu.Unlock()

	if to != from {
		b.notify(from, to, reason)
	}
}

// open must be called with mu held
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
	b.inFlight = 0
}

func (b *Breaker) notify(from, to State, reason string) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state changed",
		"breaker", b.name, "from", from.String(), "to", to.String(), "reason", reason)

	for _, fn := range b.onStateChange {
		fn(b.name, from, to, reason)
	}
}
