package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/procapi-go/internal/reliability"
)

// ErrInvalidConnectionString is returned for connection strings go-redis cannot parse
var ErrInvalidConnectionString = errors.New("redis: invalid connection string")

// Store reads deferred results written by workers
type Store struct {
	client  *goredis.Client
	timeout time.Duration
	logger  *slog.Logger
	breaker *reliability.Breaker
}

// StoreOption configures the store
type StoreOption func(*Store)

// WithTimeout bounds every command issued by the store
func WithTimeout(timeout time.Duration) StoreOption {
	return func(s *Store) {
		s.timeout = timeout
	}
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCircuitBreaker makes Get and Ping fail fast while Redis keeps failing
func WithCircuitBreaker(breaker *reliability.Breaker) StoreOption {
	return func(s *Store) {
		s.breaker = breaker
	}
}

// ParseConnectionString turns a connection string into client options. The
// redis:// scheme is optional; "host:port" alone is accepted.
func ParseConnectionString(conn string) (*goredis.Options, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidConnectionString)
	}
	if !strings.Contains(conn, "://") {
		conn = "redis://" + conn
	}

	opts, err := goredis.ParseURL(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConnectionString, err)
	}
	return opts, nil
}

// NewStore creates a store from a connection string. It does not dial;
// use Ping to verify the server is reachable.
func NewStore(conn string, options ...StoreOption) (*Store, error) {
	opts, err := ParseConnectionString(conn)
	if err != nil {
		return nil, err
	}
	return NewStoreWithClient(goredis.NewClient(opts), options...), nil
}

// NewStoreWithClient wraps an existing client; Close closes it
func NewStoreWithClient(client *goredis.Client, options ...StoreOption) *Store {
	s := &Store{
		client:  client,
		timeout: 2 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "redis")
	return s
}

// Get returns the value stored at key. A missing key and an empty value are
// both reported as not found.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var value string
	err := s.execute(ctx, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		value = v
		return err
	})
	switch {
	case errors.Is(err, reliability.ErrCircuitOpen):
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	case err != nil:
		s.logger.Error("result lookup failed", "key", key, "error", err)
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	case value == "":
		return "", false, nil
	}
	return value, true, nil
}

// Ping checks that the server answers
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.execute(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Execute(ctx, fn)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
