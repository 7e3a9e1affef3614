package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procapi-go/internal/reliability"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := NewStore(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, mr
}

func TestParseConnectionString(t *testing.T) {
	tests := []struct {
		name     string
		conn     string
		addr     string
		password string
		db       int
		wantErr  bool
	}{
		{name: "with scheme", conn: "redis://localhost:6379", addr: "localhost:6379"},
		{name: "without scheme", conn: "cache:6380", addr: "cache:6380"},
		{name: "with password and db", conn: "redis://:s3cret@cache:6379/2", addr: "cache:6379", password: "s3cret", db: 2},
		{name: "surrounding space", conn: "  redis://cache:6379 ", addr: "cache:6379"},
		{name: "empty", conn: "", wantErr: true},
		{name: "unsupported scheme", conn: "http://cache:6379", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := ParseConnectionString(tt.conn)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConnectionString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, opts.Addr)
			assert.Equal(t, tt.password, opts.Password)
			assert.Equal(t, tt.db, opts.DB)
		})
	}
}

func TestStoreGet(t *testing.T) {
	ctx := context.Background()

	t.Run("present value", func(t *testing.T) {
		store, mr := newTestStore(t)
		require.NoError(t, mr.Set("2f1c8a9e-5b7d-4c3a-9e8f-0a1b2c3d4e5f", "1"))

		value, found, err := store.Get(ctx, "2f1c8a9e-5b7d-4c3a-9e8f-0a1b2c3d4e5f")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "1", value)
	})

	t.Run("missing key", func(t *testing.T) {
		store, _ := newTestStore(t)

		value, found, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, value)
	})

	t.Run("empty value counts as absent", func(t *testing.T) {
		store, mr := newTestStore(t)
		require.NoError(t, mr.Set("k", ""))

		_, found, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("repeated reads do not consume the value", func(t *testing.T) {
		store, mr := newTestStore(t)
		require.NoError(t, mr.Set("k", "0"))

		for i := 0; i < 3; i++ {
			value, found, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "0", value)
		}
	})

	t.Run("server errors are returned", func(t *testing.T) {
		store, mr := newTestStore(t)
		mr.SetError("LOADING server is loading")

		_, found, err := store.Get(ctx, "k")
		assert.Error(t, err)
		assert.False(t, found)
	})

	t.Run("unreachable server", func(t *testing.T) {
		store, mr := newTestStore(t)
		mr.Close()

		_, _, err := store.Get(ctx, "k")
		assert.Error(t, err)
	})
}

func TestStorePing(t *testing.T) {
	store, mr := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}

func TestStoreOptions(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:0"})
	store := NewStoreWithClient(client, WithTimeout(time.Second))
	defer store.Close()

	assert.Equal(t, time.Second, store.timeout)
	assert.NotNil(t, store.logger)
}

func TestStoreCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	breaker := reliability.NewBreaker(reliability.WithName("redis"), reliability.WithFailureThreshold(2), reliability.WithOpenTimeout(time.Hour))
	store, err := NewStore(mr.Addr(), WithCircuitBreaker(breaker))
	require.NoError(t, err)
	defer store.Close()

	// misses do not count as failures
	for i := 0; i < 3; i++ {
		_, found, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, reliability.StateClosed, breaker.State())

	mr.SetError("LOADING server is loading")
	for i := 0; i < 2; i++ {
		_, _, err := store.Get(ctx, "k")
		assert.Error(t, err)
	}
	assert.Equal(t, reliability.StateOpen, breaker.State())

	mr.SetError("")
	mr.Set("k", "1")
	_, _, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	assert.ErrorIs(t, store.Ping(ctx), reliability.ErrCircuitOpen)

	breaker.Reset()
	value, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", value)
}
