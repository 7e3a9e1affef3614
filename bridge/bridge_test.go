package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/procapi-go/contracts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory broker: Send records envelopes and, when a
// responder is set, answers immediate ones on the reply channel
type fakeTransport struct {
	mu        sync.Mutex
	sent      []Outbound
	handle    func(Reply)
	ready     chan struct{}
	responder func(msg Outbound) (Reply, bool)
	sendErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ready: make(chan struct{})}
}

func (f *fakeTransport) Send(ctx context.Context, msg Outbound) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	responder := f.responder
	f.mu.Unlock()

	if responder != nil && msg.Kind == contracts.KindImmediate {
		if reply, ok := responder(msg); ok {
			go f.deliver(reply)
		}
	}
	return nil
}

func (f *fakeTransport) Consume(ctx context.Context, handle func(Reply)) error {
	f.mu.Lock()
	f.handle = handle
	f.mu.Unlock()
	close(f.ready)

	<-ctx.Done()
	return nil
}

func (f *fakeTransport) deliver(reply Reply) {
	<-f.ready
	f.mu.Lock()
	handle := f.handle
	f.mu.Unlock()
	handle(reply)
}

func (f *fakeTransport) lastSent() Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// fakeStore is a string-keyed map standing in for Redis
type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string]string)}
}

func (s *fakeStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.values[key]
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (s *fakeStore) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// mockSender lets tests script transport failures
type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg Outbound) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func passthrough(in string) (string, error) {
	return in, nil
}

func labels(raw string) (contracts.OutputData, error) {
	names := map[string]string{"0": "cat", "1": "dog"}
	if name, ok := names[raw]; ok {
		return contracts.OutputData{ResultClass: name}, nil
	}
	return contracts.OutputData{ResultClass: "unknown"}, nil
}

func newTestBridge(t *testing.T, sender Sender, replies ReplySource, store ResultStore, opts ...BridgeOption) *Bridge[string, contracts.OutputData] {
	t.Helper()
	b, err := New[string, contracts.OutputData](sender, replies, store, passthrough, labels, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func echoReply(value string) func(Outbound) (Reply, bool) {
	return func(msg Outbound) (Reply, bool) {
		return Reply{CorrelationID: msg.CorrelationID, Body: []byte(value)}, true
	}
}

func TestNew(t *testing.T) {
	transport := newFakeTransport()
	store := newFakeStore()

	t.Run("fails with nil sender", func(t *testing.T) {
		_, err := New[string, contracts.OutputData](nil, transport, store, passthrough, labels)
		assert.ErrorContains(t, err, "sender cannot be nil")
	})

	t.Run("fails with nil reply source", func(t *testing.T) {
		_, err := New[string, contracts.OutputData](transport, nil, store, passthrough, labels)
		assert.ErrorContains(t, err, "reply source cannot be nil")
	})

	t.Run("fails with nil store", func(t *testing.T) {
		_, err := New[string, contracts.OutputData](transport, transport, nil, passthrough, labels)
		assert.ErrorContains(t, err, "result store cannot be nil")
	})

	t.Run("fails with non-positive timeout", func(t *testing.T) {
		_, err := New[string, contracts.OutputData](transport, transport, store, passthrough, labels, WithTimeout(0))
		assert.ErrorContains(t, err, "timeout must be positive")
	})

	t.Run("applies defaults", func(t *testing.T) {
		b := newTestBridge(t, newFakeTransport(), newFakeTransport(), store)
		assert.Equal(t, DefaultTimeout, b.Timeout())
		assert.Equal(t, 0, b.Pending())
	})
}

func TestCallSync(t *testing.T) {
	t.Run("returns decoded reply", func(t *testing.T) {
		transport := newFakeTransport()
		transport.responder = echoReply("0")
		b := newTestBridge(t, transport, transport, newFakeStore(), WithTimeout(time.Second))

		out, err := b.CallSync(context.Background(), "X")
		require.NoError(t, err)
		assert.Equal(t, contracts.OutputData{ResultClass: "cat"}, out)
		assert.Equal(t, 0, b.Pending())

		sent := transport.lastSent()
		assert.Equal(t, contracts.KindImmediate, sent.Kind)
		assert.NotEmpty(t, sent.CorrelationID)
		assert.JSONEq(t, `{"message_type":"short","data":"X","id":null}`, string(sent.Body))
	})

	t.Run("times out when no reply arrives", func(t *testing.T) {
		transport := newFakeTransport()
		b := newTestBridge(t, transport, transport, newFakeStore(), WithTimeout(50*time.Millisecond))

		start := time.Now()
		_, err := b.CallSync(context.Background(), "X")
		elapsed := time.Since(start)

		assert.ErrorIs(t, err, contracts.ErrTimeout)
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("late reply has no effect", func(t *testing.T) {
		transport := newFakeTransport()
		b := newTestBridge(t, transport, transport, newFakeStore(), WithTimeout(20*time.Millisecond))

		_, err := b.CallSync(context.Background(), "X")
		require.ErrorIs(t, err, contracts.ErrTimeout)

		late := transport.lastSent()
		assert.NotPanics(t, func() {
			transport.deliver(Reply{CorrelationID: late.CorrelationID, Body: []byte("0")})
		})
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("publish failure surfaces as PublishError", func(t *testing.T) {
		sender := &mockSender{}
		sender.On("Send", mock.Anything, mock.MatchedBy(func(msg Outbound) bool {
			return msg.Kind == contracts.KindImmediate
		})).Return(errors.New("connection refused"))

		b := newTestBridge(t, sender, newFakeTransport(), newFakeStore())

		_, err := b.CallSync(context.Background(), "X")
		var pubErr *contracts.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, contracts.KindImmediate, pubErr.Kind)
		assert.Equal(t, 0, b.Pending())
		sender.AssertExpectations(t)
	})

	t.Run("malformed reply is dropped and a valid one still resolves the call", func(t *testing.T) {
		transport := newFakeTransport()
		transport.responder = func(msg Outbound) (Reply, bool) {
			go transport.deliver(Reply{CorrelationID: msg.CorrelationID, Body: []byte{0xff, 0xfe}})
			go func() {
				time.Sleep(20 * time.Millisecond)
				transport.deliver(Reply{CorrelationID: msg.CorrelationID, Body: []byte("1")})
			}()
			return Reply{}, false
		}
		b := newTestBridge(t, transport, transport, newFakeStore(), WithTimeout(time.Second))

		out, err := b.CallSync(context.Background(), "X")
		require.NoError(t, err)
		assert.Equal(t, "dog", out.ResultClass)
	})

	t.Run("reply without the echoed correlation id cannot resolve a call", func(t *testing.T) {
		transport := newFakeTransport()
		transport.responder = func(msg Outbound) (Reply, bool) {
			return Reply{Body: []byte("1")}, true
		}
		b := newTestBridge(t, transport, transport, newFakeStore(), WithTimeout(50*time.Millisecond))

		_, err := b.CallSync(context.Background(), "X")
		assert.ErrorIs(t, err, contracts.ErrTimeout)
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("reply for an unknown call is ignored", func(t *testing.T) {
		transport := newFakeTransport()
		newTestBridge(t, transport, transport, newFakeStore())

		assert.NotPanics(t, func() {
			transport.deliver(Reply{CorrelationID: "nobody", Body: []byte("0")})
			transport.deliver(Reply{Body: []byte("0")})
		})
	})

	t.Run("context cancellation abandons the call", func(t *testing.T) {
		transport := newFakeTransport()
		b := newTestBridge(t, transport, transport, newFakeStore(), WithTimeout(time.Minute))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := b.CallSync(ctx, "X")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("input transform errors are invalid input", func(t *testing.T) {
		transport := newFakeTransport()
		failing := func(string) (string, error) { return "", errors.New("bad base64") }
		b, err := New[string, contracts.OutputData](transport, transport, newFakeStore(), failing, labels)
		require.NoError(t, err)
		defer b.Close()

		_, err = b.CallSync(context.Background(), "X")
		assert.ErrorIs(t, err, contracts.ErrInvalidInput)
		assert.Empty(t, transport.sent)
	})

	t.Run("rejects calls over the pending limit", func(t *testing.T) {
		transport := newFakeTransport()
		b := newTestBridge(t, transport, transport, newFakeStore(),
			WithTimeout(200*time.Millisecond), WithMaxPendingRequests(1))

		done := make(chan struct{})
		go func() {
			defer close(done)
			b.CallSync(context.Background(), "first")
		}()
		require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, 5*time.Millisecond)

		_, err := b.CallSync(context.Background(), "second")
		assert.ErrorIs(t, err, ErrTooManyPending)
		<-done
	})

	t.Run("concurrent calls receive their own replies", func(t *testing.T) {
		transport := newFakeTransport()
		transport.responder = func(msg Outbound) (Reply, bool) {
			var env contracts.Envelope
			if err := json.Unmarshal(msg.Body, &env); err != nil {
				return Reply{}, false
			}
			return Reply{CorrelationID: msg.CorrelationID, Body: []byte(env.Data)}, true
		}
		b, err := New[string, string](transport, transport, newFakeStore(), passthrough, passthrough, WithTimeout(time.Second))
		require.NoError(t, err)
		defer b.Close()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				want := fmt.Sprintf("payload-%d", i)
				got, err := b.CallSync(context.Background(), want)
				assert.NoError(t, err)
				assert.Equal(t, want, got)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 0, b.Pending())
	})
}

func TestCallAsyncAndPoll(t *testing.T) {
	t.Run("returns id and resolves after the worker stores a result", func(t *testing.T) {
		transport := newFakeTransport()
		store := newFakeStore()
		b := newTestBridge(t, transport, transport, store)

		id, err := b.CallAsync(context.Background(), "Y")
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id)

		sent := transport.lastSent()
		assert.Equal(t, contracts.KindDeferred, sent.Kind)
		assert.Empty(t, sent.CorrelationID)
		assert.JSONEq(t, fmt.Sprintf(`{"message_type":"long","data":"Y","id":"%s"}`, id), string(sent.Body))

		_, ready, err := b.PollResult(context.Background(), id.String())
		require.NoError(t, err)
		assert.False(t, ready)

		store.set(ResultKey(id), "1")

		out, ready, err := b.PollResult(context.Background(), id.String())
		require.NoError(t, err)
		assert.True(t, ready)
		assert.Equal(t, contracts.OutputData{ResultClass: "dog"}, out)
	})

	t.Run("does not wait for the backend", func(t *testing.T) {
		transport := newFakeTransport()
		b := newTestBridge(t, transport, transport, newFakeStore(), WithTimeout(time.Hour))

		start := time.Now()
		_, err := b.CallAsync(context.Background(), "Y")
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("publish failure surfaces as PublishError", func(t *testing.T) {
		transport := newFakeTransport()
		transport.sendErr = errors.New("channel closed")
		b := newTestBridge(t, transport, transport, newFakeStore())

		_, err := b.CallAsync(context.Background(), "Y")
		var pubErr *contracts.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, contracts.KindDeferred, pubErr.Kind)
	})

	t.Run("unknown id stays pending", func(t *testing.T) {
		transport := newFakeTransport()
		b := newTestBridge(t, transport, transport, newFakeStore())
		id := uuid.New().String()

		for i := 0; i < 5; i++ {
			_, ready, err := b.PollResult(context.Background(), id)
			require.NoError(t, err)
			assert.False(t, ready)
		}
	})

	t.Run("id lookup is case-insensitive", func(t *testing.T) {
		transport := newFakeTransport()
		store := newFakeStore()
		b := newTestBridge(t, transport, transport, store)

		id := uuid.New()
		store.set(ResultKey(id), "0")

		out, ready, err := b.PollResult(context.Background(), strings.ToUpper(id.String()))
		require.NoError(t, err)
		assert.True(t, ready)
		assert.Equal(t, "cat", out.ResultClass)
	})

	t.Run("malformed id is rejected", func(t *testing.T) {
		transport := newFakeTransport()
		b := newTestBridge(t, transport, transport, newFakeStore())

		_, _, err := b.PollResult(context.Background(), "not-a-uuid")
		assert.ErrorIs(t, err, contracts.ErrInvalidCorrelationID)
	})

	t.Run("store errors are not masked", func(t *testing.T) {
		transport := newFakeTransport()
		store := newFakeStore()
		store.err = errors.New("connection reset")
		b := newTestBridge(t, transport, transport, store)

		_, ready, err := b.PollResult(context.Background(), uuid.New().String())
		assert.False(t, ready)
		assert.ErrorContains(t, err, "connection reset")
	})
}

func TestClose(t *testing.T) {
	t.Run("fails waiting calls and rejects new ones", func(t *testing.T) {
		transport := newFakeTransport()
		b, err := New[string, contracts.OutputData](transport, transport, newFakeStore(), passthrough, labels, WithTimeout(time.Minute))
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() {
			_, err := b.CallSync(context.Background(), "X")
			errCh <- err
		}()
		require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, b.Close())
		assert.ErrorIs(t, <-errCh, contracts.ErrClosed)
		assert.Equal(t, 0, b.Pending())

		_, err = b.CallAsync(context.Background(), "Y")
		assert.ErrorIs(t, err, contracts.ErrClosed)
	})

	t.Run("is idempotent", func(t *testing.T) {
		transport := newFakeTransport()
		b, err := New[string, contracts.OutputData](transport, transport, newFakeStore(), passthrough, labels)
		require.NoError(t, err)

		assert.NoError(t, b.Close())
		assert.NoError(t, b.Close())
	})
}
