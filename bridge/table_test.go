package bridge

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	t.Run("Register creates distinct pending calls", func(t *testing.T) {
		table := NewTable()

		h1, _ := table.Register()
		h2, _ := table.Register()

		assert.NotEqual(t, h1, h2)
		assert.Equal(t, 2, table.Len())
	})

	t.Run("Fulfill delivers value and removes entry", func(t *testing.T) {
		table := NewTable()
		h, slot := table.Register()

		assert.True(t, table.Fulfill(h, "0"))
		assert.Equal(t, "0", <-slot)
		assert.Equal(t, 0, table.Len())
	})

	t.Run("Fulfill is a no-op the second time", func(t *testing.T) {
		table := NewTable()
		h, slot := table.Register()

		require.True(t, table.Fulfill(h, "first"))
		assert.False(t, table.Fulfill(h, "second"))
		assert.Equal(t, "first", <-slot)
	})

	t.Run("Fulfill unknown handle returns false", func(t *testing.T) {
		table := NewTable()
		assert.False(t, table.Fulfill(Handle("missing"), "0"))
	})

	t.Run("Fulfill after Abandon returns false", func(t *testing.T) {
		table := NewTable()
		h, slot := table.Register()

		assert.True(t, table.Abandon(h))
		assert.False(t, table.Fulfill(h, "late"))
		assert.Equal(t, 0, table.Len())

		select {
		case v := <-slot:
			t.Fatalf("abandoned slot received %q", v)
		default:
		}
	})

	t.Run("Abandon twice is harmless", func(t *testing.T) {
		table := NewTable()
		h, _ := table.Register()

		assert.True(t, table.Abandon(h))
		assert.False(t, table.Abandon(h))
	})

	t.Run("Oldest is zero when empty", func(t *testing.T) {
		table := NewTable()
		assert.Zero(t, table.Oldest())

		table.Register()
		assert.GreaterOrEqual(t, table.Oldest().Nanoseconds(), int64(0))
	})
}

func TestTable_FulfillAbandonRace(t *testing.T) {
	table := NewTable()
	const rounds = 2000

	var fulfilled, abandoned atomic.Int64
	for i := 0; i < rounds; i++ {
		h, slot := table.Register()

		var wg sync.WaitGroup
		var fOK, aOK bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			fOK = table.Fulfill(h, "v")
		}()
		go func() {
			defer wg.Done()
			aOK = table.Abandon(h)
		}()
		wg.Wait()

		require.NotEqual(t, fOK, aOK, "exactly one side must win round %d", i)
		if fOK {
			fulfilled.Add(1)
			assert.Equal(t, "v", <-slot)
		} else {
			abandoned.Add(1)
			assert.Len(t, slot, 0)
		}
	}

	assert.Equal(t, int64(rounds), fulfilled.Load()+abandoned.Load())
	assert.Equal(t, 0, table.Len())
}

func TestTable_ConcurrentCalls(t *testing.T) {
	table := NewTable()
	const calls = 200

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, slot := table.Register()
			if i%2 == 0 {
				table.Fulfill(h, "ok")
				assert.Equal(t, "ok", <-slot)
			} else {
				table.Abandon(h)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, table.Len())
}
