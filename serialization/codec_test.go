package serialization

import (
	"testing"

	"github.com/glimte/procapi-go/contracts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCodec_Encode(t *testing.T) {
	codec := NewEnvelopeCodec()

	t.Run("immediate envelope has null id", func(t *testing.T) {
		data, err := codec.Encode(contracts.NewImmediateEnvelope("X"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"message_type":"short","data":"X","id":null}`, string(data))
	})

	t.Run("deferred envelope carries id", func(t *testing.T) {
		id := uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
		data, err := codec.Encode(contracts.NewDeferredEnvelope("Y", id))
		require.NoError(t, err)
		assert.JSONEq(t, `{"message_type":"long","data":"Y","id":"0f8fad5b-d9cb-469f-a165-70867728950e"}`, string(data))
	})

	t.Run("encoding is deterministic", func(t *testing.T) {
		env := contracts.NewDeferredEnvelope("payload", uuid.New())
		first, err := codec.Encode(env)
		require.NoError(t, err)
		second, err := codec.Encode(env)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("rejects envelope breaking the id invariant", func(t *testing.T) {
		id := uuid.New()
		_, err := codec.Encode(contracts.Envelope{Kind: contracts.KindImmediate, Data: "X", ID: &id})
		assert.ErrorIs(t, err, contracts.ErrInvalidEnvelope)

		_, err = codec.Encode(contracts.Envelope{Kind: contracts.KindDeferred, Data: "X"})
		assert.ErrorIs(t, err, contracts.ErrInvalidEnvelope)
	})
}

func TestEnvelopeCodec_RoundTrip(t *testing.T) {
	codec := NewEnvelopeCodec()
	envelopes := []contracts.Envelope{
		contracts.NewImmediateEnvelope(""),
		contracts.NewImmediateEnvelope("aGVsbG8="),
		contracts.NewDeferredEnvelope("Y", uuid.New()),
		contracts.NewDeferredEnvelope("unicode ✓ payload", uuid.New()),
	}

	for _, env := range envelopes {
		data, err := codec.Encode(env)
		require.NoError(t, err)

		decoded, err := codec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, env, decoded)
	}
}

func TestEnvelopeCodec_Decode(t *testing.T) {
	codec := NewEnvelopeCodec()

	t.Run("accepts capitalised kinds", func(t *testing.T) {
		env, err := codec.Decode([]byte(`{"message_type":"Short","data":"X","id":null}`))
		require.NoError(t, err)
		assert.Equal(t, contracts.KindImmediate, env.Kind)
	})

	tests := []struct {
		name string
		body string
	}{
		{"not json", `not json`},
		{"unknown kind", `{"message_type":"medium","data":"X","id":null}`},
		{"long without id", `{"message_type":"long","data":"X","id":null}`},
		{"short with id", `{"message_type":"short","data":"X","id":"0f8fad5b-d9cb-469f-a165-70867728950e"}`},
		{"bad uuid", `{"message_type":"long","data":"X","id":"nope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode([]byte(tt.body))
			var malformed *contracts.MalformedReplyError
			assert.ErrorAs(t, err, &malformed)
		})
	}
}

func TestEnvelopeCodec_DecodeReply(t *testing.T) {
	codec := NewEnvelopeCodec()

	reply, err := codec.DecodeReply([]byte("0"))
	require.NoError(t, err)
	assert.Equal(t, "0", reply)

	reply, err = codec.DecodeReply([]byte(" 1\n"))
	require.NoError(t, err)
	assert.Equal(t, "1", reply)

	var malformed *contracts.MalformedReplyError
	_, err = codec.DecodeReply([]byte{0xff, 0xfe})
	assert.ErrorAs(t, err, &malformed)

	_, err = codec.DecodeReply([]byte("   "))
	assert.ErrorAs(t, err, &malformed)
	assert.Contains(t, err.Error(), "empty reply")
}
