package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireFormat(t *testing.T) {
	data, err := MarshalEnvelope(NewTextEnvelope("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Id":"","MessageType":0,"Data":"hello"}`, string(data))

	data, err = MarshalEnvelope(NewConnectionEnvelope("c-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Id":"","MessageType":2,"Data":"c-1"}`, string(data))
}

func TestMarshalDisconnectRejected(t *testing.T) {
	_, err := MarshalEnvelope(NewDisconnectEnvelope())
	assert.ErrorIs(t, err, ErrProtocolDecode)
}

func TestUnmarshalEnvelope(t *testing.T) {
	env, err := UnmarshalEnvelope([]byte(`{"Id":"7","MessageType":4,"Data":"bad"}`))
	require.NoError(t, err)
	assert.Equal(t, Envelope{ID: "7", MessageType: MessageError, Data: "bad"}, env)

	for _, in := range []string{`not json`, `{"MessageType":42}`, `{"MessageType":-1}`} {
		_, err := UnmarshalEnvelope([]byte(in))
		assert.ErrorIs(t, err, ErrProtocolDecode, in)
	}
}

func TestInvocationEnvelope(t *testing.T) {
	env, err := NewInvocationEnvelope(InvocationDescriptor{
		ID:         "1",
		MethodName: "Add",
		Arguments:  []json.RawMessage{json.RawMessage(`2`), json.RawMessage(`3`)},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", env.ID)
	assert.Equal(t, MessageClientMethodInvocation, env.MessageType)
	assert.JSONEq(t, `{"Id":"1","MethodName":"Add","Arguments":[2,3]}`, env.Data)

	d, err := env.Invocation()
	require.NoError(t, err)
	assert.Equal(t, "Add", d.MethodName)
	assert.Len(t, d.Arguments, 2)

	_, err = env.InvocationResult()
	assert.ErrorIs(t, err, ErrProtocolDecode)
}

func TestInvocationRequiresMethodName(t *testing.T) {
	env := Envelope{MessageType: MessageClientMethodInvocation, Data: `{"Id":"1","Arguments":[]}`}
	_, err := env.Invocation()
	assert.ErrorIs(t, err, ErrProtocolDecode)

	env.Data = `{{`
	_, err = env.Invocation()
	assert.ErrorIs(t, err, ErrProtocolDecode)
}

func TestResultEnvelope(t *testing.T) {
	env, err := NewResultEnvelope(InvocationResultDescriptor{ID: "9", Result: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, err)
	assert.Equal(t, MessageInvocationResult, env.MessageType)
	assert.JSONEq(t, `{"Id":"9","Result":{"ok":true}}`, env.Data)

	r, err := env.InvocationResult()
	require.NoError(t, err)
	assert.Equal(t, "9", r.ID)
	assert.Empty(t, r.Error)

	env, err = NewResultEnvelope(InvocationResultDescriptor{ID: "10", Error: "boom"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Id":"10","Error":"boom"}`, env.Data)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "ClientMethodInvocation", MessageClientMethodInvocation.String())
	assert.Equal(t, "Disconnect", MessageDisconnect.String())
	assert.Equal(t, "MessageType(9)", MessageType(9).String())
	assert.False(t, MessageType(9).Valid())
}
