package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Hub.Dispatch", ErrUnknownMethod, "method 'Foo'")
	assert.Equal(t, "Hub.Dispatch: method 'Foo': unknown method", err.Error())

	err = NewDomainError("Backplane.Send", ErrConnectionNotFound, "")
	assert.Equal(t, "Backplane.Send: connection not found", err.Error())
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Channel.Send", ErrChannelClosed, "conn-1")
	assert.ErrorIs(t, err, ErrChannelClosed)

	var de *DomainError
	require.ErrorAs(t, fmt.Errorf("outer: %w", err), &de)
	assert.Equal(t, "Channel.Send", de.Op)
}

func TestRemoteError(t *testing.T) {
	t.Run("plain fault", func(t *testing.T) {
		err := NewRemoteError("Add", "boom")
		assert.Equal(t, "remote Add: boom", err.Error())
		assert.ErrorIs(t, err, ErrInvocationFault)
		assert.Nil(t, err.Cause)
	})

	t.Run("no method", func(t *testing.T) {
		assert.Equal(t, "remote: boom", NewRemoteError("", "boom").Error())
	})

	tests := []struct {
		message string
		cause   error
	}{
		{"unknown method: Nope", ErrUnknownMethod},
		{"rate limit exceeded: Echo", ErrRateLimit},
		{"protocol decode error: argument 0", ErrProtocolDecode},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			err := NewRemoteError("M", tt.message)
			assert.ErrorIs(t, err, tt.cause)
			assert.ErrorIs(t, err, ErrInvocationFault)
		})
	}
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeOK},
		{"sentinel", ErrChannelClosed, CodeChannelClosed},
		{"wrapped", fmt.Errorf("send: %w", ErrTransportFault), CodeTransportFault},
		{"domain error", NewDomainError("op", ErrConnectionNotFound, "x"), CodeConnectionNotFound},
		{"remote unknown method", NewRemoteError("", "unknown method: X"), CodeUnknownMethod},
		{"remote fault", NewRemoteError("", "boom"), CodeInvocationFault},
		{"timeout", ErrInvocationTimeout, CodeTimeout},
		{"gateway auth", ErrGatewayAuthFailed, CodeAuthInvalid},
		{"unknown", errors.New("mystery"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	for _, entry := range codeTable {
		assert.NotEqual(t, CodeUnknown, ErrorCodeOf(entry.err), entry.err.Error())
	}
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))

	err := WrapOp("Scaleout.Publish", ErrBackplaneUnavailable)
	assert.Equal(t, "Scaleout.Publish: backplane unavailable", err.Error())
	assert.ErrorIs(t, err, ErrBackplaneUnavailable)
	assert.Equal(t, CodeBackplaneUnavailable, ErrorCodeOf(err))
}
