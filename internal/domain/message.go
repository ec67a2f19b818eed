package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies how an Envelope's Data must be interpreted.
// The numeric values are part of the wire format.
type MessageType int

const (
	// MessageText is informational; no reply is expected.
	MessageText MessageType = iota
	// MessageClientMethodInvocation carries an InvocationDescriptor.
	MessageClientMethodInvocation
	// MessageConnectionEvent carries the newly assigned connection id.
	MessageConnectionEvent
	// MessageInvocationResult carries an InvocationResultDescriptor.
	MessageInvocationResult
	// MessageError carries a human-readable error string.
	MessageError
	// MessageDisconnect is a local directive to close a connection. It is never transmitted.
	MessageDisconnect
)

var messageTypeNames = [...]string{
	MessageText:                   "Text",
	MessageClientMethodInvocation: "ClientMethodInvocation",
	MessageConnectionEvent:        "ConnectionEvent",
	MessageInvocationResult:       "InvocationResult",
	MessageError:                  "Error",
	MessageDisconnect:             "Disconnect",
}

func (t MessageType) String() string {
	if t.Valid() {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	return t >= MessageText && t <= MessageDisconnect
}

// Envelope is the wire-level unit exchanged over a channel.
// Data's shape is determined by MessageType.
type Envelope struct {
	ID          string      `json:"Id"`
	MessageType MessageType `json:"MessageType"`
	Data        string      `json:"Data"`
}

// InvocationDescriptor names a remote method and its pre-serialized arguments.
// An empty ID marks a fire-and-forget invocation that expects no result.
type InvocationDescriptor struct {
	ID         string            `json:"Id"`
	MethodName string            `json:"MethodName"`
	Arguments  []json.RawMessage `json:"Arguments"`
}

// InvocationResultDescriptor is the outcome of an InvocationDescriptor with the same ID.
type InvocationResultDescriptor struct {
	ID     string          `json:"Id"`
	Result json.RawMessage `json:"Result,omitempty"`
	Error  string          `json:"Error,omitempty"`
}

// NewTextEnvelope builds an informational envelope.
func NewTextEnvelope(text string) Envelope {
	return Envelope{MessageType: MessageText, Data: text}
}

// NewConnectionEnvelope builds the ConnectionEvent announcing connID.
func NewConnectionEnvelope(connID string) Envelope {
	return Envelope{MessageType: MessageConnectionEvent, Data: connID}
}

// NewErrorEnvelope builds an Error envelope. id may be empty when the error
// cannot be attributed to a specific invocation.
func NewErrorEnvelope(id, message string) Envelope {
	return Envelope{ID: id, MessageType: MessageError, Data: message}
}

// NewDisconnectEnvelope builds the local disconnect directive.
func NewDisconnectEnvelope() Envelope {
	return Envelope{MessageType: MessageDisconnect}
}

// NewInvocationEnvelope wraps d in a ClientMethodInvocation envelope.
func NewInvocationEnvelope(d InvocationDescriptor) (Envelope, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode invocation %q: %w", d.MethodName, err)
	}
	return Envelope{ID: d.ID, MessageType: MessageClientMethodInvocation, Data: string(data)}, nil
}

// NewResultEnvelope wraps r in an InvocationResult envelope.
func NewResultEnvelope(r InvocationResultDescriptor) (Envelope, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode invocation result %q: %w", r.ID, err)
	}
	return Envelope{ID: r.ID, MessageType: MessageInvocationResult, Data: string(data)}, nil
}

// MarshalEnvelope encodes e for the wire.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	if e.MessageType == MessageDisconnect {
		return nil, fmt.Errorf("encode envelope: %w: disconnect is a local directive", ErrProtocolDecode)
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a wire envelope. Errors wrap ErrProtocolDecode.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", ErrProtocolDecode, err)
	}
	if !e.MessageType.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown message type %d", ErrProtocolDecode, int(e.MessageType))
	}
	return e, nil
}

// Invocation decodes Data as an InvocationDescriptor.
func (e Envelope) Invocation() (InvocationDescriptor, error) {
	var d InvocationDescriptor
	if e.MessageType != MessageClientMethodInvocation {
		return d, fmt.Errorf("%w: %s envelope has no invocation", ErrProtocolDecode, e.MessageType)
	}
	if err := json.Unmarshal([]byte(e.Data), &d); err != nil {
		return d, fmt.Errorf("%w: invocation: %v", ErrProtocolDecode, err)
	}
	if d.MethodName == "" {
		return d, fmt.Errorf("%w: invocation without method name", ErrProtocolDecode)
	}
	return d, nil
}

// InvocationResult decodes Data as an InvocationResultDescriptor.
func (e Envelope) InvocationResult() (InvocationResultDescriptor, error) {
	var r InvocationResultDescriptor
	if e.MessageType != MessageInvocationResult {
		return r, fmt.Errorf("%w: %s envelope has no invocation result", ErrProtocolDecode, e.MessageType)
	}
	if err := json.Unmarshal([]byte(e.Data), &r); err != nil {
		return r, fmt.Errorf("%w: invocation result: %v", ErrProtocolDecode, err)
	}
	return r, nil
}
