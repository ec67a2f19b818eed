package domain

import (
	"context"
	"io"
	"iter"
)

// ChannelState is the lifecycle state of a Channel.
type ChannelState int32

const (
	ChannelNone ChannelState = iota // no socket handle or pre-handshake
	ChannelOpen
	ChannelCloseSent
	ChannelCloseReceived
	ChannelClosed
	ChannelAborted
)

var channelStateNames = [...]string{
	ChannelNone:          "None",
	ChannelOpen:          "Open",
	ChannelCloseSent:     "CloseSent",
	ChannelCloseReceived: "CloseReceived",
	ChannelClosed:        "Closed",
	ChannelAborted:       "Aborted",
}

func (s ChannelState) String() string {
	if s >= ChannelNone && s <= ChannelAborted {
		return channelStateNames[s]
	}
	return "Unknown"
}

// Terminal reports whether no further transitions can happen.
func (s ChannelState) Terminal() bool {
	return s == ChannelClosed || s == ChannelAborted
}

// Channel is a duplex byte-stream bound to one physical socket.
// All operations on a channel that is not Open fail with ErrChannelClosed.
type Channel interface {
	// State reports the current channel state.
	State() ChannelState
	// Send writes r to the peer as one logical message.
	Send(ctx context.Context, r io.Reader) error
	// Receive yields the chunks of the next logical message. The sequence ends
	// at end-of-message or after yielding an error.
	Receive(ctx context.Context) iter.Seq2[[]byte, error]
	// Close performs a graceful close.
	Close(reason string) error
	// Abort closes without notifying the peer.
	Abort()
}
