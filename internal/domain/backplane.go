package domain

import "context"

// TargetKind selects how a Target is matched against connections.
type TargetKind string

const (
	TargetConnection TargetKind = "connection"
	TargetGroup      TargetKind = "group"
	TargetAll        TargetKind = "all"
)

// Target selects the connections a backplane send is delivered to.
type Target struct {
	Kind  TargetKind `json:"Kind"`
	Value string     `json:"Value"`
}

// ConnectionTarget selects a single connection by id.
func ConnectionTarget(id string) Target { return Target{Kind: TargetConnection, Value: id} }

// GroupTarget selects every member of a group.
func GroupTarget(name string) Target { return Target{Kind: TargetGroup, Value: name} }

// AllTarget selects every connection.
func AllTarget() Target { return Target{Kind: TargetAll} }

// Peer is a locally owned connection the backplane can write to.
type Peer interface {
	ID() string
	SendEnvelope(ctx context.Context, env Envelope) error
}

// Backplane routes sends to connections regardless of which process owns them.
type Backplane interface {
	OnClientConnected(ctx context.Context, peer Peer) error
	OnClientDisconnected(ctx context.Context, id string) error
	Send(ctx context.Context, target Target, env Envelope) error
	AddToGroup(ctx context.Context, id, group string) error
	RemoveFromGroup(ctx context.Context, id, group string) error
	Close() error
}

// RelayMessage is published on the shared pub/sub namespace. It never reaches end clients.
type RelayMessage struct {
	OriginID string   `json:"OriginId"`
	Target   Target   `json:"Target"`
	Envelope Envelope `json:"Envelope"`
}

// MessageHandler receives a payload published on a pub/sub channel.
type MessageHandler func(ctx context.Context, payload []byte)

// PubSub is the substrate a scale-out backplane publishes relay messages on.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers every payload published on channel after it returns.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, channel string, handler MessageHandler) (func() error, error)
	Close() error
}
