// Package transport implements the concrete message bus ("communicator")
// that spec.md §1 treats as an external collaborator, described only
// through its interface: routing messages by node/service name and
// reporting cluster up/down and cluster-size events.
package transport

import (
	"context"

	"github.com/m2osw/cluckd/internal/wire"
)

// Event is a cluster membership transition reported by the bus, matching
// the "cluster up/down and cluster-size events" of spec §1.
type Event struct {
	Kind EventKind
	Peer string // populated for PeerUp / PeerDown
	Size int    // populated for ClusterSize
}

type EventKind int

const (
	EventClusterUp EventKind = iota
	EventClusterDown
	EventPeerUp
	EventPeerDown
	EventClusterSize
)

// Bus is the interface every other package programs against. It hides
// whether messages travel over a real network (Server, below) or through
// an in-memory fake (the store and engine tests record sends this way).
type Bus interface {
	// Send delivers msg to the named peer. Ordering guarantee per spec
	// §5: messages addressed to the same peer are delivered in order.
	Send(ctx context.Context, peer string, msg wire.Message) error

	// Broadcast delivers msg to every currently connected peer.
	Broadcast(ctx context.Context, msg wire.Message) error

	// Events returns a channel of cluster membership transitions. Closed
	// when the bus shuts down.
	Events() <-chan Event

	// Inbound returns a channel of messages received from any peer.
	Inbound() <-chan InboundMessage

	// Close releases all resources held by the bus.
	Close() error
}

// InboundMessage pairs a received message with the peer it arrived from,
// so handlers can reply or attribute TRANSMISSION_REPORT failures.
type InboundMessage struct {
	Peer    string
	Message wire.Message
}
