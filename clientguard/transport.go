package clientguard

import (
	"context"

	"github.com/m2osw/cluckd/internal/wire"
)

// Transport is the narrow surface clientguard needs from whatever carries
// messages to and from this node's coordinator -- deliberately not
// internal/transport.Bus, so a client process can link this package
// without pulling in the coordinator's gRPC server/registry/election
// stack. A thin adapter over internal/transport.Bus (or any other bus)
// satisfies this trivially.
type Transport interface {
	// Send delivers msg to this node's coordinator.
	Send(ctx context.Context, msg wire.Message) error

	// Inbound returns messages the coordinator addressed back to this
	// client (LOCKED, LOCK_FAILED, UNLOCKING, UNLOCKED, ALIVE,
	// TRANSMISSION_REPORT).
	// Closed when the transport shuts down.
	Inbound() <-chan wire.Message
}
