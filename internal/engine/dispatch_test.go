package engine

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/m2osw/cluckd/internal/elector"
	"github.com/m2osw/cluckd/internal/store"
	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

// recordingBus is the same fake shape internal/gateway's tests use: it
// only needs to capture what gets sent back to a client.
type recordingBus struct {
	mu   sync.Mutex
	sent []wire.Message
}

func (b *recordingBus) Send(ctx context.Context, peer string, msg wire.Message) error {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	b.mu.Unlock()
	return nil
}
func (b *recordingBus) Broadcast(ctx context.Context, msg wire.Message) error { return nil }
func (b *recordingBus) Events() <-chan transport.Event                       { return nil }
func (b *recordingBus) Inbound() <-chan transport.InboundMessage             { return nil }
func (b *recordingBus) Close() error                                         { return nil }

func (b *recordingBus) last() wire.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[len(b.sent)-1]
}

func newTestEngine(bus transport.Bus) *Engine {
	log := NewLogger(io.Discard, 0)
	return New(bus, log, 0, WithSelf("self", netip.MustParseAddr("127.0.0.1"), 1, 14), WithTotalNodes(1))
}

func TestEngine_HandleLockStatusReportsReadiness(t *testing.T) {
	bus := &recordingBus{}
	e := newTestEngine(bus)

	req := wire.NewMessage(wire.CmdLockStatus, "client1/svc").
		Set("server_name", "client1").
		Set("service_name", "svc")
	e.handleLockStatus(context.Background(), "client1", req)

	require.Equal(t, wire.CmdNoLock, bus.last().Command, "a fresh engine is not yet ready")
}

func TestEngine_HandleListTicketsRendersAndFiltersByObject(t *testing.T) {
	bus := &recordingBus{}
	e := newTestEngine(bus)

	e.Store.Lock()
	e.Store.SetTicket("resource-1", "00000001/resource-1", &store.Entry{
		Ticket: wire.Ticket{ObjectName: "resource-1", TicketKey: "00000001/resource-1", Owner: "self"},
		State:  store.StateLocked,
	})
	e.Store.SetTicket("resource-2", "00000001/resource-2", &store.Entry{
		Ticket: wire.Ticket{ObjectName: "resource-2", TicketKey: "00000001/resource-2", Owner: "self"},
		State:  store.StateEntering,
	})
	e.Store.Unlock()

	e.handleListTickets(context.Background(), "client1", wire.NewMessage(wire.CmdListTickets, "client1/svc"))
	all := bus.last()
	require.Equal(t, wire.CmdTicketList, all.Command)
	require.Contains(t, all.Get("tickets"), "resource-1")
	require.Contains(t, all.Get("tickets"), "resource-2")

	filtered := wire.NewMessage(wire.CmdListTickets, "client1/svc").Set("object_name", "resource-1")
	e.handleListTickets(context.Background(), "client1", filtered)
	only := bus.last()
	require.Contains(t, only.Get("tickets"), "resource-1")
	require.NotContains(t, only.Get("tickets"), "resource-2")
}

// TestEngine_EventPeerDownSynchronizesLeaders guards the fix for the bug
// where a lost leader never reached handleLeaderLoss: losing a peer that
// was a leader must run synchronize_leaders against the surviving set,
// re-homing any ticket it owned.
func TestEngine_EventPeerDownSynchronizesLeaders(t *testing.T) {
	bus := &recordingBus{}
	e := newTestEngine(bus)

	e.Elector.AdoptLeaders(elector.LeaderSet{
		Leaders: []wire.Node{
			{Name: "self"},
			{Name: "peerA"},
			{Name: "peerB"},
		},
	})

	e.Store.Lock()
	e.Store.AddEntering("resource-1", "peerA-host/7", &store.Entry{
		Ticket: wire.Ticket{ObjectName: "resource-1", EnteringKey: "peerA-host/7", Owner: "peerA"},
		State:  store.StateEntering,
	})
	e.Store.Unlock()

	e.dispatchEvent(context.Background(), transport.Event{Kind: transport.EventPeerDown, Peer: "peerA"})

	require.False(t, e.Elector.Current().Contains("peerA"), "peerA must be dropped from the leader set")
	require.Equal(t, wire.CmdAlive, bus.last().Command, "self (new leaders[0]) must probe the orphaned ticket's client")

	_, stillEntering := e.Store.Entering("resource-1", "peerA-host/7")
	require.False(t, stillEntering, "reinjectTicket must remove the orphaned entry from the Store")
}
