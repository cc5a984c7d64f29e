package store

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m2osw/cluckd/internal/wire"
)

func TestSynchronizeLeaders_LockedTicketMigratesAndRebroadcasts(t *testing.T) {
	base := time.Unix(1700000000, 0)
	bus := &fakeBus{t: t, allow: true}
	m := &Machine{
		Store: New(),
		Bus:   bus,
		Self:  wire.Node{Name: "beta", IP: netip.MustParseAddr("10.0.0.2")},
		Now:   func() time.Time { return base },
		Peers: func() []string { return []string{"gamma"} },
	}

	e := &Entry{
		Ticket: wire.Ticket{ObjectName: "r", TicketKey: "00000001/host/1", Owner: "alpha", Locked: true},
		State:  StateLocked,
	}
	m.Store.SetTicket("r", e.Ticket.TicketKey, e)

	current := map[string]struct{}{"beta": {}, "gamma": {}}
	err := m.SynchronizeLeaders(context.Background(), current, "beta")
	require.NoError(t, err)

	require.Equal(t, "beta", e.Ticket.Owner)
	require.Len(t, bus.sent, 1)
	require.Equal(t, wire.CmdLockTickets, bus.sent[0].Command)
}

func TestSynchronizeLeaders_WaitingTicketReinjectedByLeaderZero(t *testing.T) {
	base := time.Unix(1700000000, 0)
	notify := &fakeNotifier{}
	m := &Machine{
		Store:  New(),
		Bus:    &fakeBus{t: t},
		Notify: notify,
		Self:   wire.Node{Name: "beta", IP: netip.MustParseAddr("10.0.0.2")},
		Now:    func() time.Time { return base },
		Peers:  func() []string { return nil },
	}

	e := &Entry{
		Ticket: wire.Ticket{ObjectName: "r", EnteringKey: "host/7", Owner: "alpha"},
		State:  StateEntering,
	}
	m.Store.AddEntering("r", "host/7", e)

	current := map[string]struct{}{"beta": {}}
	err := m.SynchronizeLeaders(context.Background(), current, "beta")
	require.NoError(t, err)

	require.Len(t, notify.replies, 1)
	require.Equal(t, wire.CmdAlive, notify.replies[0].Command)
	require.False(t, e.AliveDeadline.IsZero())

	_, stillEntering := m.Store.Entering("r", "host/7")
	require.False(t, stillEntering)
}

func TestSynchronizeLeaders_WaitingTicketForwardedByOthers(t *testing.T) {
	base := time.Unix(1700000000, 0)
	bus := &fakeBus{t: t, allow: true}
	m := &Machine{
		Store: New(),
		Bus:   bus,
		Self:  wire.Node{Name: "gamma", IP: netip.MustParseAddr("10.0.0.3")},
		Now:   func() time.Time { return base },
		Peers: func() []string { return []string{"beta"} },
	}

	e := &Entry{
		Ticket: wire.Ticket{ObjectName: "r", EnteringKey: "host/7", Owner: "alpha", ObtentionTimeout: time.Minute, LockDuration: time.Minute, UnlockDuration: time.Second},
		State:  StateEntering,
	}
	m.Store.AddEntering("r", "host/7", e)

	current := map[string]struct{}{"beta": {}, "gamma": {}}
	err := m.SynchronizeLeaders(context.Background(), current, "beta")
	require.NoError(t, err)

	require.Len(t, bus.sent, 1)
	require.Equal(t, wire.CmdLock, bus.sent[0].Command)
	require.Equal(t, "r", bus.sent[0].Get("object_name"))
}
