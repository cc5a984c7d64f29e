package store

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

// fakeBus is a transport.Bus that fails the test if invoked while allow
// is false, used to assert that the single-leader path never touches the
// network; with allow set it records what was sent.
type fakeBus struct {
	t      *testing.T
	allow  bool
	sent   []wire.Message
}

func (b *fakeBus) Send(ctx context.Context, peer string, msg wire.Message) error {
	if !b.allow {
		b.t.Fatalf("unexpected Send to %s in single-leader test", peer)
	}
	b.sent = append(b.sent, msg)
	return nil
}
func (b *fakeBus) Broadcast(ctx context.Context, msg wire.Message) error {
	if !b.allow {
		b.t.Fatalf("unexpected Broadcast in single-leader test")
	}
	b.sent = append(b.sent, msg)
	return nil
}
func (b *fakeBus) Events() <-chan transport.Event             { return nil }
func (b *fakeBus) Inbound() <-chan transport.InboundMessage    { return nil }
func (b *fakeBus) Close() error                                { return nil }

type fakeScheduler struct {
	upserts map[string]time.Time
	removed map[string]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{upserts: map[string]time.Time{}, removed: map[string]bool{}}
}
func (s *fakeScheduler) Upsert(id string, deadline time.Time) { s.upserts[id] = deadline }
func (s *fakeScheduler) Remove(id string)                     { s.removed[id] = true }

type fakeNotifier struct {
	replies []wire.Message
	fatals  []error
}

func (n *fakeNotifier) Reply(ctx context.Context, clientNode string, msg wire.Message) {
	n.replies = append(n.replies, msg)
}
func (n *fakeNotifier) Fatal(err error) { n.fatals = append(n.fatals, err) }

func newTestMachine(t *testing.T, now time.Time) (*Machine, *fakeNotifier, *fakeScheduler) {
	notify := &fakeNotifier{}
	sched := newFakeScheduler()
	m := &Machine{
		Store:  New(),
		Bus:    &fakeBus{t: t},
		Timer:  sched,
		Notify: notify,
		Self:   wire.Node{Name: "alpha", IP: netip.MustParseAddr("10.0.0.1")},
		Now:    func() time.Time { return now },
		Peers:  func() []string { return nil },
	}
	return m, notify, sched
}

func TestMachine_SingleLeaderLockReachesLocked(t *testing.T) {
	base := time.Unix(1700000000, 0)
	m, notify, sched := newTestMachine(t, base)

	err := m.Lock(context.Background(), LockRequest{
		ObjectName:       "resource",
		ServerName:       "host-a",
		ServiceName:      "cluckd",
		ClientPID:        42,
		Tag:              7,
		Serial:           1,
		ObtentionTimeout: 10 * time.Second,
		LockDuration:      time.Minute,
		UnlockDuration:    5 * time.Second,
	})
	require.NoError(t, err)

	require.Len(t, notify.replies, 1)
	require.Equal(t, wire.CmdLocked, notify.replies[0].Command)

	e, ok := m.Store.TicketByEnteringKey(wire.EnteringKey("host-a", 42))
	require.True(t, ok)
	require.Equal(t, StateLocked, e.State)
	require.True(t, e.Ticket.Locked)
	require.Equal(t, uint32(1), e.Ticket.TicketNumber)
	require.Contains(t, sched.upserts, e.Ticket.TicketKey)
}

func TestMachine_DuplicateSameSerialIsIgnored(t *testing.T) {
	base := time.Unix(1700000000, 0)
	m, notify, _ := newTestMachine(t, base)
	req := LockRequest{ObjectName: "r", ServerName: "h", ClientPID: 1, Serial: 5, LockDuration: time.Minute, UnlockDuration: time.Second, ObtentionTimeout: time.Second}

	require.NoError(t, m.Lock(context.Background(), req))
	require.NoError(t, m.Lock(context.Background(), req))
	// Two Lock() calls with the same serial: only the first produces a
	// LOCKED reply, the second is a silently-ignored retry.
	require.Len(t, notify.replies, 1)
}

func TestMachine_DuplicateDifferentSerialFails(t *testing.T) {
	base := time.Unix(1700000000, 0)
	m, _, _ := newTestMachine(t, base)
	req := LockRequest{ObjectName: "r", ServerName: "h", ClientPID: 1, Serial: 5, LockDuration: time.Minute, UnlockDuration: time.Second, ObtentionTimeout: time.Second}
	require.NoError(t, m.Lock(context.Background(), req))

	req2 := req
	req2.Serial = 6
	err := m.Lock(context.Background(), req2)
	require.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestMachine_SecondRequestQueuesBehindFirst(t *testing.T) {
	base := time.Unix(1700000000, 0)
	m, notify, _ := newTestMachine(t, base)

	first := LockRequest{ObjectName: "r", ServerName: "h1", ClientPID: 1, Serial: 1, LockDuration: time.Minute, UnlockDuration: time.Second, ObtentionTimeout: time.Minute}
	second := LockRequest{ObjectName: "r", ServerName: "h2", ClientPID: 2, Serial: 1, LockDuration: time.Minute, UnlockDuration: time.Second, ObtentionTimeout: time.Minute}

	require.NoError(t, m.Lock(context.Background(), first))
	require.NoError(t, m.Lock(context.Background(), second))

	require.Len(t, notify.replies, 1, "only the first ticket should be LOCKED")

	firstEntry, _ := m.Store.TicketByEnteringKey(wire.EnteringKey("h1", 1))
	secondEntry, _ := m.Store.TicketByEnteringKey(wire.EnteringKey("h2", 2))
	require.Equal(t, StateLocked, firstEntry.State)
	require.Equal(t, StateReady, secondEntry.State)

	require.NoError(t, m.Unlock(context.Background(), UnlockRequest{ObjectName: "r", ServerName: "h1", ClientPID: 1}))

	require.Len(t, notify.replies, 3) // LOCKED, UNLOCKED, LOCKED
	require.Equal(t, wire.CmdUnlocked, notify.replies[1].Command)
	require.Equal(t, wire.CmdLocked, notify.replies[2].Command)
	require.Equal(t, StateLocked, secondEntry.State)
}

func TestMachine_ExpireTimeoutOnWaitingTicketFails(t *testing.T) {
	base := time.Unix(1700000000, 0)
	m, notify, _ := newTestMachine(t, base)

	req := LockRequest{ObjectName: "r", ServerName: "h", ClientPID: 1, Serial: 1, LockDuration: time.Minute, UnlockDuration: time.Second, ObtentionTimeout: time.Second}
	// Hold the only leader so the ticket never reaches READY: simulate by
	// manually re-entering state after Lock() would normally finish, via
	// a second object so the first ticket stays blocked behind nothing --
	// instead directly exercise ExpireTimeout against an entering record.
	m.Store.Lock()
	m.Store.AddEntering("r", wire.EnteringKey("h", 1), &Entry{
		Ticket: wire.Ticket{ObjectName: "r", EnteringKey: wire.EnteringKey("h", 1), Tag: 9},
		State:  StateEntering,
	})
	m.Store.Unlock()
	_ = req

	m.ExpireTimeout(context.Background(), "r", wire.EnteringKey("h", 1))

	require.Len(t, notify.replies, 1)
	require.Equal(t, wire.CmdLockFailed, notify.replies[0].Command)
	require.Equal(t, string(wire.ReasonTimedOut), notify.replies[0].Get("error"))
}

func TestMachine_LockedTicketExpiryGoesThroughUnlocking(t *testing.T) {
	base := time.Unix(1700000000, 0)
	m, notify, sched := newTestMachine(t, base)

	require.NoError(t, m.Lock(context.Background(), LockRequest{
		ObjectName: "r", ServerName: "h", ClientPID: 1, Serial: 1,
		LockDuration: time.Minute, UnlockDuration: 5 * time.Second, ObtentionTimeout: time.Minute,
	}))
	e, _ := m.Store.TicketByEnteringKey(wire.EnteringKey("h", 1))
	require.Equal(t, StateLocked, e.State)

	m.ExpireTimeout(context.Background(), "r", e.Ticket.TicketKey)
	require.Equal(t, StateReleasing, e.State)
	require.Equal(t, wire.CmdUnlocking, notify.replies[len(notify.replies)-1].Command)
	require.Contains(t, sched.upserts, e.Ticket.TicketKey)

	m.ExpireTimeout(context.Background(), "r", e.Ticket.TicketKey)
	require.Equal(t, wire.CmdUnlocked, notify.replies[len(notify.replies)-1].Command)
	_, stillPresent := m.Store.TicketByEnteringKey(wire.EnteringKey("h", 1))
	require.False(t, stillPresent)
}

func TestMachine_TicketWrapAroundIsFatal(t *testing.T) {
	base := time.Unix(1700000000, 0)
	m, notify, _ := newTestMachine(t, base)

	e := &Entry{Ticket: wire.Ticket{ObjectName: "r", EnteringKey: "h/1"}, State: StateNumbering}
	err := m.finishNumbering(context.Background(), e, ^uint32(0))
	require.ErrorIs(t, err, ErrTicketWrapAround)
	require.Len(t, notify.fatals, 1)
}
