package store

import (
	"context"
	"fmt"
	"time"

	"github.com/m2osw/cluckd/internal/wire"
)

// AliveTimeout caps the wait for an ABSOLUTELY reply after a leader-loss
// re-injection probe, per spec §4.4: "a short alive_timeout, ≤ 5 s and ≤
// obtention timeout."
const AliveTimeout = 5 * time.Second

// SynchronizeLeaders implements spec §4.4's leader-loss reassignment:
// every surviving leader walks its maps for tickets whose owner dropped
// out of the current leader set. leaderZero is the name of leaders[0],
// the node responsible for re-homing ownerless tickets.
func (m *Machine) SynchronizeLeaders(ctx context.Context, currentLeaders map[string]struct{}, leaderZero string) error {
	m.Store.Lock()
	orphaned := m.collectOrphaned(currentLeaders)
	m.Store.Unlock()

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, e := range orphaned {
		switch {
		case e.Ticket.Locked:
			note(m.migrateLockedTicket(ctx, e, leaderZero))
		case m.Self.Name == leaderZero:
			note(m.reinjectTicket(ctx, e))
		default:
			note(m.forwardTicket(ctx, e, leaderZero))
		}
	}
	return firstErr
}

func (m *Machine) collectOrphaned(currentLeaders map[string]struct{}) []*Entry {
	var out []*Entry
	for _, e := range m.Store.AllTickets() {
		if _, ok := currentLeaders[e.Ticket.Owner]; !ok {
			out = append(out, e)
		}
	}
	for _, e := range m.Store.AllEntering() {
		if _, ok := currentLeaders[e.Ticket.Owner]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// migrateLockedTicket transfers ownership of an already-granted lock to
// leaders[0] and rebroadcasts it via LOCK_TICKETS so the other leaders
// refresh their replica, per spec §4.4.
func (m *Machine) migrateLockedTicket(ctx context.Context, e *Entry, leaderZero string) error {
	m.Store.Lock()
	e.Ticket.Owner = leaderZero
	serialized := e.Ticket.Serialize()
	others := m.otherLeadersExcluding(leaderZero)
	m.Store.Unlock()

	if m.Self.Name != leaderZero || len(others) == 0 {
		return nil
	}
	if m.Batcher != nil {
		return m.Batcher.Submit(ctx, serialized)
	}
	msg := wire.NewMessage(wire.CmdLockTickets, m.Self.Name+"/cluckd")
	msg = msg.Set("tickets", serialized)
	return broadcastToPeers(ctx, m.Bus, others, msg)
}

func (m *Machine) otherLeadersExcluding(leaderZero string) []string {
	var out []string
	for _, p := range m.peerNames() {
		if p != leaderZero {
			out = append(out, p)
		}
	}
	return out
}

// reinjectTicket is the leaders[0] path: remove the orphaned ticket
// locally, probe the originating client with ALIVE, and on ABSOLUTELY
// re-enter it as a fresh LOCK with a serial bump so duplicate detection
// does not reject it.
func (m *Machine) reinjectTicket(ctx context.Context, e *Entry) error {
	m.Store.Lock()
	m.Store.RemoveTicket(e.Ticket.ObjectName, e.Ticket.TicketKey)
	m.Store.RemoveEntering(e.Ticket.ObjectName, e.Ticket.EnteringKey)
	if m.Timer != nil {
		m.Timer.Remove(e.Ticket.TicketKey)
		m.Timer.Remove(e.Ticket.EnteringKey)
	}
	e.AliveDeadline = m.now().Add(AliveTimeout)
	if m.Timer != nil {
		m.Timer.Upsert(e.Ticket.EnteringKey, e.AliveDeadline)
	}
	if m.pendingAlive == nil {
		m.pendingAlive = make(map[string]wire.Ticket)
	}
	m.pendingAlive[e.Ticket.EnteringKey] = e.Ticket
	m.Store.Unlock()

	if m.Notify == nil {
		return nil
	}
	probe := wire.NewMessage(wire.CmdAlive, m.Self.Name+"/cluckd")
	probe = probe.Set("object_name", e.Ticket.ObjectName).
		Set("entering_key", e.Ticket.EnteringKey).
		Set("tag", fmt.Sprintf("%d", e.Ticket.Tag))
	m.Notify.Reply(ctx, e.Ticket.ServerName, probe)
	return nil
}

// HandleAbsolutely completes the reinjectTicket handshake once the
// client replies ABSOLUTELY to an ALIVE probe, re-running Lock with the
// orphaned ticket's original parameters and a bumped serial. A reply for
// an entering_key with no pending probe (already timed out, or a
// duplicate) is a silent no-op.
func (m *Machine) HandleAbsolutely(ctx context.Context, enteringKey string) error {
	m.Store.Lock()
	t, ok := m.pendingAlive[enteringKey]
	if ok {
		delete(m.pendingAlive, enteringKey)
	}
	m.Store.Unlock()
	if !ok {
		return nil
	}

	_, pid, err := wire.ParseEnteringKey(t.EnteringKey)
	if err != nil {
		return err
	}
	return m.Lock(ctx, LockRequest{
		ObjectName:       t.ObjectName,
		ServerName:       t.ServerName,
		ServiceName:      t.ServiceName,
		ClientPID:        pid,
		Tag:              t.Tag,
		Serial:           t.Serial + 1,
		ObtentionTimeout: t.ObtentionTimeout,
		LockDuration:     t.LockDuration,
		UnlockDuration:   t.UnlockDuration,
	})
}

// ExpireAlive is HandleAbsolutely's opposite number: called by the engine
// when the timer wheel expires an id reinjectTicket armed and no
// ABSOLUTELY reply arrived in time. Reports whether a pending probe was
// actually found; an id with no pending probe (for instance a cached
// LOCK's deadline) is left alone.
func (m *Machine) ExpireAlive(ctx context.Context, enteringKey string) bool {
	m.Store.Lock()
	t, ok := m.pendingAlive[enteringKey]
	if ok {
		delete(m.pendingAlive, enteringKey)
	}
	m.Store.Unlock()
	if !ok {
		return false
	}
	if m.Timer != nil {
		m.Timer.Remove(enteringKey)
	}

	if m.Notify != nil {
		msg := wire.NewMessage(wire.CmdLockFailed, m.Self.Name+"/cluckd")
		msg = msg.Set("object_name", t.ObjectName).
			Set("tag", fmt.Sprintf("%d", t.Tag)).
			Set("error", string(wire.ReasonTimedOut))
		m.Notify.Reply(ctx, t.ServerName, msg)
	}
	return true
}

// forwardTicket is the non-leaders[0] path: hand the orphaned ticket's
// original LOCK parameters to leaders[0] for it to re-inject.
func (m *Machine) forwardTicket(ctx context.Context, e *Entry, leaderZero string) error {
	_, pid, err := wire.ParseEnteringKey(e.Ticket.EnteringKey)
	if err != nil {
		return err
	}
	msg := wire.NewMessage(wire.CmdLock, m.Self.Name+"/cluckd")
	msg = msg.Set("object_name", e.Ticket.ObjectName).
		Set("client_pid", fmt.Sprintf("%d", pid)).
		Set("server_name", e.Ticket.ServerName).
		Set("service_name", e.Ticket.ServiceName).
		Set("tag", fmt.Sprintf("%d", e.Ticket.Tag)).
		Set("serial", fmt.Sprintf("%d", e.Ticket.Serial+1)).
		SetDuration("obtention_timeout", e.Ticket.ObtentionTimeout).
		SetDuration("lock_duration", e.Ticket.LockDuration).
		SetDuration("unlock_duration", e.Ticket.UnlockDuration)
	return m.Bus.Send(ctx, leaderZero, msg)
}
