package store

import (
	"context"
	"strconv"

	"github.com/m2osw/cluckd/internal/wire"
)

// The methods in this file are the *replica* side of the Bakery protocol
// (spec §4.4): every leader other than a ticket's owner mirrors enough of
// that ticket's progress to (a) answer the owner's broadcasts correctly
// (its own last ticket number, its own belief of the first ticket) and
// (b) give activateFirst a globally-accurate view of every object's
// first ticket_key regardless of which leader owns it. They never run
// the owner-side transitions (enterNumbering, checkReady, ...) on a
// foreign ticket themselves.

// ReceiveLockEntering records a placeholder entering ticket on behalf of
// a foreign owner, so this node's own still_entering computations (for
// tickets it owns) see it, and replies LOCK_ENTERED.
func (m *Machine) ReceiveLockEntering(ctx context.Context, from, objectName, enteringKey string) error {
	m.Store.Lock()
	if _, ok := m.Store.Entering(objectName, enteringKey); !ok {
		m.Store.AddEntering(objectName, enteringKey, &Entry{
			State:  StateEntering,
			Ticket: wire.Ticket{ObjectName: objectName, EnteringKey: enteringKey, Owner: from, Serial: wire.NoSerial},
		})
	}
	m.Store.Unlock()

	msg := wire.NewMessage(wire.CmdLockEntered, m.Self.Name+"/cluckd")
	msg = msg.Set("object_name", objectName).Set("entering_key", enteringKey)
	return m.Bus.Send(ctx, from, msg)
}

// ReceiveGetMaxTicket replies with this node's own last numbered ticket
// for objectName, per spec §4.3's get_last_ticket.
func (m *Machine) ReceiveGetMaxTicket(ctx context.Context, from, objectName, enteringKey string) error {
	m.Store.Lock()
	max := m.Store.GetLastTicket(objectName)
	m.Store.Unlock()

	msg := wire.NewMessage(wire.CmdMaxTicket, m.Self.Name+"/cluckd")
	msg = msg.Set("object_name", objectName).
		Set("entering_key", enteringKey).
		Set("max_ticket", strconv.FormatUint(uint64(max), 10))
	return m.Bus.Send(ctx, from, msg)
}

// ReceiveAddTicket installs a foreign-owned numbered ticket under the
// owner's ticket_key (global ordering, spec §3), so FindFirstLock on
// this node considers it, and replies TICKET_ADDED.
func (m *Machine) ReceiveAddTicket(ctx context.Context, from, objectName, enteringKey, ticketKey string) error {
	m.Store.Lock()
	if _, ok := m.Store.Ticket(objectName, ticketKey); !ok {
		// the ticket number is the eight hex digits ticket_key starts with
		var number uint32
		if len(ticketKey) >= 8 {
			if n, err := strconv.ParseUint(ticketKey[:8], 16, 32); err == nil {
				number = uint32(n)
			}
		}
		m.Store.RemoveEntering(objectName, enteringKey)
		m.Store.SetTicket(objectName, ticketKey, &Entry{
			State:  StateNumbering,
			Ticket: wire.Ticket{ObjectName: objectName, EnteringKey: enteringKey, TicketKey: ticketKey, TicketNumber: number, OurTicket: number, Owner: from, Serial: wire.NoSerial},
		})
	}
	m.Store.Unlock()

	msg := wire.NewMessage(wire.CmdTicketAdded, m.Self.Name+"/cluckd")
	msg = msg.Set("object_name", objectName).Set("ticket_key", ticketKey)
	return m.Bus.Send(ctx, from, msg)
}

// ReceiveTicketReady marks a foreign-owned ticket ready, a one-way
// informational update (spec's trace has no reply for TICKET_READY).
func (m *Machine) ReceiveTicketReady(objectName, ticketKey string) {
	m.Store.Lock()
	defer m.Store.Unlock()
	if e, ok := m.Store.Ticket(objectName, ticketKey); ok {
		e.State = StateReady
		e.Ticket.TicketReady = true
	}
}

// ReceiveActivateLock answers the owner's ACTIVATE_LOCK consensus round
// with this node's own belief of objectName's first ticket_key, per
// spec §4.4; the owner locks on the first reply that names its own
// candidate ticket_key.
func (m *Machine) ReceiveActivateLock(ctx context.Context, from, objectName string) error {
	m.Store.Lock()
	first, ok := m.Store.FindFirstLock(objectName, m.now(), nil)
	m.Store.Unlock()

	var key string
	if ok {
		key = first.Ticket.TicketKey
	}

	msg := wire.NewMessage(wire.CmdLockActivated, m.Self.Name+"/cluckd")
	msg = msg.Set("object_name", objectName).Set("ticket_key", key)
	return m.Bus.Send(ctx, from, msg)
}

// ReceiveLockTickets applies a full LOCK_TICKETS resync snapshot (spec
// §4.4 synchronize_leaders), overwriting this node's replica copy of
// each serialized ticket by ticket_key.
func (m *Machine) ReceiveLockTickets(lines []string) {
	m.Store.Lock()
	defer m.Store.Unlock()
	for _, line := range lines {
		t, err := wire.UnserializeTicket(line)
		if err != nil || t.ObjectName == "" || t.TicketKey == "" {
			continue
		}
		if e, ok := m.Store.Ticket(t.ObjectName, t.TicketKey); ok {
			e.Ticket = t
			continue
		}
		m.Store.SetTicket(t.ObjectName, t.TicketKey, &Entry{State: StateNumbering, Ticket: t})
	}
}
