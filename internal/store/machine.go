package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

// Clock abstracts time.Now so tests can drive the state machine with a
// fake clock, per the teacher's eventloop test-hook convention (see
// SPEC_FULL.md §A.4).
type Clock func() time.Time

// Scheduler is the subset of internal/timerwheel.Wheel the machine needs,
// kept as an interface so tests can substitute a spy.
type Scheduler interface {
	Upsert(id string, deadline time.Time)
	Remove(id string)
}

// Notifier receives the client-facing replies and fatal-error reports the
// machine produces, decoupling it from any one gateway/logging
// implementation.
type Notifier interface {
	Reply(ctx context.Context, clientNode string, msg wire.Message)
	Fatal(err error)
}

// LockRequest is the parsed form of an incoming LOCK command (spec §6.1).
type LockRequest struct {
	ObjectName       string
	ServerName       string
	ServiceName      string
	ClientPID        int
	Tag              uint16
	Serial           int32
	ObtentionTimeout time.Duration
	LockDuration     time.Duration
	UnlockDuration   time.Duration
}

// UnlockRequest is the parsed form of an incoming UNLOCK command.
type UnlockRequest struct {
	ObjectName  string
	ServerName  string
	ServiceName string
	ClientPID   int
	Tag         uint16
}

var (
	// ErrInvalidRequest is spec §4.4's "invalid" failure reason.
	ErrInvalidRequest = errors.New("store: invalid lock parameters")
	// ErrDuplicateRequest is spec §4.4's "duplicate" failure reason.
	ErrDuplicateRequest = errors.New("store: duplicate lock request")
)

// Machine drives the owner's side of the replicated Bakery protocol
// (spec §4.4) over a Store, and applies the replica rules when messages
// arrive from the owning peer. One Machine is instantiated per leader
// node; it is not safe for concurrent use from more than the single
// dispatch goroutine spec §5 describes.
type Machine struct {
	Store  *Store
	Bus    transport.Bus
	Timer  Scheduler
	Notify Notifier
	Self   wire.Node
	Now    Clock

	// Peers returns the names of every *other* current leader, excluding
	// Self -- recomputed on demand since the leader set can change
	// mid-protocol (spec §4.2/§4.4 synchronize_leaders).
	Peers func() []string

	// Batcher, if set, coalesces LOCK_TICKETS resync broadcasts raised
	// during synchronize_leaders (see batch.go). Optional: nil falls
	// back to one LOCK_TICKETS message per migrated ticket.
	Batcher *TicketBatcher

	// pendingAlive holds the ticket parameters of an orphaned ticket
	// re-injection probe (spec §4.4 ALIVE/ABSOLUTELY) between
	// reinjectTicket removing the local copy and HandleAbsolutely
	// re-entering it on the client's reply, keyed by entering_key.
	pendingAlive map[string]wire.Ticket
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Lock starts the owner-side protocol for a freshly arrived LOCK request.
func (m *Machine) Lock(ctx context.Context, req LockRequest) error {
	if req.ObjectName == "" || req.ClientPID <= 0 || req.LockDuration <= 0 || req.UnlockDuration <= 0 {
		return fmt.Errorf("%w: object_name/client_pid/durations", ErrInvalidRequest)
	}

	enteringKey := wire.EnteringKey(req.ServerName, req.ClientPID)

	m.Store.Lock()
	defer m.Store.Unlock()

	if existing, ok := m.Store.Entering(req.ObjectName, enteringKey); ok {
		return m.checkDuplicate(existing.Ticket.Serial, req.Serial)
	}
	if existing, ok := m.Store.TicketByEnteringKey(enteringKey); ok {
		return m.checkDuplicate(existing.Ticket.Serial, req.Serial)
	}

	now := m.now()
	e := &Entry{
		State: StateEntering,
		Ticket: wire.Ticket{
			ObjectName:       req.ObjectName,
			Tag:              req.Tag,
			EnteringKey:      enteringKey,
			Owner:            m.Self.Name,
			Serial:           req.Serial,
			ObtentionTimeout: req.ObtentionTimeout,
			LockDuration:     req.LockDuration,
			UnlockDuration:   req.UnlockDuration,
			ServerName:       req.ServerName,
			ServiceName:      req.ServiceName,
		},
		ObtentionDeadline: now.Add(req.ObtentionTimeout),
	}
	m.Store.AddEntering(req.ObjectName, enteringKey, e)
	if m.Timer != nil {
		m.Timer.Upsert(enteringKey, e.ObtentionDeadline)
	}

	peers := m.peerNames()
	if len(peers) == 0 {
		return m.enterNumbering(ctx, e)
	}

	msg := wire.NewMessage(wire.CmdLockEntering, m.Self.Name+"/cluckd")
	msg = msg.Set("object_name", req.ObjectName).Set("entering_key", enteringKey)
	return broadcastToPeers(ctx, m.Bus, peers, msg)
}

func (m *Machine) checkDuplicate(existingSerial, newSerial int32) error {
	if existingSerial == newSerial {
		return nil // legitimate retry, spec §4.4: silently ignored
	}
	return ErrDuplicateRequest
}

func (m *Machine) peerNames() []string {
	if m.Peers == nil {
		return nil
	}
	return m.Peers()
}

// HandleLockEntered advances ENTERING -> NUMBERING on the first reply
// seen; subsequent replies for the same entering_key are quorum-of-one
// no-ops.
func (m *Machine) HandleLockEntered(ctx context.Context, objectName, enteringKey string) error {
	m.Store.Lock()
	defer m.Store.Unlock()

	e, ok := m.Store.Entering(objectName, enteringKey)
	if !ok || e.State != StateEntering {
		return nil
	}
	return m.enterNumbering(ctx, e)
}

func (m *Machine) enterNumbering(ctx context.Context, e *Entry) error {
	e.State = StateNumbering
	e.ourMaxSeen = m.Store.GetLastTicket(e.Ticket.ObjectName)

	peers := m.peerNames()
	if len(peers) == 0 {
		return m.finishNumbering(ctx, e, e.ourMaxSeen)
	}

	msg := wire.NewMessage(wire.CmdGetMaxTicket, m.Self.Name+"/cluckd")
	msg = msg.Set("object_name", e.Ticket.ObjectName).Set("entering_key", e.Ticket.EnteringKey)
	return broadcastToPeers(ctx, m.Bus, peers, msg)
}

// HandleMaxTicket applies the first MAX_TICKET reply for a still-numbering
// entry; later replies are ignored once numbering has finished.
func (m *Machine) HandleMaxTicket(ctx context.Context, objectName, enteringKey string, peerMax uint32) error {
	m.Store.Lock()
	defer m.Store.Unlock()

	e, ok := m.Store.Entering(objectName, enteringKey)
	if !ok || e.State != StateNumbering || e.Ticket.GetMaxTicket {
		return nil
	}
	seen := e.ourMaxSeen
	if peerMax > seen {
		seen = peerMax
	}
	return m.finishNumbering(ctx, e, seen)
}

func (m *Machine) finishNumbering(ctx context.Context, e *Entry, maxSeen uint32) error {
	ourTicket := maxSeen + 1
	if ourTicket == 0 {
		err := fmt.Errorf("%w: object %q", ErrTicketWrapAround, e.Ticket.ObjectName)
		if m.Notify != nil {
			m.Notify.Fatal(err)
		}
		return err
	}

	e.Ticket.GetMaxTicket = true
	e.Ticket.AddedTicket = true
	e.Ticket.OurTicket = ourTicket
	e.Ticket.TicketNumber = ourTicket
	e.Ticket.TicketKey = wire.TicketKey(ourTicket, e.Ticket.EnteringKey)

	m.Store.RemoveEntering(e.Ticket.ObjectName, e.Ticket.EnteringKey)
	m.Store.SetTicket(e.Ticket.ObjectName, e.Ticket.TicketKey, e)
	if m.Timer != nil {
		m.Timer.Remove(e.Ticket.EnteringKey)
		m.Timer.Upsert(e.Ticket.TicketKey, e.ObtentionDeadline)
	}

	peers := m.peerNames()
	if len(peers) == 0 {
		return m.enterExiting(ctx, e)
	}

	msg := wire.NewMessage(wire.CmdAddTicket, m.Self.Name+"/cluckd")
	msg = msg.Set("object_name", e.Ticket.ObjectName).
		Set("entering_key", e.Ticket.EnteringKey).
		Set("ticket_key", e.Ticket.TicketKey)
	return broadcastToPeers(ctx, m.Bus, peers, msg)
}

// HandleTicketAdded advances NUMBERING -> EXITING on the first reply.
func (m *Machine) HandleTicketAdded(ctx context.Context, objectName, ticketKey string) error {
	m.Store.Lock()
	defer m.Store.Unlock()

	e, ok := m.Store.Ticket(objectName, ticketKey)
	if !ok || e.State != StateNumbering {
		return nil
	}
	return m.enterExiting(ctx, e)
}

func (m *Machine) enterExiting(ctx context.Context, e *Entry) error {
	e.State = StateExiting
	e.Ticket.AddedTicketQuorum = true

	snapshot := m.Store.GetEnteringTickets(e.Ticket.ObjectName)
	still := make(map[string]struct{}, len(snapshot))
	for k := range snapshot {
		still[k] = struct{}{}
	}
	e.StillEntering = still

	// An entering_key leaving the entering map affects every numbered
	// ticket's still_entering set for this object, including ones the
	// local node owns -- apply that locally as well as broadcasting.
	readyNow := m.Store.RemoveEnteringFromStillSets(e.Ticket.ObjectName, e.Ticket.EnteringKey)

	peers := m.peerNames()
	var err error
	if len(peers) > 0 {
		msg := wire.NewMessage(wire.CmdLockExiting, m.Self.Name+"/cluckd")
		msg = msg.Set("object_name", e.Ticket.ObjectName).Set("entering_key", e.Ticket.EnteringKey)
		err = broadcastToPeers(ctx, m.Bus, peers, msg)
	}

	if checkErr := m.checkReady(ctx, e); checkErr != nil && err == nil {
		err = checkErr
	}
	for _, other := range readyNow {
		if other == e {
			continue
		}
		if checkErr := m.checkReady(ctx, other); checkErr != nil && err == nil {
			err = checkErr
		}
	}
	return err
}

func (m *Machine) checkReady(ctx context.Context, e *Entry) error {
	if e.State != StateExiting || len(e.StillEntering) != 0 {
		return nil
	}
	e.State = StateReady
	e.Ticket.TicketReady = true

	peers := m.peerNames()
	if len(peers) > 0 {
		msg := wire.NewMessage(wire.CmdTicketReady, m.Self.Name+"/cluckd")
		msg = msg.Set("object_name", e.Ticket.ObjectName).Set("ticket_key", e.Ticket.TicketKey)
		if err := broadcastToPeers(ctx, m.Bus, peers, msg); err != nil {
			return err
		}
	}
	return m.activateFirst(ctx, e.Ticket.ObjectName)
}

// HandleLockExiting applies the replica rule of spec §4.4: drop the
// entering record and remove enteringKey from every still_entering set
// for objectName (whether this node owns tickets for it or not).
func (m *Machine) HandleLockExiting(ctx context.Context, objectName, enteringKey string) error {
	m.Store.Lock()
	defer m.Store.Unlock()

	m.Store.RemoveEntering(objectName, enteringKey)
	readyNow := m.Store.RemoveEnteringFromStillSets(objectName, enteringKey)

	var err error
	for _, e := range readyNow {
		if checkErr := m.checkReady(ctx, e); checkErr != nil && err == nil {
			err = checkErr
		}
	}
	return err
}

// activateFirst is spec §4.4's activation check: re-run whenever the
// first ticket of objectName might have changed.
func (m *Machine) activateFirst(ctx context.Context, objectName string) error {
	first, ok := m.Store.FindFirstLock(objectName, m.now(), func(timedOut *Entry) {
		m.failLocked(ctx, timedOut, wire.ReasonTimedOut)
	})
	if !ok || first.State != StateReady || first.activationPending {
		return nil
	}

	peers := m.peerNames()
	if len(peers) == 0 {
		return m.finishActivation(ctx, first)
	}

	first.activationPending = true
	msg := wire.NewMessage(wire.CmdActivateLock, m.Self.Name+"/cluckd")
	msg = msg.Set("object_name", objectName).Set("ticket_key", first.Ticket.TicketKey)
	return broadcastToPeers(ctx, m.Bus, peers, msg)
}

// HandleLockActivated applies a peer's belief of the first ticket_key for
// objectName; consensus (matching the owner's own candidate) locks it.
func (m *Machine) HandleLockActivated(ctx context.Context, objectName, peerFirstKey string) error {
	m.Store.Lock()
	defer m.Store.Unlock()

	first, ok := m.Store.FindFirstLock(objectName, m.now(), func(timedOut *Entry) {
		m.failLocked(ctx, timedOut, wire.ReasonTimedOut)
	})
	if !ok || first.State != StateReady || !first.activationPending {
		return nil
	}
	if peerFirstKey != first.Ticket.TicketKey {
		return nil
	}
	return m.finishActivation(ctx, first)
}

func (m *Machine) finishActivation(ctx context.Context, e *Entry) error {
	now := m.now()
	e.State = StateLocked
	e.activationPending = false
	e.Ticket.Locked = true
	e.Ticket.LockTimeoutDate = now.Add(e.Ticket.LockDuration)

	if m.Timer != nil {
		m.Timer.Upsert(e.Ticket.TicketKey, e.Ticket.LockTimeoutDate)
	}

	if m.Notify != nil {
		msg := wire.NewMessage(wire.CmdLocked, m.Self.Name+"/cluckd")
		msg = msg.Set("object_name", e.Ticket.ObjectName).
			Set("tag", fmt.Sprintf("%d", e.Ticket.Tag)).
			SetTime("lock_timeout_date", e.Ticket.LockTimeoutDate)
		m.Notify.Reply(ctx, e.Ticket.ServerName, msg)
	}
	return nil
}

// Unlock implements the RELEASING transition of spec §4.4: client-driven
// UNLOCK on a held ticket.
func (m *Machine) Unlock(ctx context.Context, req UnlockRequest) error {
	enteringKey := wire.EnteringKey(req.ServerName, req.ClientPID)

	m.Store.Lock()
	defer m.Store.Unlock()

	e, ok := m.Store.TicketByEnteringKey(enteringKey)
	if !ok {
		if entering, ok2 := m.Store.RemoveEntering(req.ObjectName, enteringKey); ok2 {
			return m.dropAndNotify(ctx, entering, wire.CmdUnlocked)
		}
		return nil
	}

	e.State = StateReleasing
	return m.dropAndNotify(ctx, e, wire.CmdUnlocked)
}

func (m *Machine) dropAndNotify(ctx context.Context, e *Entry, reply wire.Command) error {
	m.Store.RemoveTicket(e.Ticket.ObjectName, e.Ticket.TicketKey)
	if m.Timer != nil {
		m.Timer.Remove(e.Ticket.TicketKey)
		m.Timer.Remove(e.Ticket.EnteringKey)
	}
	e.State = StateDropped

	var err error
	peers := m.peerNames()
	if len(peers) > 0 {
		msg := wire.NewMessage(wire.CmdDropTicket, m.Self.Name+"/cluckd")
		msg = msg.Set("object_name", e.Ticket.ObjectName).Set("ticket_key", e.Ticket.TicketKey)
		err = broadcastToPeers(ctx, m.Bus, peers, msg)
	}

	if m.Notify != nil {
		msg := wire.NewMessage(reply, m.Self.Name+"/cluckd")
		msg = msg.Set("object_name", e.Ticket.ObjectName).Set("tag", fmt.Sprintf("%d", e.Ticket.Tag))
		m.Notify.Reply(ctx, e.Ticket.ServerName, msg)
	}

	if activateErr := m.activateFirst(ctx, e.Ticket.ObjectName); activateErr != nil && err == nil {
		err = activateErr
	}
	return err
}

// HandleDropTicket applies the replica rule: remove the ticket from both
// maps, per spec §4.4.
func (m *Machine) HandleDropTicket(objectName, ticketKey string) {
	m.Store.Lock()
	defer m.Store.Unlock()
	if e, ok := m.Store.RemoveTicket(objectName, ticketKey); ok {
		if m.Timer != nil {
			m.Timer.Remove(ticketKey)
			m.Timer.Remove(e.Ticket.EnteringKey)
		}
	}
}

// failLocked applies spec §4.4's failure semantics: LOCK_FAILED to the
// client, with the ticket's terminal failure_state recorded for
// diagnostics, and tells peers to drop their copy.
func (m *Machine) failLocked(ctx context.Context, e *Entry, reason wire.LockFailedReason) {
	if e.State == StateLocked {
		e.Ticket.LockFailed = wire.FailureUnlocking
		e.State = StateFailureUnlocking
	} else {
		e.Ticket.LockFailed = wire.FailureLock
		e.State = StateFailureLock
	}

	if m.Notify != nil {
		msg := wire.NewMessage(wire.CmdLockFailed, m.Self.Name+"/cluckd")
		msg = msg.Set("object_name", e.Ticket.ObjectName).
			Set("tag", fmt.Sprintf("%d", e.Ticket.Tag)).
			Set("error", string(reason))
		m.Notify.Reply(ctx, e.Ticket.ServerName, msg)
	}

	if peers := m.peerNames(); len(peers) > 0 && e.Ticket.TicketKey != "" {
		msg := wire.NewMessage(wire.CmdDropTicket, m.Self.Name+"/cluckd")
		msg = msg.Set("object_name", e.Ticket.ObjectName).Set("ticket_key", e.Ticket.TicketKey)
		_ = broadcastToPeers(ctx, m.Bus, peers, msg)
	}
}

// ExpireTimeout is called by the engine for every ID the timer wheel
// reports as expired (spec §4.6 cleanup). id is either an entering_key
// (still waiting to be numbered) or a ticket_key (numbered, possibly
// locked).
func (m *Machine) ExpireTimeout(ctx context.Context, objectName, id string) {
	m.Store.Lock()
	defer m.Store.Unlock()

	if e, ok := m.Store.Ticket(objectName, id); ok {
		m.expireTicket(ctx, e)
		return
	}
	if e, ok := m.Store.RemoveEntering(objectName, id); ok {
		m.failLocked(ctx, e, wire.ReasonTimedOut)
	}
}

func (m *Machine) expireTicket(ctx context.Context, e *Entry) {
	now := m.now()
	switch e.State {
	case StateLocked:
		// Lock-duration expiry: extend by unlock_duration and ask the
		// client to confirm, per spec §4.4 "Holding"/"RELEASING".
		e.State = StateReleasing
		e.ExtendedTimeoutDate = now.Add(e.Ticket.UnlockDuration)
		if m.Timer != nil {
			m.Timer.Upsert(e.Ticket.TicketKey, e.ExtendedTimeoutDate)
		}
		if m.Notify != nil {
			msg := wire.NewMessage(wire.CmdUnlocking, m.Self.Name+"/cluckd")
			msg = msg.Set("object_name", e.Ticket.ObjectName).Set("tag", fmt.Sprintf("%d", e.Ticket.Tag))
			m.Notify.Reply(ctx, e.Ticket.ServerName, msg)
		}
	case StateReleasing:
		// Extended timeout elapsed with no client UNLOCK: drop unilaterally.
		_ = m.dropAndNotify(ctx, e, wire.CmdUnlocked)
	default:
		m.failLocked(ctx, e, wire.ReasonTimedOut)
		m.Store.RemoveTicket(e.Ticket.ObjectName, e.Ticket.TicketKey)
		if m.Timer != nil {
			m.Timer.Remove(e.Ticket.TicketKey)
			m.Timer.Remove(e.Ticket.EnteringKey)
		}
		if activateErr := m.activateFirst(ctx, e.Ticket.ObjectName); activateErr != nil && m.Notify != nil {
			m.Notify.Fatal(activateErr)
		}
	}
}
