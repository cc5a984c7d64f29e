// Package store implements the per-leader ticket store of spec §4.3 and
// the replicated Bakery ticket state machine of spec §4.4, grounded on
// original_source/daemon/ticket.h's two-level map shape and boolean
// progress flags (preserved directly on wire.Ticket: GetMaxTicket,
// AddedTicket, AddedTicketQuorum, TicketReady, Locked).
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/m2osw/cluckd/internal/wire"
)

// State is the ticket's position in the Bakery protocol, spec §4.4.
type State int

const (
	StateEntering State = iota
	StateNumbering
	StateExiting
	StateReady
	StateLocked
	StateReleasing
	StateDropped
	StateFailureLock
	StateFailureUnlocking
)

func (s State) String() string {
	switch s {
	case StateEntering:
		return "ENTERING"
	case StateNumbering:
		return "NUMBERING"
	case StateExiting:
		return "EXITING"
	case StateReady:
		return "READY"
	case StateLocked:
		return "LOCKED"
	case StateReleasing:
		return "RELEASING"
	case StateDropped:
		return "DROPPED"
	case StateFailureLock:
		return "LOCK_FAILURE_LOCK"
	case StateFailureUnlocking:
		return "LOCK_FAILURE_UNLOCKING"
	default:
		return "UNKNOWN"
	}
}

// Entry is one ticket plus the runtime state the machine needs beyond
// what travels on the wire (spec §6.3 deliberately excludes alive_timeout,
// and the wire format has no room for the local deadline bookkeeping
// below at all).
type Entry struct {
	Ticket        wire.Ticket
	State         State
	StillEntering map[string]struct{}

	// ObtentionDeadline, AliveDeadline and ExtendedTimeoutDate feed the
	// timer wheel (spec §4.6's current_timeout_date) and are never
	// serialized.
	ObtentionDeadline   time.Time
	AliveDeadline       time.Time
	ExtendedTimeoutDate time.Time

	// ourMaxSeen tracks the running maximum observed across MAX_TICKET
	// replies while NUMBERING.
	ourMaxSeen uint32

	// activationPending debounces repeated ACTIVATE_LOCK broadcasts while
	// a consensus round for this ticket is already in flight.
	activationPending bool
}

// CurrentTimeout returns the deadline the timer wheel should key this
// entry's entry on, per spec §4.6: "obtention during waiting, alive while
// probing, lock_timeout during LOCKED, extended during UNLOCKING."
func (e *Entry) CurrentTimeout() (time.Time, bool) {
	switch e.State {
	case StateLocked:
		return e.Ticket.LockTimeoutDate, !e.Ticket.LockTimeoutDate.IsZero()
	case StateReleasing:
		return e.ExtendedTimeoutDate, !e.ExtendedTimeoutDate.IsZero()
	default:
		if !e.AliveDeadline.IsZero() {
			return e.AliveDeadline, true
		}
		return e.ObtentionDeadline, !e.ObtentionDeadline.IsZero()
	}
}

// ErrTicketWrapAround is the fatal configuration error of spec §4.4:
// "Wrap-around of our_ticket back to 0 is a fatal error."
var ErrTicketWrapAround = errors.New("store: ticket_number wrapped around to 0")

// Store is the two-level ticket map of spec §3/§4.3, one instance per
// object namespace (a single Store instance is shared across every
// object_name, keyed internally).
type Store struct {
	mu sync.Mutex

	// entering[object_name][entering_key] = unnumbered ticket.
	entering map[string]map[string]*Entry
	// tickets[object_name][ticket_key] = numbered ticket.
	tickets map[string]map[string]*Entry

	// byEnteringKey resolves a bare entering_key (which is all an UNLOCK
	// from a client that never learned its ticket_key carries) back to
	// the owning object_name and ticket_key.
	byEnteringKey map[string]objectTicketRef
}

type objectTicketRef struct {
	objectName string
	ticketKey  string
}

func New() *Store {
	return &Store{
		entering:      make(map[string]map[string]*Entry),
		tickets:       make(map[string]map[string]*Entry),
		byEnteringKey: make(map[string]objectTicketRef),
	}
}

func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// AddEntering installs e into the entering map. Caller holds the lock.
func (s *Store) AddEntering(objectName, enteringKey string, e *Entry) {
	m, ok := s.entering[objectName]
	if !ok {
		m = make(map[string]*Entry)
		s.entering[objectName] = m
	}
	m[enteringKey] = e
}

// Entering looks up an unnumbered ticket. Caller holds the lock.
func (s *Store) Entering(objectName, enteringKey string) (*Entry, bool) {
	m, ok := s.entering[objectName]
	if !ok {
		return nil, false
	}
	e, ok := m[enteringKey]
	return e, ok
}

// RemoveEntering discards an unnumbered ticket. Caller holds the lock.
func (s *Store) RemoveEntering(objectName, enteringKey string) (*Entry, bool) {
	m, ok := s.entering[objectName]
	if !ok {
		return nil, false
	}
	e, ok := m[enteringKey]
	if ok {
		delete(m, enteringKey)
	}
	return e, ok
}

// GetEnteringTickets returns a snapshot (key set only matters to callers,
// but the full map is handed back so still_entering comparisons don't
// need a second store round-trip) of the entering map for objectName, per
// spec §4.3. Caller holds the lock.
func (s *Store) GetEnteringTickets(objectName string) map[string]*Entry {
	src := s.entering[objectName]
	out := make(map[string]*Entry, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SetTicket installs a numbered ticket, per spec §4.3's set_ticket, and
// indexes it by entering_key so a bare UNLOCK can find it later. Caller
// holds the lock.
func (s *Store) SetTicket(objectName, ticketKey string, e *Entry) {
	m, ok := s.tickets[objectName]
	if !ok {
		m = make(map[string]*Entry)
		s.tickets[objectName] = m
	}
	m[ticketKey] = e
	s.byEnteringKey[e.Ticket.EnteringKey] = objectTicketRef{objectName: objectName, ticketKey: ticketKey}
}

// Ticket looks up a numbered ticket. Caller holds the lock.
func (s *Store) Ticket(objectName, ticketKey string) (*Entry, bool) {
	m, ok := s.tickets[objectName]
	if !ok {
		return nil, false
	}
	e, ok := m[ticketKey]
	return e, ok
}

// TicketByEnteringKey resolves an entering_key to its numbered ticket, for
// UNLOCK requests that only carry the entering_key. Caller holds the lock.
func (s *Store) TicketByEnteringKey(enteringKey string) (*Entry, bool) {
	ref, ok := s.byEnteringKey[enteringKey]
	if !ok {
		return nil, false
	}
	return s.Ticket(ref.objectName, ref.ticketKey)
}

// RemoveTicket discards a numbered ticket. Caller holds the lock.
func (s *Store) RemoveTicket(objectName, ticketKey string) (*Entry, bool) {
	m, ok := s.tickets[objectName]
	if !ok {
		return nil, false
	}
	e, ok := m[ticketKey]
	if ok {
		delete(m, ticketKey)
		delete(s.byEnteringKey, e.Ticket.EnteringKey)
	}
	return e, ok
}

// GetLastTicket returns the largest ticket_number currently numbered for
// objectName, or 0 if none, per spec §4.3.
func (s *Store) GetLastTicket(objectName string) uint32 {
	var max uint32
	for _, e := range s.tickets[objectName] {
		if e.Ticket.TicketNumber > max {
			max = e.Ticket.TicketNumber
		}
	}
	return max
}

// FindFirstLock returns the lexicographically first ticket_key for
// objectName, skipping (and erasing) any ticket other than a LOCKED one
// whose current timeout has already passed -- calling onTimeout for each
// before erasing it, per spec §4.3. Caller holds the lock.
func (s *Store) FindFirstLock(objectName string, now time.Time, onTimeout func(*Entry)) (*Entry, bool) {
	m := s.tickets[objectName]
	if len(m) == 0 {
		return nil, false
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		e := m[k]
		if deadline, ok := e.CurrentTimeout(); ok && !deadline.After(now) && e.State != StateLocked {
			if onTimeout != nil {
				onTimeout(e)
			}
			delete(m, k)
			delete(s.byEnteringKey, e.Ticket.EnteringKey)
			continue
		}
		return e, true
	}
	return nil, false
}

// FindObjectByID resolves an entering_key or ticket_key to the
// object_name it belongs to, for the engine's timer-expiry dispatch: the
// wheel (spec §4.6) tracks deadlines by opaque id alone.
func (s *Store) FindObjectByID(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for objectName, m := range s.entering {
		if _, ok := m[id]; ok {
			return objectName, true
		}
	}
	for objectName, m := range s.tickets {
		if _, ok := m[id]; ok {
			return objectName, true
		}
	}
	return "", false
}

// IsLocked reports whether objectName currently has a granted (LOCKED)
// ticket, cluster-side equivalent of the client's ClientGuard.IsLocked,
// per SPEC_FULL.md §C.4. Unlike most Store methods this acquires the
// lock itself, so a caller outside the dispatch loop's usual lock/unlock
// bracketing can use it; nothing in this module calls it yet.
func (s *Store) IsLocked(objectName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tickets[objectName] {
		if e.State == StateLocked {
			return true
		}
	}
	return false
}

// AllTickets returns every numbered ticket across every object, for
// synchronize_leaders (spec §4.4) and DebugDump. Caller holds the lock.
func (s *Store) AllTickets() []*Entry {
	var out []*Entry
	for _, m := range s.tickets {
		for _, e := range m {
			out = append(out, e)
		}
	}
	return out
}

// AllEntering returns every unnumbered ticket across every object, for
// synchronize_leaders. Caller holds the lock.
func (s *Store) AllEntering() []*Entry {
	var out []*Entry
	for _, m := range s.entering {
		for _, e := range m {
			out = append(out, e)
		}
	}
	return out
}

// RemoveEnteringFromStillSets removes enteringKey from the still_entering
// set of every numbered ticket of objectName, returning those that became
// empty (and were still EXITING, i.e. are now ready to become READY), per
// spec §4.4's replica rule for LOCK_EXITING. Caller holds the lock.
func (s *Store) RemoveEnteringFromStillSets(objectName, enteringKey string) []*Entry {
	var readyNow []*Entry
	for _, e := range s.tickets[objectName] {
		if e.StillEntering == nil {
			continue
		}
		delete(e.StillEntering, enteringKey)
		if len(e.StillEntering) == 0 && e.State == StateExiting {
			readyNow = append(readyNow, e)
		}
	}
	return readyNow
}
