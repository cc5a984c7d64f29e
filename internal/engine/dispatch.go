package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/m2osw/cluckd/internal/elector"
	"github.com/m2osw/cluckd/internal/msgcache"
	"github.com/m2osw/cluckd/internal/readiness"
	"github.com/m2osw/cluckd/internal/store"
	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

// dispatchInbound routes one wire message to its handler, per the
// protocol trace of spec §8. Client-facing commands (LOCK/UNLOCK/
// LOCK_STATUS) branch on whether this node is currently a leader;
// leader-to-leader commands always run directly against Machine.
func (e *Engine) dispatchInbound(ctx context.Context, in transport.InboundMessage) {
	msg := in.Message
	switch msg.Command {

	case wire.CmdLock:
		e.handleClientLock(ctx, in.Peer, msg)
	case wire.CmdUnlock:
		e.handleClientUnlock(ctx, in.Peer, msg)
	case wire.CmdLockStatus:
		e.handleLockStatus(ctx, in.Peer, msg)
	case wire.CmdListTickets:
		e.handleListTickets(ctx, in.Peer, msg)

	case wire.CmdLockEntering:
		e.logErr(e.Machine.ReceiveLockEntering(ctx, in.Peer, msg.Get("object_name"), msg.Get("entering_key")))
	case wire.CmdLockEntered:
		e.logErr(e.Machine.HandleLockEntered(ctx, msg.Get("object_name"), msg.Get("entering_key")))

	case wire.CmdGetMaxTicket:
		e.logErr(e.Machine.ReceiveGetMaxTicket(ctx, in.Peer, msg.Get("object_name"), msg.Get("entering_key")))
	case wire.CmdMaxTicket:
		max, _ := strconv.ParseUint(msg.Get("max_ticket"), 10, 32)
		e.logErr(e.Machine.HandleMaxTicket(ctx, msg.Get("object_name"), msg.Get("entering_key"), uint32(max)))

	case wire.CmdAddTicket:
		e.logErr(e.Machine.ReceiveAddTicket(ctx, in.Peer, msg.Get("object_name"), msg.Get("entering_key"), msg.Get("ticket_key")))
	case wire.CmdTicketAdded:
		e.logErr(e.Machine.HandleTicketAdded(ctx, msg.Get("object_name"), msg.Get("ticket_key")))

	case wire.CmdLockExiting:
		e.logErr(e.Machine.HandleLockExiting(ctx, msg.Get("object_name"), msg.Get("entering_key")))
	case wire.CmdTicketReady:
		e.Machine.ReceiveTicketReady(msg.Get("object_name"), msg.Get("ticket_key"))

	case wire.CmdActivateLock:
		e.logErr(e.Machine.ReceiveActivateLock(ctx, in.Peer, msg.Get("object_name")))
	case wire.CmdLockActivated:
		e.logErr(e.Machine.HandleLockActivated(ctx, msg.Get("object_name"), msg.Get("ticket_key")))

	case wire.CmdDropTicket:
		e.Machine.HandleDropTicket(msg.Get("object_name"), msg.Get("ticket_key"))

	case wire.CmdLockTickets:
		var lines []string
		if raw := msg.Get("tickets"); raw != "" {
			lines = strings.Split(raw, "\n")
		}
		e.Machine.ReceiveLockTickets(lines)

	case wire.CmdAlive:
		// Only ever sent leader-to-client (reassign.go); a coordinator
		// never receives its own probe back, so there is nothing to do
		// here but let recomputeReadiness run below.

	case wire.CmdAbsolutely:
		e.logErr(e.Machine.HandleAbsolutely(ctx, msg.Get("entering_key")))

	case wire.CmdLockStarted:
		e.handleLockStarted(ctx, in.Peer, msg)
	case wire.CmdLockLeaders:
		e.handleLockLeaders(ctx, msg)

	case wire.CmdTransmissionReport:
		e.log.Info().Str("peer", in.Peer).Str("command", msg.Get("command")).Log("engine: transmission report")
	}

	e.recomputeReadiness(ctx)
}

func (e *Engine) logErr(err error) {
	if err != nil {
		e.log.Info().Err(err).Log("engine: handler error")
	}
}

// handleClientLock is the spec §2 entry point: if this node is a leader
// it drives the owner-side protocol directly; otherwise it proxies
// through the Gateway. A not-ready engine instead buffers the request
// in msgcache (spec §4.7) for replay once readiness flips.
func (e *Engine) handleClientLock(ctx context.Context, from string, msg wire.Message) {
	if !e.Readiness.Current() {
		e.bufferLock(msg)
		return
	}

	if !e.isLeader() {
		if err := e.Gateway.ForwardLock(ctx, msg); err != nil {
			e.replyLockFailed(ctx, msg, wire.ReasonFailed)
		}
		return
	}

	req, ok := parseLockRequest(msg)
	if !ok {
		e.replyLockFailed(ctx, msg, wire.ReasonInvalid)
		return
	}
	if err := e.Machine.Lock(ctx, req); err != nil {
		reason := wire.ReasonFailed
		switch {
		case errors.Is(err, store.ErrInvalidRequest):
			reason = wire.ReasonInvalid
		case errors.Is(err, store.ErrDuplicateRequest):
			reason = wire.ReasonDuplicate
		}
		e.replyLockFailed(ctx, msg, reason)
	}
}

func (e *Engine) handleClientUnlock(ctx context.Context, from string, msg wire.Message) {
	if !e.isLeader() {
		_ = e.Gateway.ForwardUnlock(ctx, msg)
		return
	}

	pid, _ := strconv.Atoi(msg.Get("client_pid"))
	tag, _ := strconv.ParseUint(msg.Get("tag"), 10, 16)
	req := store.UnlockRequest{
		ObjectName:  msg.Get("object_name"),
		ServerName:  msg.Get("server_name"),
		ServiceName: msg.Get("service_name"),
		ClientPID:   pid,
		Tag:         uint16(tag),
	}
	e.logErr(e.Machine.Unlock(ctx, req))
}

// handleLockStatus answers a client's LOCK_STATUS probe (spec §4.1,
// §6.6) with the current readiness boolean, rate-limited per client via
// the Gateway.
func (e *Engine) handleLockStatus(ctx context.Context, from string, msg wire.Message) {
	clientKey := msg.Get("server_name") + "/" + msg.Get("service_name")
	if _, allowed := e.Gateway.AllowStatusProbe(clientKey); !allowed {
		return
	}

	reply := wire.CmdNoLock
	if e.Readiness.Current() {
		reply = wire.CmdLockReady
	}
	out := wire.NewMessage(reply, e.self.Name+"/cluckd")
	_ = e.bus.Send(ctx, from, out)
}

// handleListTickets answers the status CLI's LIST_TICKETS probe (spec
// §6.6) with a TICKET_LIST reply carrying one line per numbered ticket
// across every object this node's Store holds, the same fields
// DebugDump prints for its ticket section. An optional object_name
// parameter narrows the listing to one object.
func (e *Engine) handleListTickets(ctx context.Context, from string, msg wire.Message) {
	filter := msg.Get("object_name")

	e.Store.Lock()
	tickets := e.Store.AllTickets()
	e.Store.Unlock()

	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Ticket.TicketKey < tickets[j].Ticket.TicketKey })

	var lines []string
	for _, t := range tickets {
		if filter != "" && t.Ticket.ObjectName != filter {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s owner=%s state=%s", t.Ticket.ObjectName, t.Ticket.TicketKey, t.Ticket.Owner, t.State))
	}

	out := wire.NewMessage(wire.CmdTicketList, e.self.Name+"/cluckd")
	out = out.Set("tickets", strings.Join(lines, "\n"))
	_ = e.bus.Send(ctx, from, out)
}

// bufferLock stashes a LOCK request in msgcache until readiness flips
// (spec §4.7), scheduling its own obtention-timeout expiry via the
// wheel so a client is never left hanging past what it asked for.
func (e *Engine) bufferLock(msg wire.Message) {
	id := msg.Get("server_name") + "/" + msg.Get("client_pid") + "/" + msg.Get("tag")
	timeout, err := msg.GetDuration("obtention_timeout")
	if err != nil || timeout <= 0 {
		timeout = e.cfg.ObtentionDefault
	}
	deadline := e.now().Add(timeout)
	e.MsgCache.Push(msgcache.Entry{ID: id, Message: msg, ObtentionDeadline: deadline})
	e.Wheel.Upsert(id, deadline)
}

// drainMsgCache replays every buffered LOCK request once the engine
// becomes ready, per spec §4.7.
func (e *Engine) drainMsgCache(ctx context.Context) {
	for _, cached := range e.MsgCache.Drain() {
		e.Wheel.Remove(cached.ID)
		e.handleClientLock(ctx, "", cached.Message)
	}
}

func (e *Engine) replyLockFailedCached(ctx context.Context, cached msgcache.Entry) {
	e.replyLockFailed(ctx, cached.Message, wire.ReasonTimedOut)
}

func (e *Engine) replyLockFailed(ctx context.Context, msg wire.Message, reason wire.LockFailedReason) {
	out := wire.NewMessage(wire.CmdLockFailed, e.self.Name+"/cluckd")
	out = out.Set("object_name", msg.Get("object_name")).
		Set("tag", msg.Get("tag")).
		Set("error", string(reason))
	server := msg.Get("server_name")
	if server == "" {
		return
	}
	_ = e.bus.Send(ctx, server, out)
}

func parseLockRequest(msg wire.Message) (store.LockRequest, bool) {
	pid, err := strconv.Atoi(msg.Get("client_pid"))
	if err != nil || pid <= 0 {
		return store.LockRequest{}, false
	}
	tag, _ := strconv.ParseUint(msg.Get("tag"), 10, 16)
	serial, _ := strconv.ParseInt(msg.Get("serial"), 10, 32)

	obtention, _ := msg.GetDuration("obtention_timeout")
	lockDur, _ := msg.GetDuration("lock_duration")
	unlockDur, _ := msg.GetDuration("unlock_duration")

	req := store.LockRequest{
		ObjectName:       msg.Get("object_name"),
		ServerName:       msg.Get("server_name"),
		ServiceName:      msg.Get("service_name"),
		ClientPID:        pid,
		Tag:              uint16(tag),
		Serial:           int32(serial),
		ObtentionTimeout: clampDuration(obtention, DefaultObtentionTimeout, MinObtentionTimeout, MaxObtentionTimeout),
		LockDuration:     clampDuration(lockDur, DefaultLockDuration, MinLockDuration, MaxLockDuration),
		UnlockDuration:   clampDuration(unlockDur, DefaultUnlockDuration, MinUnlockDuration, MaxUnlockDuration),
	}
	if req.ObjectName == "" {
		return store.LockRequest{}, false
	}
	return req, true
}

// handleLockStarted applies a peer's announcement of its own identity
// (spec §4.1: every node broadcasts LOCK_STARTED on joining), adding it
// to the registry and re-running an election if this node owns it. A
// newly-registered node that joins after a leader set already exists is
// unicast the current LOCK_LEADERS directly (SPEC_FULL.md §C.2) rather
// than waiting for the next election.
func (e *Engine) handleLockStarted(ctx context.Context, from string, msg wire.Message) {
	n, err := wire.ParseNodeID(msg.Get("id"))
	if err != nil {
		return
	}
	n.Connected = true
	isNew := e.Registry.Upsert(n)
	if !isNew {
		return
	}

	if set := e.Elector.Current(); set.IsComplete() {
		e.unicastLeaders(ctx, from, set)
		return
	}
	e.tryElection(ctx)
}

// handleLockLeaders adopts an election result announced by the election
// owner: spec §4.2's "leader0"/"leader1"/"leader2" parameters, each the
// full identity string of one chosen node (absent past the actual
// leader count).
func (e *Engine) handleLockLeaders(ctx context.Context, msg wire.Message) {
	var nodes []wire.Node
	for _, key := range []string{"leader0", "leader1", "leader2"} {
		id := msg.Get(key)
		if id == "" {
			continue
		}
		n, err := wire.ParseNodeID(id)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	electionDate, _ := msg.GetTime("election_date")
	e.Elector.AdoptLeaders(elector.LeaderSet{Leaders: nodes, ElectionDate: float64(electionDate.Unix())})
}

// announceLeaders broadcasts an election result (spec §4.2's
// "election_date" and "leader0"/"leader1"/"leader2" parameters) and
// drains any buffered LOCK requests now that readiness may have
// changed.
func (e *Engine) announceLeaders(ctx context.Context, set elector.LeaderSet) {
	_ = e.bus.Broadcast(ctx, e.leadersMessage(set))
	e.recomputeReadiness(ctx)
}

func (e *Engine) unicastLeaders(ctx context.Context, to string, set elector.LeaderSet) {
	_ = e.bus.Send(ctx, to, e.leadersMessage(set))
}

func (e *Engine) leadersMessage(set elector.LeaderSet) wire.Message {
	msg := wire.NewMessage(wire.CmdLockLeaders, e.self.Name+"/cluckd")
	msg = msg.SetTime("election_date", e.now())
	for i, n := range set.Leaders {
		msg = msg.Set("leader"+strconv.Itoa(i), n.ID())
	}
	return msg
}

// handleLeaderLoss runs synchronize_leaders (spec §4.4) once a confirmed
// former leader drops out: the caller (dispatchEvent) has already called
// Elector.LoseLeader, so Current() here is the surviving set with
// lostPeer already removed. leaders[0] of that surviving set re-homes
// every orphaned ticket (migrate if locked, reinject-with-ALIVE if still
// waiting, forward otherwise).
func (e *Engine) handleLeaderLoss(ctx context.Context, lostPeer string) {
	set := e.Elector.Current()
	leaderZero, ok := set.First()
	if !ok {
		return
	}
	current := make(map[string]struct{}, len(set.Leaders))
	for _, n := range set.Leaders {
		current[n.Name] = struct{}{}
	}
	e.log.Info().Str("lost_peer", lostPeer).Str("leader_zero", leaderZero.Name).Log("engine: synchronizing leaders after loss")
	e.logErr(e.Machine.SynchronizeLeaders(ctx, current, leaderZero.Name))
}

// recomputeReadiness re-evaluates the spec §4.1 formula from current
// registry/elector state and, on a false->true transition, replays
// buffered LOCK requests and announces LOCK_READY to local clients.
func (e *Engine) recomputeReadiness(ctx context.Context) {
	set := e.Elector.Current()
	allAlive := true
	for _, n := range set.Leaders {
		if known, ok := e.Registry.Get(n.Name); !ok || !known.Connected {
			allAlive = false
			break
		}
	}

	value, changed := e.Readiness.Update(readiness.Inputs{
		BusConnected:    e.busConnected,
		LeaderCount:     set.Len(),
		TotalNodes:      e.Registry.TotalNodes(),
		KnownNodes:      e.Registry.Count(),
		AllLeadersAlive: allAlive,
	})
	if !changed {
		return
	}

	cmd := wire.CmdNoLock
	if value {
		cmd = wire.CmdLockReady
	}
	_ = e.bus.Broadcast(ctx, wire.NewMessage(cmd, e.self.Name+"/cluckd"))

	if value {
		e.drainMsgCache(ctx)
	}
}
