package engine

import (
	"context"
	"time"

	"github.com/m2osw/cluckd/internal/elector"
	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

// announceSelf broadcasts LOCK_STARTED (spec §4.1) so every other node
// adds this one to its registry, and tries an initial election in case
// this node happens to own it.
func (e *Engine) announceSelf(ctx context.Context) {
	msg := wire.NewMessage(wire.CmdLockStarted, e.self.Name+"/cluckd")
	msg = msg.Set("id", e.self.ID())
	_ = e.bus.Broadcast(ctx, msg)
	e.tryElection(ctx)
	e.recomputeReadiness(ctx)
}

// Run is the single dispatch goroutine of spec §5: every Store/Machine
// mutation happens here, driven by the bus's two channels plus a timer
// re-armed to the wheel's next deadline after each step. It returns when
// ctx is canceled or the bus closes.
//
// This is deliberately not built on a generic event-loop type: it is
// sized to exactly the three event sources this engine has (inbound
// messages, membership events, one timer), the same reasoning that
// keeps internal/timerwheel a plain indexed heap rather than a full
// scheduler.
func (e *Engine) Run(ctx context.Context) error {
	e.loopGo.capture()
	e.announceSelf(ctx)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	e.rearm(timer)

	inbound := e.bus.Inbound()
	events := e.bus.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if e.debugMode {
				e.loopGo.assertOnLoopGoroutine()
			}
			e.dispatchInbound(ctx, msg)
			e.rearm(timer)

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if e.debugMode {
				e.loopGo.assertOnLoopGoroutine()
			}
			e.dispatchEvent(ctx, ev)
			e.rearm(timer)

		case <-timer.C:
			if e.debugMode {
				e.loopGo.assertOnLoopGoroutine()
			}
			e.dispatchTimeout(ctx)
			e.rearm(timer)
		}
	}
}

// rearm resets timer to fire at the wheel's next deadline, or after a
// one-second fallback interval if nothing is scheduled, so the loop
// still wakes periodically to run msgcache.ExpireBefore (see
// dispatchTimeout).
func (e *Engine) rearm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	next, ok := e.Wheel.NextDeadline()
	if !ok {
		timer.Reset(time.Second)
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

// dispatchTimeout handles every wheel entry (and cached-LOCK entry) whose
// deadline has passed, per spec §4.6.
func (e *Engine) dispatchTimeout(ctx context.Context) {
	now := e.now()

	for _, id := range e.Wheel.Expired(now) {
		if objectName, ok := e.Store.FindObjectByID(id); ok {
			e.Machine.ExpireTimeout(ctx, objectName, id)
			continue
		}
		// Not in the Store: reinjectTicket (spec §4.4) removes an orphaned
		// ticket from the Store before probing the client with ALIVE, so
		// an unanswered probe's deadline can only be found here.
		e.Machine.ExpireAlive(ctx, id)
	}

	for _, cached := range e.MsgCache.ExpireBefore(now) {
		e.replyLockFailedCached(ctx, cached)
	}
}

// dispatchEvent applies a bus membership transition (spec §4.1): peer
// up/down update the registry and readiness inputs, and a lost leader
// may trigger a new election.
func (e *Engine) dispatchEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventPeerUp:
		e.Registry.SetConnected(ev.Peer, true)
	case transport.EventPeerDown:
		e.Registry.SetConnected(ev.Peer, false)
		wasLeader := e.Elector.Current().Contains(ev.Peer)
		needsElection := e.Elector.LoseLeader(ev.Peer)
		if wasLeader {
			e.handleLeaderLoss(ctx, ev.Peer)
		}
		if needsElection {
			e.tryElection(ctx)
		}
	case transport.EventClusterUp:
		e.busConnected = true
	case transport.EventClusterDown:
		e.busConnected = false
	case transport.EventClusterSize:
		e.Registry.SetTotalNodes(ev.Size)
	}
	e.recomputeReadiness(ctx)
}

// tryElection runs an election (if this node owns it) and announces the
// result, per spec §4.2.
func (e *Engine) tryElection(ctx context.Context) {
	if !e.Elector.ShouldRun() {
		return
	}
	self := e.self
	known := e.Registry.List()
	if !elector.IsElectionOwner(self, known) {
		return
	}

	set, err := e.Elector.RunElection(known, e.Registry.TotalNodes())
	if err != nil {
		e.log.Err().Err(err).Log("engine: election failed")
		return
	}
	e.announceLeaders(ctx, set)
}
