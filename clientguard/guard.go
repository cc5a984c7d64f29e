package clientguard

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m2osw/cluckd/internal/wire"
)

// ErrNotIdle is returned by Lock when the guard is not currently IDLE.
var ErrNotIdle = errors.New("clientguard: Lock called while not IDLE")

// ErrNotLockable is returned by Unlock when the guard is neither LOCKING
// nor LOCKED.
var ErrNotLockable = errors.New("clientguard: Unlock called while not LOCKING or LOCKED")

// Guard is one LOCK request's state machine, spec §4.5. Create one via
// Client.NewGuard per request; do not reuse a Guard across requests once
// it has reached FAILED or completed a full LOCKING->LOCKED->UNLOCKING
// cycle -- build a fresh one instead, the same "one guard per request"
// contract the original cluck class enforces by construction.
type Guard struct {
	client     *Client
	objectName string
	mode       Mode
	debugID    string

	obtained []ObtainedFunc
	failed   []FailedFunc
	finally  []FinallyFunc

	mu          sync.Mutex
	state       State
	tag         uint16
	serial      int32
	timer       *time.Timer
	lockTimeout time.Time // last LOCKED-derived lock_timeout_date, spec §4.5 get_timeout_date
}

// LockOptions overrides the Client's configured defaults for one Lock
// call, spec §6.5.
type LockOptions struct {
	ObtentionTimeout time.Duration
	LockDuration     time.Duration
	UnlockDuration   time.Duration
	Type             wire.LockType
}

// OnObtained registers a callback run when the lock is granted. Returns
// g so callbacks can be chained onto NewGuard.
func (g *Guard) OnObtained(fn ObtainedFunc) *Guard {
	g.obtained = append(g.obtained, fn)
	return g
}

// OnFailed registers a callback run when the request ends in failure.
func (g *Guard) OnFailed(fn FailedFunc) *Guard {
	g.failed = append(g.failed, fn)
	return g
}

// OnFinally registers a callback that always runs last.
func (g *Guard) OnFinally(fn FinallyFunc) *Guard {
	g.finally = append(g.finally, fn)
	return g
}

// State returns the guard's current position in the state machine.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// IsLocked reports whether this guard currently holds the lock and its
// lock_timeout_date has not yet passed, spec §4.5 is_locked().
func (g *Guard) IsLocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateLocked && time.Now().Before(g.lockTimeout)
}

// GetTimeoutDate returns the last LOCKED-derived timeout, or the zero
// Time if this guard has never been granted a lock, spec §4.5
// get_timeout_date().
func (g *Guard) GetTimeoutDate() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lockTimeout
}

// Lock sends a LOCK request, per spec §4.5: only valid in IDLE. It
// stamps a fresh tag, allocates a serial, registers reply handlers
// (matching on the tag, via Client.dispatch) and arms a local timer at
// the obtention deadline.
func (g *Guard) Lock(ctx context.Context, opts ...func(*LockOptions)) error {
	g.mu.Lock()
	if g.state != StateIdle {
		g.mu.Unlock()
		return ErrNotIdle
	}

	o := LockOptions{
		ObtentionTimeout: g.client.cfg.ObtentionDefault,
		LockDuration:     g.client.cfg.LockDefault,
		UnlockDuration:   g.client.cfg.UnlockDefault,
	}
	for _, opt := range opts {
		opt(&o)
	}
	obtention := clampDuration(o.ObtentionTimeout, g.client.cfg.ObtentionDefault, MinObtentionTimeout, MaxObtentionTimeout)
	lockDur := clampDuration(o.LockDuration, g.client.cfg.LockDefault, MinLockDuration, MaxLockDuration)
	unlockDur := clampDuration(o.UnlockDuration, g.client.cfg.UnlockDefault, MinUnlockDuration, MaxUnlockDuration)

	g.tag = g.client.cfg.Counters.NextTag()
	g.serial = g.client.cfg.Counters.NextSerial()
	g.debugID = uuid.New().String()
	g.state = StateLocking
	g.mu.Unlock()

	g.client.register(g)
	g.armTimer(ctx, obtention, timerObtention)

	msg := wire.NewMessage(wire.CmdLock, g.client.cfg.ServerName+"/"+g.client.cfg.ServiceName)
	msg = msg.Set("object_name", g.objectName).
		Set("tag", strconv.Itoa(int(g.tag))).
		Set("client_pid", strconv.Itoa(os.Getpid())).
		Set("serial", strconv.Itoa(int(g.serial))).
		Set("server_name", g.client.cfg.ServerName).
		Set("service_name", g.client.cfg.ServiceName).
		SetDuration("obtention_timeout", obtention).
		SetDuration("lock_duration", lockDur).
		SetDuration("unlock_duration", unlockDur).
		Set("type", strconv.Itoa(int(o.Type)))

	if err := g.client.transport.Send(ctx, msg); err != nil {
		g.postSendFailure(ctx, err)
		return err
	}
	return nil
}

// postSendFailure routes a synchronous send error through the dispatch
// loop rather than calling fail directly, so guard-field mutation stays
// confined to the single Run goroutine even on this path (spec §5).
func (g *Guard) postSendFailure(ctx context.Context, err error) {
	select {
	case g.client.timerCh <- timerEvent{tag: g.tag, kind: timerSendFailed, err: err.Error()}:
	case <-ctx.Done():
	}
}

// Unlock sends an UNLOCK request, per spec §4.5: valid in LOCKED (a
// normal release) or LOCKING (aborting the still-pending request). Arms
// a short local timer for the UNLOCKED reply.
func (g *Guard) Unlock(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateLocked && g.state != StateLocking {
		g.mu.Unlock()
		return ErrNotLockable
	}
	g.stopTimerLocked()
	g.state = StateUnlocking
	tag, serverName, serviceName := g.tag, g.client.cfg.ServerName, g.client.cfg.ServiceName
	g.mu.Unlock()

	g.armTimer(ctx, unlockReplyTimeout, timerUnlockReply)

	msg := wire.NewMessage(wire.CmdUnlock, serverName+"/"+serviceName)
	msg = msg.Set("object_name", g.objectName).
		Set("tag", strconv.Itoa(int(tag))).
		Set("client_pid", strconv.Itoa(os.Getpid())).
		Set("server_name", serverName).
		Set("service_name", serviceName)

	return g.client.transport.Send(ctx, msg)
}

// Close abandons this guard outside the normal protocol, per spec §5's
// "Scoped resource release": releases the tag registration and cancels
// any pending local timer, without sending anything further. Safe to
// call from a defer right after NewGuard, covering every exit path.
func (g *Guard) Close() {
	g.mu.Lock()
	g.stopTimerLocked()
	tag := g.tag
	g.mu.Unlock()
	g.client.unregister(tag)
}

func (g *Guard) armTimer(ctx context.Context, d time.Duration, kind timerKind) {
	tag := g.tag
	timer := time.AfterFunc(d, func() {
		select {
		case g.client.timerCh <- timerEvent{tag: tag, kind: kind}:
		case <-ctx.Done():
		}
	})
	g.mu.Lock()
	g.timer = timer
	g.mu.Unlock()
}

func (g *Guard) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Guard) onLocked(ctx context.Context, msg wire.Message) {
	g.mu.Lock()
	g.stopTimerLocked()
	g.state = StateLocked
	if t, err := msg.GetTime("lock_timeout_date"); err == nil {
		g.lockTimeout = t
	}
	mode := g.mode
	g.mu.Unlock()

	for _, fn := range g.obtained {
		fn(g)
	}

	if mode == ModeSimple {
		_ = g.Unlock(ctx)
	}
}

func (g *Guard) onLockFailed(ctx context.Context, msg wire.Message) {
	reason := reasonFromWire(wire.LockFailedReason(msg.Get("error")))
	g.fail(ctx, reason, msg.Get("description"))
}

// onUnlocking is advisory only, spec §4.5: "the lock is about to be
// force-released." No state transition; the authoritative UNLOCKED (or
// a fresh LOCK_FAILED) follows.
func (g *Guard) onUnlocking(ctx context.Context, msg wire.Message) {
	g.client.logf(nil, "clientguard: lock force-release imminent")
}

func (g *Guard) onUnlocked(ctx context.Context, msg wire.Message) {
	g.mu.Lock()
	g.stopTimerLocked()
	tag := g.tag
	g.state = StateIdle
	g.mu.Unlock()

	g.client.unregister(tag)
	for _, fn := range g.finally {
		fn(g)
	}
}

// onAlive answers a leader-loss reassignment probe, spec §4.4: "the new
// owner first sends an ALIVE probe to the originating client and waits
// for an ABSOLUTELY reply." This guard's request is still wanted as long
// as it has not failed or completed, so the reply is unconditional given
// dispatch already matched the probe's tag to this guard.
func (g *Guard) onAlive(ctx context.Context, msg wire.Message) {
	reply := wire.NewMessage(wire.CmdAbsolutely, g.client.cfg.ServerName+"/"+g.client.cfg.ServiceName)
	reply = reply.Set("entering_key", msg.Get("entering_key"))
	_ = g.client.transport.Send(ctx, reply)
}

func (g *Guard) onObtentionTimeout(ctx context.Context) {
	g.mu.Lock()
	if g.state != StateLocking {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.fail(ctx, ReasonLocalTimeout, "")
}

// onUnlockReplyTimeout fires when the 5s UNLOCKED-reply timer of spec
// §4.5 elapses with no reply: best effort, the release is assumed to
// have reached the coordinator regardless (spec §7's "Unlock not
// quorum-protected" decision applies equally on the client side), so
// this still runs finally and returns the guard to IDLE rather than
// reporting a failure -- there is no further action the caller could
// usefully take on an UNLOCK that already went out.
func (g *Guard) onUnlockReplyTimeout(ctx context.Context) {
	g.mu.Lock()
	if g.state != StateUnlocking {
		g.mu.Unlock()
		return
	}
	tag := g.tag
	g.state = StateIdle
	g.mu.Unlock()

	g.client.unregister(tag)
	for _, fn := range g.finally {
		fn(g)
	}
}

// fanOutTransmissionFailure is the broad TRANSMISSION_REPORT fan-out of
// SPEC_FULL.md §E open question #1: every active guard fails, since the
// report carries no tag to narrow it to one.
func (g *Guard) fanOutTransmissionFailure(ctx context.Context) {
	g.fail(ctx, ReasonTransmissionError, "")
}

func (g *Guard) fail(ctx context.Context, reason Reason, description string) {
	g.mu.Lock()
	g.stopTimerLocked()
	tag := g.tag
	debugID := g.debugID
	g.state = StateFailed
	g.mu.Unlock()

	if g.client.log != nil {
		g.client.log.Info().Str("object_name", g.objectName).Str("reason", string(reason)).Str("guard_id", debugID).Log("clientguard: lock request failed")
	}

	g.client.unregister(tag)
	for _, fn := range g.failed {
		fn(g, reason, description)
	}
	for _, fn := range g.finally {
		fn(g)
	}

	g.mu.Lock()
	g.state = StateIdle
	g.mu.Unlock()
}

// reasonFromWire narrows the coordinator's LOCK_FAILED error vocabulary
// (spec §6.1: timedout/invalid/duplicate/failed/transmission_error) onto
// the client guard's own reason codes (spec §4.5), which have no
// separate slot for "duplicate" or the generic "failed" -- both land on
// Invalid, since both indicate the request itself was rejected rather
// than timing out or failing in transit.
func reasonFromWire(r wire.LockFailedReason) Reason {
	switch r {
	case wire.ReasonTimedOut:
		return ReasonRemoteTimeout
	case wire.ReasonTransmissionError:
		return ReasonTransmissionError
	case wire.ReasonInvalid, wire.ReasonDuplicate, wire.ReasonFailed:
		return ReasonInvalid
	default:
		return ReasonInvalid
	}
}
