package clientguard

import (
	"context"
	"strconv"
	"sync"

	"github.com/m2osw/cluckd/internal/wire"
)

// Client owns the Transport, the process-wide tag/serial Counters, and
// the registry of currently active Guards -- the client-side mirror of
// internal/engine.Engine, but driven by the narrower Transport interface
// above instead of the coordinator's full bus.
type Client struct {
	transport Transport
	log       *Logger
	cfg       *Config

	mu     sync.Mutex
	guards map[uint16]*Guard

	timerCh chan timerEvent
}

type timerKind int

const (
	timerObtention timerKind = iota
	timerUnlockReply
	// timerSendFailed routes a synchronous Transport.Send error back
	// through the dispatch loop, so even that failure path only ever
	// touches guard fields from the single Run goroutine (spec §5).
	timerSendFailed
)

type timerEvent struct {
	tag  uint16
	kind timerKind
	err  string
}

// New builds a Client bound to transport, with self's identity and
// timeout defaults derived from opts.
func New(transport Transport, log *Logger, opts ...Option) *Client {
	return &Client{
		transport: transport,
		log:       log,
		cfg:       newConfig(opts...),
		guards:    make(map[uint16]*Guard),
		timerCh:   make(chan timerEvent),
	}
}

// NewGuard creates one per-request guard bound to this Client, per spec
// §4.5: "creates one guard object with: object-name, an owning
// transport, and three callback sets."
func (c *Client) NewGuard(objectName string, mode Mode) *Guard {
	return &Guard{
		client:     c,
		objectName: objectName,
		mode:       mode,
		state:      StateIdle,
	}
}

func (c *Client) register(g *Guard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guards[g.tag] = g
}

func (c *Client) unregister(tag uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.guards, tag)
}

func (c *Client) lookup(tag uint16) (*Guard, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.guards[tag]
	return g, ok
}

// activeGuards snapshots every currently registered guard, for the
// TRANSMISSION_REPORT broad fan-out below.
func (c *Client) activeGuards() []*Guard {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Guard, 0, len(c.guards))
	for _, g := range c.guards {
		out = append(out, g)
	}
	return out
}

func (c *Client) logf(err error, msg string) {
	if c.log == nil {
		return
	}
	if err != nil {
		c.log.Info().Err(err).Log(msg)
		return
	}
	c.log.Debug().Log(msg)
}

// Run is the single dispatch loop of spec §5 on the client side: one
// goroutine serializes every inbound coordinator reply and every local
// guard timer fire, so "per-guard fields are touched only in the single
// dispatch thread" holds here exactly as it does in internal/engine.
// Returns when ctx is canceled or the transport's Inbound channel
// closes.
func (c *Client) Run(ctx context.Context) error {
	inbound := c.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.dispatch(ctx, msg)
		case ev := <-c.timerCh:
			c.handleTimer(ctx, ev)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, msg wire.Message) {
	if msg.Command == wire.CmdTransmissionReport {
		c.handleTransmissionReport(ctx, msg)
		return
	}

	tag, err := strconv.ParseUint(msg.Get("tag"), 10, 16)
	if err != nil {
		return
	}
	g, ok := c.lookup(uint16(tag))
	if !ok {
		return // stale reply for a guard that already finished, spec §4.5 scoped release
	}

	switch msg.Command {
	case wire.CmdLocked:
		g.onLocked(ctx, msg)
	case wire.CmdLockFailed:
		g.onLockFailed(ctx, msg)
	case wire.CmdUnlocking:
		g.onUnlocking(ctx, msg)
	case wire.CmdUnlocked:
		g.onUnlocked(ctx, msg)
	case wire.CmdAlive:
		g.onAlive(ctx, msg)
	}
}

// handleTransmissionReport implements SPEC_FULL.md §E's open-question #1
// decision: a failed delivery report is not keyed to any one tag, so it
// fails every guard currently waiting on a reply, not just one. Kept as
// the original behaves, flagged rather than silently narrowed.
func (c *Client) handleTransmissionReport(ctx context.Context, msg wire.Message) {
	if msg.Get("status") != "failed" {
		return
	}
	for _, g := range c.activeGuards() {
		g.fanOutTransmissionFailure(ctx)
	}
}

func (c *Client) handleTimer(ctx context.Context, ev timerEvent) {
	g, ok := c.lookup(ev.tag)
	if !ok {
		return
	}
	switch ev.kind {
	case timerObtention:
		g.onObtentionTimeout(ctx)
	case timerUnlockReply:
		g.onUnlockReplyTimeout(ctx)
	case timerSendFailed:
		g.fail(ctx, ReasonTransmissionError, ev.err)
	}
}
