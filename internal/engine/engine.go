package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/m2osw/cluckd/internal/elector"
	"github.com/m2osw/cluckd/internal/gateway"
	"github.com/m2osw/cluckd/internal/msgcache"
	"github.com/m2osw/cluckd/internal/readiness"
	"github.com/m2osw/cluckd/internal/registry"
	"github.com/m2osw/cluckd/internal/store"
	"github.com/m2osw/cluckd/internal/timerwheel"
	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

// Engine wires every other package in this module into the single
// dispatch loop of spec §5: one goroutine, one select over the bus's
// two channels plus a re-armed timer, with every ticket-state mutation
// reachable only from that goroutine.
type Engine struct {
	cfg *Config
	log *Logger
	bus transport.Bus

	Registry   *registry.Registry
	Elector    *elector.Elector
	Wheel      *timerwheel.Wheel
	Store      *store.Store
	Machine    *store.Machine
	Gateway    *gateway.Gateway
	Readiness  *readiness.Controller
	MsgCache   *msgcache.Cache

	self         wire.Node
	loopGo       loopGoroutine
	debugMode    bool
	busConnected bool
}

// notifier adapts Engine to store.Notifier, so Machine can reply to
// clients and report fatal errors without importing the engine package
// (which would be a cycle).
type notifier struct {
	e *Engine
}

func (n notifier) Reply(ctx context.Context, clientNode string, msg wire.Message) {
	if err := n.e.bus.Send(ctx, clientNode, msg); err != nil {
		n.e.log.Info().Str("peer", clientNode).Err(err).Log("engine: client reply send failed")
	}
}

func (n notifier) Fatal(err error) {
	n.e.log.Err().Err(err).Log("engine: fatal protocol error")
}

// New builds an Engine bound to bus, with self's identity and cluster
// defaults derived from opts.
func New(bus transport.Bus, log *Logger, startTime float64, opts ...Option) *Engine {
	cfg := newConfig(opts...)
	self := cfg.SelfNode(startTime, randomUint32())

	e := &Engine{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		Registry:  registry.New(),
		Elector:   elector.New(),
		Wheel:     timerwheel.New(),
		Store:     store.New(),
		Readiness: readiness.New(),
		MsgCache:  msgcache.New(),
		self:      self,
	}
	e.Registry.SetTotalNodes(cfg.TotalNodes)
	e.Registry.Upsert(self)

	e.Machine = &store.Machine{
		Store:   e.Store,
		Bus:     bus,
		Timer:   e.Wheel,
		Notify:  notifier{e: e},
		Self:    self,
		Peers:   e.peerNames,
		Batcher: store.NewTicketBatcher(bus, self.Name, e.peerNames, nil),
	}
	e.Gateway = gateway.New(bus, self.Name, e.leaderNames, nil)

	return e
}

// Close releases the ticket batcher's background flush, waiting for any
// in-flight batch to finish. Callers should invoke this after Run returns.
func (e *Engine) Close() error {
	return e.Machine.Batcher.Close()
}

// SetDebug toggles the per-dispatch single-goroutine assertion of spec
// §5. Leave off in production: goroutineid.Get() walks the runtime
// stack trace on every call.
func (e *Engine) SetDebug(on bool) { e.debugMode = on }

// peerNames returns every other currently elected leader's name, the
// function store.Machine.Peers calls on demand (leader sets change
// mid-protocol, spec §4.4).
func (e *Engine) peerNames() []string {
	set := e.Elector.Current()
	out := make([]string, 0, len(set.Leaders))
	for _, n := range set.Leaders {
		if n.Name != e.self.Name {
			out = append(out, n.Name)
		}
	}
	return out
}

// leaderNames is the Gateway's view of the current leader set: every
// elected leader, including self (round-robin load spreading applies
// equally to a leader forwarding to itself).
func (e *Engine) leaderNames() []string {
	set := e.Elector.Current()
	out := make([]string, 0, len(set.Leaders))
	for _, n := range set.Leaders {
		out = append(out, n.Name)
	}
	return out
}

// isLeader reports whether self is currently one of the elected
// leaders -- the branch point between driving the owner-side protocol
// directly and forwarding through the Gateway (spec §2).
func (e *Engine) isLeader() bool {
	return e.Elector.Current().Contains(e.self.Name)
}

func randomUint32() uint32 {
	id := uuid.New()
	b := id[:]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (e *Engine) now() time.Time { return time.Now() }
