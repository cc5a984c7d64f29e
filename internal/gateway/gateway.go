// Package gateway implements the client-facing entry point of spec §2:
// accept LOCK/UNLOCK from any node, proxy to an elected leader, and
// return LOCKED/UNLOCKED/LOCK_FAILED along the reverse path.
package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

// ErrNoLeaders is returned when a client request arrives with no elected
// leader to proxy to -- the readiness controller should already have
// blocked this case, but the gateway checks again defensively.
var ErrNoLeaders = errors.New("gateway: no leader available")

// Gateway is the per-node LOCK/UNLOCK proxy.
type Gateway struct {
	bus     transport.Bus
	self    string
	leaders func() []string

	rr uint64 // round-robin cursor, atomic

	// statusLimiter throttles repeated LOCK_STATUS probes from the same
	// client, and aliveLimiter backs AllowAliveRetry -- both are
	// best-effort local protections, not protocol-level quorum.
	statusLimiter *catrate.Limiter
	aliveLimiter  *catrate.Limiter
}

// Config tunes the two rate limiters. Zero values fall back to the
// defaults below.
type Config struct {
	StatusProbeLimit map[time.Duration]int
	AliveRetryLimit  map[time.Duration]int
}

func defaultConfig() Config {
	return Config{
		StatusProbeLimit: map[time.Duration]int{time.Second: 5, time.Minute: 60},
		AliveRetryLimit:  map[time.Duration]int{time.Second: 1, AliveTimeout: 3},
	}
}

// AliveTimeout mirrors store.AliveTimeout without importing internal/store,
// keeping the rate-limit window aligned with the probe's own deadline.
const AliveTimeout = 5 * time.Second

// New builds a Gateway that proxies through bus, addressed as self, to
// whichever leader leaders() currently names.
func New(bus transport.Bus, self string, leaders func() []string, cfg *Config) *Gateway {
	c := defaultConfig()
	if cfg != nil {
		if cfg.StatusProbeLimit != nil {
			c.StatusProbeLimit = cfg.StatusProbeLimit
		}
		if cfg.AliveRetryLimit != nil {
			c.AliveRetryLimit = cfg.AliveRetryLimit
		}
	}
	return &Gateway{
		bus:           bus,
		self:          self,
		leaders:       leaders,
		statusLimiter: catrate.NewLimiter(c.StatusProbeLimit),
		aliveLimiter:  catrate.NewLimiter(c.AliveRetryLimit),
	}
}

// nextLeader round-robins across the current leader set, spreading
// client load evenly rather than hammering leaders[0] for everything.
func (g *Gateway) nextLeader() (string, bool) {
	names := g.leaders()
	if len(names) == 0 {
		return "", false
	}
	idx := atomic.AddUint64(&g.rr, 1) - 1
	return names[idx%uint64(len(names))], true
}

// ForwardLock proxies a client LOCK request to an elected leader.
func (g *Gateway) ForwardLock(ctx context.Context, msg wire.Message) error {
	leader, ok := g.nextLeader()
	if !ok {
		return ErrNoLeaders
	}
	return g.bus.Send(ctx, leader, msg)
}

// ForwardUnlock proxies a client UNLOCK request to the next leader in
// the same round-robin as ForwardLock; the leader that owns the ticket
// is not picked out specifically.
func (g *Gateway) ForwardUnlock(ctx context.Context, msg wire.Message) error {
	leader, ok := g.nextLeader()
	if !ok {
		return ErrNoLeaders
	}
	return g.bus.Send(ctx, leader, msg)
}

// AllowStatusProbe reports whether a LOCK_STATUS probe from clientKey may
// proceed right now, throttling clients that poll too aggressively.
func (g *Gateway) AllowStatusProbe(clientKey string) (time.Time, bool) {
	return g.statusLimiter.Allow(clientKey)
}

// AllowAliveRetry reports whether another ALIVE probe may be sent for
// ticketKey under AliveRetryLimit. Nothing in this module calls it:
// synchronize_leaders sends a single ALIVE probe per orphaned ticket.
func (g *Gateway) AllowAliveRetry(ticketKey string) (time.Time, bool) {
	return g.aliveLimiter.Allow(ticketKey)
}
