package engine

import (
	"net/netip"
	"sync"
	"time"

	"github.com/m2osw/cluckd/internal/wire"
)

// Timeout bounds and defaults, spec §6.5.
const (
	DefaultObtentionTimeout = 5 * time.Second
	MinObtentionTimeout     = 3 * time.Second
	MaxObtentionTimeout     = time.Hour

	DefaultLockDuration = 5 * time.Second
	MinLockDuration     = 3 * time.Second
	MaxLockDuration     = 7 * 24 * time.Hour

	DefaultUnlockDuration = 5 * time.Second
	MinUnlockDuration     = 60 * time.Second
	MaxUnlockDuration     = 7 * 24 * time.Hour
)

// Counters wraps the process-wide next-tag/next-serial allocators behind
// a narrow API and its own mutex, per the §9 design note ("process-wide
// configuration object initialized once, narrow API, own mutex" --
// never package-level vars).
type Counters struct {
	mu         sync.Mutex
	nextSerial int32
}

// NextSerial returns the next monotonically increasing serial for an
// outgoing LOCK request, skipping the NoSerial sentinel.
func (c *Counters) NextSerial() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSerial++
	if c.nextSerial < 0 {
		c.nextSerial = 1
	}
	return c.nextSerial
}

// Config holds the process-wide defaults of spec §6.5 plus the cluster
// parameters needed to build this node's own wire.Node identity. It is
// populated exclusively through functional options, never a struct
// literal with exported fields the caller mutates directly (the
// Option[E] func(*config) pattern logiface.Option also uses).
type Config struct {
	SelfName     string
	SelfIP       netip.Addr
	SelfPID      int
	SelfPriority uint8
	TotalNodes   int

	ObtentionDefault time.Duration
	LockDefault      time.Duration
	UnlockDefault    time.Duration

	Counters *Counters
}

// Option configures a Config, per SPEC_FULL.md §A.3.
type Option func(*Config)

func WithSelf(name string, ip netip.Addr, pid int, priority uint8) Option {
	return func(c *Config) {
		c.SelfName = name
		c.SelfIP = ip
		c.SelfPID = pid
		c.SelfPriority = priority
	}
}

func WithTotalNodes(n int) Option {
	return func(c *Config) { c.TotalNodes = n }
}

func WithObtentionDefault(d time.Duration) Option {
	return func(c *Config) { c.ObtentionDefault = d }
}

func WithLockDefault(d time.Duration) Option {
	return func(c *Config) { c.LockDefault = d }
}

func WithUnlockDefault(d time.Duration) Option {
	return func(c *Config) { c.UnlockDefault = d }
}

func newConfig(opts ...Option) *Config {
	c := &Config{
		ObtentionDefault: DefaultObtentionTimeout,
		LockDefault:      DefaultLockDuration,
		UnlockDefault:    DefaultUnlockDuration,
		Counters:         &Counters{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SelfNode renders the configured identity as a wire.Node, with
// StartTime left to the caller (it is process-start-time, not config).
func (c *Config) SelfNode(startTime float64, random uint32) wire.Node {
	return wire.Node{
		Priority:  c.SelfPriority,
		Random:    random,
		IP:        c.SelfIP,
		PID:       c.SelfPID,
		Name:      c.SelfName,
		StartTime: startTime,
		Connected: true,
		Self:      true,
	}
}

// clampDuration resolves a requested duration against def/min/max, per
// spec §6.5: zero or negative selects the default; otherwise it is
// clamped into [min, max].
func clampDuration(requested, def, min, max time.Duration) time.Duration {
	if requested <= 0 {
		return def
	}
	if requested < min {
		return min
	}
	if requested > max {
		return max
	}
	return requested
}
