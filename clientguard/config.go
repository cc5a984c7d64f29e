package clientguard

import (
	"sync"
	"time"
)

// Counters is the "client-side globals ... guarded by one mutex" of
// spec §5: the next-tag and next-serial allocators shared by every
// Guard a Client creates.
type Counters struct {
	mu         sync.Mutex
	nextTag    uint16
	nextSerial int32
}

// NextTag returns the next process-wide-unique 16-bit tag, skipping the
// 0 value, per spec §4.5 "Tag scope".
func (c *Counters) NextTag() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTag++
	if c.nextTag == 0 {
		c.nextTag = 1
	}
	return c.nextTag
}

// NextSerial returns the next monotonically increasing 32-bit serial for
// an outgoing LOCK, mirroring the coordinator's own allocator (spec
// §6.5's wire.NoSerial sentinel is -1, never produced here).
func (c *Counters) NextSerial() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSerial++
	if c.nextSerial < 0 {
		c.nextSerial = 1
	}
	return c.nextSerial
}

// Config holds this client's identity (as the coordinator's LOCK
// handling keys tickets by server_name+pid, spec §4.3/§4.4) and the
// process-wide default durations of spec §6.5.
type Config struct {
	ServerName  string // this process's bus-addressable node name
	ServiceName string // secondary qualifier, spec §6.2's "source" shape

	ObtentionDefault time.Duration
	LockDefault      time.Duration
	UnlockDefault    time.Duration

	Counters *Counters
}

// Option configures a Client, the same functional-options shape the
// coordinator's internal/engine.Option uses.
type Option func(*Config)

func WithIdentity(serverName, serviceName string) Option {
	return func(c *Config) {
		c.ServerName = serverName
		c.ServiceName = serviceName
	}
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
