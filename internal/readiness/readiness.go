// Package readiness implements the readiness controller of spec §4.1: the
// single boolean broadcast to local clients as LOCK_READY / NO_LOCK, and
// the LOCK_STATUS probe surface clients and the status CLI (§6.6) use to
// read it.
package readiness

import (
	"context"
	"sync"

	"github.com/joeycumines/go-longpoll"
)

// Inputs is the snapshot of state the readiness formula (spec §4.1) is
// computed from.
type Inputs struct {
	BusConnected    bool
	LeaderCount     int
	TotalNodes      int
	KnownNodes      int
	AllLeadersAlive bool
}

// Compute evaluates the spec §4.1 readiness formula:
//
//   - the bus connection is established
//   - leaders.len() >= 1
//   - if total_nodes < 3: known_nodes == total_nodes (CLUSTER_COMPLETE)
//   - if total_nodes >= 3: known_nodes >= floor(total_nodes/2)+1 (QUORUM)
//     and leaders.len() >= 2
//   - every leader has connected == true
func Compute(in Inputs) bool {
	if !in.BusConnected {
		return false
	}
	if in.LeaderCount < 1 {
		return false
	}
	if !in.AllLeadersAlive {
		return false
	}
	if in.TotalNodes < 3 {
		return in.KnownNodes == in.TotalNodes
	}
	quorum := in.TotalNodes/2 + 1
	return in.KnownNodes >= quorum && in.LeaderCount >= 2
}

// Controller holds the current readiness boolean and broadcasts each
// transition (edge-triggered, idempotent on repeats, per spec §4.1) to any
// number of subscribers.
type Controller struct {
	mu   sync.Mutex
	cur  bool
	set  bool // whether cur has been assigned at least once
	subs map[chan bool]struct{}
}

func New() *Controller {
	return &Controller{subs: make(map[chan bool]struct{})}
}

// Update recomputes readiness from in and returns (value, changed). On a
// change, every subscriber receives the new value.
func (c *Controller) Update(in Inputs) (value bool, changed bool) {
	next := Compute(in)

	c.mu.Lock()
	changed = !c.set || next != c.cur
	c.cur = next
	c.set = true
	subs := make([]chan bool, 0, len(c.subs))
	if changed {
		for ch := range c.subs {
			subs = append(subs, ch)
		}
	}
	c.mu.Unlock()

	if changed {
		for _, ch := range subs {
			select {
			case ch <- next:
			default:
				// a slow subscriber's buffer still holds an older value:
				// replace it, so the subscriber only ever misses
				// intermediate transitions, never the latest one.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- next:
				default:
				}
			}
		}
	}
	return next, changed
}

// Current returns the last computed value (false until the first Update).
func (c *Controller) Current() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Subscribe registers a new channel of future transitions. Callers must
// call the returned cancel function when done.
func (c *Controller) Subscribe() (ch <-chan bool, cancel func()) {
	out := make(chan bool, 1)
	c.mu.Lock()
	c.subs[out] = struct{}{}
	c.mu.Unlock()
	return out, func() {
		c.mu.Lock()
		delete(c.subs, out)
		c.mu.Unlock()
	}
}

// WaitForReady blocks until the controller is (or becomes) ready, or ctx
// is canceled, built on the teacher's longpoll.Channel for the actual
// wait. The engine does not call it: it drains the message cache from its
// own readiness recomputation.
func (c *Controller) WaitForReady(ctx context.Context) error {
	if c.Current() {
		return nil
	}

	sub, cancel := c.Subscribe()
	defer cancel()

	cfg := &longpoll.ChannelConfig{MaxSize: 1, MinSize: 1}
	for {
		var ready bool
		err := longpoll.Channel(ctx, cfg, sub, func(v bool) error {
			ready = v
			return nil
		})
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
}
