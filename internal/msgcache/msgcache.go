// Package msgcache implements the message cache of spec §4.7: when the
// engine is not ready but a LOCK arrives, it is buffered here with its
// obtention deadline until the timer wheel expires it or the readiness
// controller drains it on the LOCK_READY transition.
package msgcache

import (
	"container/list"
	"time"

	"github.com/m2osw/cluckd/internal/wire"
)

// Entry is one buffered LOCK request.
type Entry struct {
	ID               string
	Message          wire.Message
	ObtentionDeadline time.Time
}

// Cache is a FIFO buffer of pending LOCK requests, backed by
// container/list for O(1) push/remove -- the shape spec §4.7 calls for
// is strictly "arrival order in, arrival order out, with early removal
// on expiry or drain", which a doubly linked list gives directly without
// the batching/flush-trigger machinery the teacher's microbatch package
// is built around (see DESIGN.md).
type Cache struct {
	l        *list.List
	elements map[string]*list.Element
}

func New() *Cache {
	return &Cache{l: list.New(), elements: make(map[string]*list.Element)}
}

// Push appends a new cached request.
func (c *Cache) Push(e Entry) {
	el := c.l.PushBack(e)
	c.elements[e.ID] = el
}

// Remove discards a cached request by ID, e.g. once it has been replayed
// or has expired. Returns false if id was not present.
func (c *Cache) Remove(id string) bool {
	el, ok := c.elements[id]
	if !ok {
		return false
	}
	c.l.Remove(el)
	delete(c.elements, id)
	return true
}

// Drain removes and returns every cached request, in arrival order, for
// replay through the normal LOCK path once the engine becomes ready
// (spec §4.7).
func (c *Cache) Drain() []Entry {
	out := make([]Entry, 0, c.l.Len())
	for el := c.l.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Entry))
	}
	c.l.Init()
	c.elements = make(map[string]*list.Element)
	return out
}

// ExpireBefore removes and returns every cached request whose obtention
// deadline is <= now, for the timer wheel to fail with LOCK_FAILED
// (reason "timedout").
func (c *Cache) ExpireBefore(now time.Time) []Entry {
	var out []Entry
	var next *list.Element
	for el := c.l.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(Entry)
		if !e.ObtentionDeadline.After(now) {
			out = append(out, e)
			c.l.Remove(el)
			delete(c.elements, e.ID)
		}
	}
	return out
}

func (c *Cache) Len() int { return c.l.Len() }
