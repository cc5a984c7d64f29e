// Package registry implements the node registry of spec §4.1: the set of
// currently known peer coordinators. The engine upserts an entry on
// LOCK_STARTED (and its own at startup); election results add no
// entries. When a peer drops off the bus the engine marks it with
// SetConnected(false) and does not remove it, so Count still includes
// it; Remove is available but the engine does not call it.
package registry

import (
	"sync"

	"github.com/m2osw/cluckd/internal/wire"
)

// Registry tracks every coordinator node this daemon currently knows
// about, keyed by name (spec §3: "name uniqueness is an invariant
// enforced upstream").
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]wire.Node

	// totalNodes is the configured cluster size, used by the readiness
	// controller's quorum arithmetic (spec §4.1). It is set once via
	// SetTotalNodes, not derived from len(nodes), since the cluster may
	// be partially formed.
	totalNodes int
}

func New() *Registry {
	return &Registry{nodes: make(map[string]wire.Node)}
}

// Upsert adds or updates a node entry, e.g. on LOCK_STARTED or an
// election-result message (spec §4.1). It returns true if this is a new
// entry (the caller uses this to decide whether to re-announce the
// current leader set, per SPEC_FULL.md §C.2).
func (r *Registry) Upsert(n wire.Node) (isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.nodes[n.Name]
	r.nodes[n.Name] = n
	return !existed
}

// Remove deletes a node entry, e.g. on disconnect/hangup from the bus.
func (r *Registry) Remove(name string) (removed wire.Node, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	if ok {
		delete(r.nodes, name)
	}
	return n, ok
}

// SetConnected updates the connection bit of a known node without
// otherwise altering it.
func (r *Registry) SetConnected(name string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[name]; ok {
		n.Connected = connected
		r.nodes[name] = n
	}
}

func (r *Registry) Get(name string) (wire.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// List returns a snapshot of every known node.
func (r *Registry) List() []wire.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Registry) SetTotalNodes(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalNodes = n
}

func (r *Registry) TotalNodes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalNodes
}
