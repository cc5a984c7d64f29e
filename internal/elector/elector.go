// Package elector implements leader election (spec §4.2): deterministic
// ranking of candidate nodes, announcement of the chosen set, and
// reassignment on leader loss.
package elector

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/m2osw/cluckd/internal/wire"
)

// MaxLeaders is the fixed leader-set size the spec nominates (§1, §3).
const MaxLeaders = 3

// ErrTooManyOffPriorityNodes is the configuration error of spec §7: more
// nodes marked never-leader (priority 15) than the cluster can afford.
var ErrTooManyOffPriorityNodes = errors.New("elector: fewer than 3 candidate nodes in a cluster of 3 or more")

// LeaderSet is the ordered list of 1..3 Nodes described in spec §3.
type LeaderSet struct {
	Leaders      []wire.Node
	ElectionDate float64
}

// Len, IsComplete, Contains, IndexOf are the small queries every other
// component needs over a leader set.
func (s LeaderSet) Len() int { return len(s.Leaders) }

func (s LeaderSet) IsComplete() bool { return len(s.Leaders) == MaxLeaders }

func (s LeaderSet) Contains(name string) bool {
	return s.IndexOf(name) >= 0
}

func (s LeaderSet) IndexOf(name string) int {
	for i, n := range s.Leaders {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// First returns leaders[0], the node responsible for re-homing orphaned
// tickets on leader loss (spec §4.4 synchronize_leaders). The second
// return value is false for an empty set.
func (s LeaderSet) First() (wire.Node, bool) {
	if len(s.Leaders) == 0 {
		return wire.Node{}, false
	}
	return s.Leaders[0], true
}

// rankCandidates builds the sort key described in spec §4.2 for every
// node eligible to lead (priority != PriorityOff) and returns them in
// ascending order: existing leaders are ranked first (their priority
// prefix overridden to "00"), then by (priority, random, ip, pid, name).
func rankCandidates(nodes []wire.Node, current LeaderSet) []wire.Node {
	candidates := make([]wire.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Priority == wire.PriorityOff {
			continue
		}
		candidates = append(candidates, n)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ki := candidates[i].RankKey(current.Contains(candidates[i].Name))
		kj := candidates[j].RankKey(current.Contains(candidates[j].Name))
		return ki < kj
	})

	return candidates
}

// Elect runs the ranking algorithm of spec §4.2 over every known node and
// returns the new leader set. totalNodes is the configured cluster size
// (which may exceed len(nodes) if not every node has connected yet).
//
// If fewer than 3 candidates are available AND the cluster itself has
// fewer than 3 total nodes, the (possibly 1- or 2-node) election is
// accepted. Otherwise too many nodes are marked never-leader for the
// cluster size, and ErrTooManyOffPriorityNodes is returned (a fatal
// configuration error, spec §7).
func Elect(nodes []wire.Node, current LeaderSet, totalNodes int) (LeaderSet, error) {
	candidates := rankCandidates(nodes, current)

	if len(candidates) < MaxLeaders && totalNodes >= MaxLeaders {
		return LeaderSet{}, fmt.Errorf("%w: %d candidates, %d total nodes", ErrTooManyOffPriorityNodes, len(candidates), totalNodes)
	}

	n := MaxLeaders
	if len(candidates) < n {
		n = len(candidates)
	}

	return LeaderSet{Leaders: append([]wire.Node(nil), candidates[:n]...)}, nil
}

// IsElectionOwner reports whether self is the node responsible for
// *running* an election (spec §4.2: "acts only on the node with the
// smallest IP address"). All other nodes receive LOCK_LEADERS and adopt
// the result rather than computing it themselves.
func IsElectionOwner(self wire.Node, known []wire.Node) bool {
	for _, n := range known {
		if n.Name == self.Name {
			continue
		}
		if n.IP.Compare(self.IP) <= 0 {
			return false
		}
	}
	return true
}

// Elector owns the current leader set and serializes election runs.
type Elector struct {
	mu      sync.RWMutex
	current LeaderSet

	group singleflight.Group
}

func New() *Elector {
	return &Elector{}
}

func (e *Elector) Current() LeaderSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// ShouldRun reports the preconditions of spec §4.2: an election is only
// worth running if the current leader set isn't already a valid,
// complete set of 3.
func (e *Elector) ShouldRun() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.current.IsComplete()
}

// RunElection performs one election attempt, collapsing concurrent
// callers (e.g. several "a node just joined" triggers arriving back to
// back) into a single underlying computation via singleflight
// (golang.org/x/sync).
func (e *Elector) RunElection(nodes []wire.Node, totalNodes int) (LeaderSet, error) {
	v, err, _ := e.group.Do("election", func() (any, error) {
		e.mu.RLock()
		current := e.current
		e.mu.RUnlock()

		next, err := Elect(nodes, current, totalNodes)
		if err != nil {
			return LeaderSet{}, err
		}

		e.mu.Lock()
		e.current = next
		e.mu.Unlock()

		return next, nil
	})
	if err != nil {
		return LeaderSet{}, err
	}
	return v.(LeaderSet), nil
}

// AdoptLeaders installs a leader set announced by the election owner
// (spec §4.2 "Announcement": every other node clears and rebuilds its
// leader set on receipt of LOCK_LEADERS).
func (e *Elector) AdoptLeaders(set LeaderSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = set
}

// LoseLeader removes a leader that has disappeared (spec §4.2 "Loss of a
// leader") and reports whether the set is now incomplete and needs a new
// election.
func (e *Elector) LoseLeader(name string) (needsElection bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.current.IndexOf(name)
	if idx < 0 {
		return !e.current.IsComplete()
	}
	leaders := append([]wire.Node(nil), e.current.Leaders[:idx]...)
	leaders = append(leaders, e.current.Leaders[idx+1:]...)
	e.current = LeaderSet{Leaders: leaders, ElectionDate: e.current.ElectionDate}
	return true
}
