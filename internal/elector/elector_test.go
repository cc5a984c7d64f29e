package elector

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/m2osw/cluckd/internal/wire"
)

func n(name string, priority uint8, ip string) wire.Node {
	return wire.Node{Priority: priority, Random: 1, IP: netip.MustParseAddr(ip), PID: 1, Name: name}
}

func TestElect_PicksThreeLowestRanked(t *testing.T) {
	nodes := []wire.Node{
		n("e", 14, "10.0.0.5"),
		n("a", 1, "10.0.0.1"),
		n("b", 2, "10.0.0.2"),
		n("c", 3, "10.0.0.3"),
		n("d", 14, "10.0.0.4"),
	}

	set, err := Elect(nodes, LeaderSet{}, 5)
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())
	require.Equal(t, []string{"a", "b", "c"}, names(set))
}

func TestElect_OffPriorityNeverElected(t *testing.T) {
	nodes := []wire.Node{
		n("a", wire.PriorityOff, "10.0.0.1"),
		n("b", 1, "10.0.0.2"),
	}
	set, err := Elect(nodes, LeaderSet{}, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, names(set))
}

func TestElect_TooManyOffPriorityNodesIsFatal(t *testing.T) {
	nodes := []wire.Node{
		n("a", wire.PriorityOff, "10.0.0.1"),
		n("b", wire.PriorityOff, "10.0.0.2"),
		n("c", 1, "10.0.0.3"),
	}
	_, err := Elect(nodes, LeaderSet{}, 3)
	require.ErrorIs(t, err, ErrTooManyOffPriorityNodes)
}

func TestElect_SmallClusterBelowThreeIsAccepted(t *testing.T) {
	nodes := []wire.Node{
		n("a", wire.PriorityOff, "10.0.0.1"),
		n("b", 1, "10.0.0.2"),
	}
	// total nodes < 3, so even though only one candidate remains, the
	// election is accepted rather than treated as a fatal config error.
	set, err := Elect(nodes, LeaderSet{}, 2)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
}

func TestElect_ExistingLeadersAreSticky(t *testing.T) {
	nodes := []wire.Node{
		n("a", 14, "10.0.0.1"),
		n("b", 1, "10.0.0.2"),
		n("c", 1, "10.0.0.3"),
		n("d", 1, "10.0.0.4"),
	}
	current := LeaderSet{Leaders: []wire.Node{n("a", 14, "10.0.0.1")}}

	set, err := Elect(nodes, current, 4)
	require.NoError(t, err)
	// "a" has the worst raw priority but is a sitting leader, so its
	// rank key is overridden to "00" and it must still be chosen first.
	require.Contains(t, names(set), "a")
	require.Equal(t, "a", names(set)[0])
}

func TestIsElectionOwner_SmallestIPActs(t *testing.T) {
	self := n("self", 1, "10.0.0.1")
	others := []wire.Node{n("x", 1, "10.0.0.5"), n("y", 1, "10.0.0.9")}
	require.True(t, IsElectionOwner(self, others))

	self2 := n("self", 1, "10.0.0.9")
	require.False(t, IsElectionOwner(self2, others))
}

func TestElector_LoseLeaderTriggersReElection(t *testing.T) {
	e := New()
	e.AdoptLeaders(LeaderSet{Leaders: []wire.Node{n("a", 0, "10.0.0.1"), n("b", 0, "10.0.0.2"), n("c", 0, "10.0.0.3")}})

	require.False(t, e.ShouldRun())

	needsElection := e.LoseLeader("b")
	require.True(t, needsElection)
	require.Equal(t, 2, e.Current().Len())
	require.True(t, e.ShouldRun())
}

func TestElector_RunElectionDeduplicatesConcurrentCalls(t *testing.T) {
	e := New()
	nodes := []wire.Node{n("a", 1, "10.0.0.1")}

	set, err := e.RunElection(nodes, 1)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	require.Equal(t, set, e.Current())
}

func names(s LeaderSet) []string {
	out := make([]string, len(s.Leaders))
	for i, n := range s.Leaders {
		out[i] = n.Name
	}
	return out
}
