package readiness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompute_ClusterCompleteBelowThree(t *testing.T) {
	cases := []struct {
		name string
		in   Inputs
		want bool
	}{
		{"below three, incomplete", Inputs{BusConnected: true, LeaderCount: 1, TotalNodes: 2, KnownNodes: 1, AllLeadersAlive: true}, false},
		{"below three, complete", Inputs{BusConnected: true, LeaderCount: 1, TotalNodes: 2, KnownNodes: 2, AllLeadersAlive: true}, true},
		{"no bus", Inputs{BusConnected: false, LeaderCount: 1, TotalNodes: 1, KnownNodes: 1, AllLeadersAlive: true}, false},
		{"no leaders", Inputs{BusConnected: true, LeaderCount: 0, TotalNodes: 1, KnownNodes: 1, AllLeadersAlive: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Compute(tc.in))
		})
	}
}

func TestCompute_QuorumAtOrAboveThree(t *testing.T) {
	cases := []struct {
		name string
		in   Inputs
		want bool
	}{
		{"5 nodes, quorum 3, only 2 known", Inputs{BusConnected: true, LeaderCount: 2, TotalNodes: 5, KnownNodes: 2, AllLeadersAlive: true}, false},
		{"5 nodes, quorum met, only 1 leader", Inputs{BusConnected: true, LeaderCount: 1, TotalNodes: 5, KnownNodes: 3, AllLeadersAlive: true}, false},
		{"5 nodes, quorum met, 2 leaders", Inputs{BusConnected: true, LeaderCount: 2, TotalNodes: 5, KnownNodes: 3, AllLeadersAlive: true}, true},
		{"3 nodes, quorum is 2", Inputs{BusConnected: true, LeaderCount: 2, TotalNodes: 3, KnownNodes: 2, AllLeadersAlive: true}, true},
		{"leader not connected", Inputs{BusConnected: true, LeaderCount: 2, TotalNodes: 3, KnownNodes: 3, AllLeadersAlive: false}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Compute(tc.in))
		})
	}
}

func TestController_UpdateIsEdgeTriggeredAndIdempotent(t *testing.T) {
	c := New()

	_, changed := c.Update(Inputs{})
	require.True(t, changed, "first Update always reports a change from the unset state")

	_, changed = c.Update(Inputs{})
	require.False(t, changed, "repeating the same value must not re-trigger")

	value, changed := c.Update(Inputs{BusConnected: true, LeaderCount: 1, TotalNodes: 1, KnownNodes: 1, AllLeadersAlive: true})
	require.True(t, changed)
	require.True(t, value)
}

func TestController_SubscribeReceivesTransitions(t *testing.T) {
	c := New()
	sub, cancel := c.Subscribe()
	defer cancel()

	c.Update(Inputs{BusConnected: true, LeaderCount: 1, TotalNodes: 1, KnownNodes: 1, AllLeadersAlive: true})

	select {
	case v := <-sub:
		require.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for readiness transition")
	}
}

func TestController_WaitForReady(t *testing.T) {
	c := New()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- c.WaitForReady(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Update(Inputs{BusConnected: true, LeaderCount: 1, TotalNodes: 1, KnownNodes: 1, AllLeadersAlive: true})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForReady did not return")
	}
}

func TestController_WaitForReady_AlreadyReady(t *testing.T) {
	c := New()
	c.Update(Inputs{BusConnected: true, LeaderCount: 1, TotalNodes: 1, KnownNodes: 1, AllLeadersAlive: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitForReady(ctx))
}
