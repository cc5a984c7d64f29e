package registry

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/m2osw/cluckd/internal/wire"
)

func node(name string) wire.Node {
	return wire.Node{Priority: 14, Random: 1, IP: netip.MustParseAddr("10.0.0.1"), PID: 1, Name: name, Connected: true}
}

func TestRegistry_UpsertReportsNewEntries(t *testing.T) {
	r := New()

	require.True(t, r.Upsert(node("a")))
	require.False(t, r.Upsert(node("a")))
	require.Equal(t, 1, r.Count())
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	r := New()
	_, ok := r.Remove("ghost")
	require.False(t, ok)
}

func TestRegistry_SetConnected(t *testing.T) {
	r := New()
	r.Upsert(node("a"))
	r.SetConnected("a", false)

	n, ok := r.Get("a")
	require.True(t, ok)
	require.False(t, n.Connected)
}

func TestRegistry_TotalNodes(t *testing.T) {
	r := New()
	r.SetTotalNodes(5)
	require.Equal(t, 5, r.TotalNodes())
}
