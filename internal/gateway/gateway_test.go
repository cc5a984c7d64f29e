package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

type recordingBus struct {
	sent []string
}

func (b *recordingBus) Send(ctx context.Context, peer string, msg wire.Message) error {
	b.sent = append(b.sent, peer)
	return nil
}
func (b *recordingBus) Broadcast(ctx context.Context, msg wire.Message) error { return nil }
func (b *recordingBus) Events() <-chan transport.Event                       { return nil }
func (b *recordingBus) Inbound() <-chan transport.InboundMessage            { return nil }
func (b *recordingBus) Close() error                                        { return nil }

func TestGateway_ForwardLockRoundRobinsAcrossLeaders(t *testing.T) {
	bus := &recordingBus{}
	g := New(bus, "local", func() []string { return []string{"alpha", "beta", "gamma"} }, nil)

	for i := 0; i < 6; i++ {
		require.NoError(t, g.ForwardLock(context.Background(), wire.NewMessage(wire.CmdLock, "local/cluckd")))
	}

	require.Equal(t, []string{"alpha", "beta", "gamma", "alpha", "beta", "gamma"}, bus.sent)
}

func TestGateway_ForwardLockFailsWithNoLeaders(t *testing.T) {
	bus := &recordingBus{}
	g := New(bus, "local", func() []string { return nil }, nil)

	err := g.ForwardLock(context.Background(), wire.NewMessage(wire.CmdLock, "local/cluckd"))
	require.ErrorIs(t, err, ErrNoLeaders)
}

func TestGateway_StatusProbeRateLimited(t *testing.T) {
	bus := &recordingBus{}
	cfg := &Config{StatusProbeLimit: map[time.Duration]int{time.Minute: 1}}
	g := New(bus, "local", func() []string { return []string{"alpha"} }, cfg)

	_, ok := g.AllowStatusProbe("client-1")
	require.True(t, ok)
	_, ok = g.AllowStatusProbe("client-1")
	require.False(t, ok)

	// A different client key has its own independent budget.
	_, ok = g.AllowStatusProbe("client-2")
	require.True(t, ok)
}
