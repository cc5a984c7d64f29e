package store

import (
	"context"
	"strings"
	"testing"

	"github.com/joeycumines/go-microbatch"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/cluckd/internal/wire"
)

func TestTicketBatcher_CoalescesSubmissionsIntoOneBroadcast(t *testing.T) {
	bus := &fakeBus{t: t, allow: true}
	tb := NewTicketBatcher(bus, "beta", func() []string { return []string{"gamma"} }, &microbatch.BatcherConfig{MaxSize: 2})
	defer tb.Close()

	done := make(chan error, 2)
	go func() { done <- tb.Submit(context.Background(), "ticket-a") }()
	go func() { done <- tb.Submit(context.Background(), "ticket-b") }()

	require.NoError(t, <-done)
	require.NoError(t, <-done)

	require.Len(t, bus.sent, 1)
	require.Equal(t, wire.CmdLockTickets, bus.sent[0].Command)
	lines := strings.Split(bus.sent[0].Get("tickets"), "\n")
	require.ElementsMatch(t, []string{"ticket-a", "ticket-b"}, lines)
}
