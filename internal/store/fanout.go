package store

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

// broadcastToPeers sends msg to each of peers concurrently and waits for
// every send to complete, returning the first error encountered (if any).
// Bus.Broadcast reaches every currently connected peer, which is too
// broad for the Bakery protocol's "send to each other leader" steps (a
// follower that isn't a leader must not see LOCK_ENTERING/ADD_TICKET/etc),
// so replication targets a named subset instead. Fan-out is worth doing
// concurrently since each Send can block briefly on its peer's own
// backpressure (internal/transport's peer.send channel).
func broadcastToPeers(ctx context.Context, bus transport.Bus, peers []string, msg wire.Message) error {
	if len(peers) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			return bus.Send(ctx, p, msg)
		})
	}
	return g.Wait()
}
