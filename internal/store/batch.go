package store

import (
	"context"
	"strings"

	"github.com/joeycumines/go-microbatch"

	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

// TicketBatcher coalesces LOCK_TICKETS resync broadcasts raised in quick
// succession during synchronize_leaders (spec §4.4: several tickets can
// migrate to the new leaders[0] in the same reassignment pass) into as
// few wire messages as practical, rather than one LOCK_TICKETS per
// migrated ticket.
type TicketBatcher struct {
	batcher *microbatch.Batcher[string]
}

// NewTicketBatcher starts a batcher that flushes onto bus addressed to
// whatever peers() returns at flush time, from self. A nil config uses
// microbatch's defaults (16 jobs or 50ms, whichever comes first).
func NewTicketBatcher(bus transport.Bus, self string, peers func() []string, cfg *microbatch.BatcherConfig) *TicketBatcher {
	tb := &TicketBatcher{}
	tb.batcher = microbatch.NewBatcher(cfg, func(ctx context.Context, lines []string) error {
		targets := peers()
		if len(targets) == 0 || len(lines) == 0 {
			return nil
		}
		msg := wire.NewMessage(wire.CmdLockTickets, self+"/cluckd")
		msg = msg.Set("tickets", strings.Join(lines, "\n"))
		return broadcastToPeers(ctx, bus, targets, msg)
	})
	return tb
}

// Submit enqueues one serialized ticket (wire.Ticket.Serialize) for the
// next LOCK_TICKETS flush, blocking until that batch has been sent.
func (tb *TicketBatcher) Submit(ctx context.Context, serializedTicket string) error {
	result, err := tb.batcher.Submit(ctx, serializedTicket)
	if err != nil {
		return err
	}
	return result.Wait(ctx)
}

// Close stops the batcher, waiting for any in-flight batch to finish.
func (tb *TicketBatcher) Close() error {
	return tb.batcher.Close()
}
