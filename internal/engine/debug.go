package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DebugDump renders a human-readable snapshot of leader-set and
// ticket-store state, a narrow version of the original's debug_info.cpp
// dump (SPEC_FULL.md §C.3). No command, message handler or test in this
// module calls it.
func (e *Engine) DebugDump() string {
	var b strings.Builder

	fmt.Fprintf(&b, "self: %s (leader=%t)\n", e.self.Name, e.isLeader())
	fmt.Fprintf(&b, "ready: %t\n", e.Readiness.Current())

	set := e.Elector.Current()
	fmt.Fprintf(&b, "leaders (%d):\n", set.Len())
	for _, n := range set.Leaders {
		fmt.Fprintf(&b, "  %s\n", n.ID())
	}

	nodes := e.Registry.List()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	fmt.Fprintf(&b, "known nodes (%d/%d):\n", len(nodes), e.Registry.TotalNodes())
	for _, n := range nodes {
		fmt.Fprintf(&b, "  %s connected=%t\n", n.Name, n.Connected)
	}

	e.Store.Lock()
	tickets := e.Store.AllTickets()
	entering := e.Store.AllEntering()
	e.Store.Unlock()

	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Ticket.TicketKey < tickets[j].Ticket.TicketKey })
	fmt.Fprintf(&b, "tickets (%d):\n", len(tickets))
	for _, t := range tickets {
		fmt.Fprintf(&b, "  %s owner=%s state=%s\n", t.Ticket.TicketKey, t.Ticket.Owner, t.State)
	}

	sort.Slice(entering, func(i, j int) bool { return entering[i].Ticket.EnteringKey < entering[j].Ticket.EnteringKey })
	fmt.Fprintf(&b, "entering (%d):\n", len(entering))
	for _, t := range entering {
		fmt.Fprintf(&b, "  %s owner=%s\n", t.Ticket.EnteringKey, t.Ticket.Owner)
	}

	fmt.Fprintf(&b, "buffered lock requests: %d\n", e.MsgCache.Len())
	fmt.Fprintf(&b, "scheduled timeouts: %d\n", e.Wheel.Len())

	return b.String()
}
