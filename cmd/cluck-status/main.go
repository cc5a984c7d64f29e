// Command cluck-status is the read-only diagnostic tool of spec §6.6:
// it issues either LIST_TICKETS (expects a TICKET_LIST reply carrying a
// printable string) or LOCK_STATUS (expects LOCK_READY or NO_LOCK), and
// prints the result to stdout. Nothing else.
//
// Because internal/transport is a full-mesh bus -- a coordinator only
// ever replies by dialing a peer it already knows the address of, spec
// §5's per-peer ordering guarantee -- this tool must itself be reachable
// under the same name/address the target cluckd was given via its own
// -peers flag. Run it with -listen/-name matching one of that cluckd's
// configured peers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/m2osw/cluckd/internal/transport"
	"github.com/m2osw/cluckd/internal/wire"
)

func main() {
	var (
		listen      = flag.String("listen", ":9322", "address this tool accepts the reply connection on")
		name        = flag.String("name", "cluck-status", "this tool's peer name, as configured in the target's -peers")
		connect     = flag.String("connect", "", "name=host:port of the cluckd node to query (required)")
		objectName  = flag.String("object", "", "object name to report on (LIST_TICKETS mode only, optional filter label)")
		listTickets = flag.Bool("tickets", false, "issue LIST_TICKETS instead of the default LOCK_STATUS probe")
		timeout     = flag.Duration("timeout", 5*time.Second, "how long to wait for a reply")
	)
	flag.Parse()

	if *connect == "" {
		fmt.Fprintln(os.Stderr, "cluck-status: -connect is required")
		os.Exit(2)
	}
	targetName, targetAddr, ok := strings.Cut(*connect, "=")
	if !ok {
		fmt.Fprintf(os.Stderr, "cluck-status: malformed -connect %q, want name=host:port\n", *connect)
		os.Exit(2)
	}

	bus, err := transport.NewServer(*listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cluck-status: listen on %s: %v\n", *listen, err)
		os.Exit(1)
	}
	defer bus.Close()
	bus.AddPeer(targetName, targetAddr)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var req wire.Message
	if *listTickets {
		req = wire.NewMessage(wire.CmdListTickets, *name+"/cluck-status")
		req = req.Set("object_name", *objectName)
	} else {
		req = wire.NewMessage(wire.CmdLockStatus, *name+"/cluck-status")
		req = req.Set("server_name", *name).Set("service_name", "cluck-status")
	}

	if err := bus.Send(ctx, targetName, req); err != nil {
		fmt.Fprintf(os.Stderr, "cluck-status: send: %v\n", err)
		os.Exit(1)
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "cluck-status: timed out waiting for a reply")
			os.Exit(1)
		case in := <-bus.Inbound():
			switch in.Message.Command {
			case wire.CmdTicketList:
				fmt.Println(in.Message.Get("tickets"))
				return
			case wire.CmdLockReady:
				fmt.Println("LOCK_READY")
				return
			case wire.CmdNoLock:
				fmt.Println("NO_LOCK")
				return
			}
		}
	}
}
