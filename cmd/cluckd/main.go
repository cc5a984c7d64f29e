// Command cluckd runs one coordinator node: leader election plus the
// replicated Bakery ticket protocol of spec §4, wired together by
// internal/engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/m2osw/cluckd/internal/engine"
	"github.com/m2osw/cluckd/internal/transport"
)

func main() {
	var (
		listen     = flag.String("listen", ":9321", "address to accept peer connections on")
		name       = flag.String("name", "", "this node's name (required, must be unique cluster-wide)")
		ip         = flag.String("ip", "127.0.0.1", "this node's advertised IP, spec §6.4 node identifier")
		priority   = flag.Uint("priority", 14, "election priority, 1 (ranked first) to 14 (ranked last) for a candidate, 15 to never be leader")
		totalNodes = flag.Int("total-nodes", 1, "expected cluster size, for readiness quorum arithmetic")
		peers      = flag.String("peers", "", "comma-separated name=host:port pairs of peers to dial at startup")
		logLevel   = flag.String("log-level", "info", "trace|debug|info|notice|warning|err|crit|alert|emerg")
		debug      = flag.Bool("debug", false, "enable the single-goroutine dispatch assertion (spec §5)")
	)
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "cluckd: -name is required")
		os.Exit(2)
	}
	addr, err := netip.ParseAddr(*ip)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cluckd: invalid -ip: %v\n", err)
		os.Exit(2)
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cluckd: %v\n", err)
		os.Exit(2)
	}
	log := engine.NewLogger(os.Stderr, level)

	bus, err := transport.NewServer(*listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cluckd: listen on %s: %v\n", *listen, err)
		os.Exit(1)
	}
	defer bus.Close()

	for _, spec := range splitNonEmpty(*peers, ",") {
		peerName, peerAddr, ok := strings.Cut(spec, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "cluckd: malformed -peers entry %q, want name=host:port\n", spec)
			os.Exit(2)
		}
		bus.AddPeer(peerName, peerAddr)
	}
	bus.SetClusterSize(*totalNodes)

	eng := engine.New(bus, log, startTimeSeconds(),
		engine.WithSelf(*name, addr, os.Getpid(), uint8(*priority)),
		engine.WithTotalNodes(*totalNodes),
	)
	eng.SetDebug(*debug)
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("name", *name).Str("listen", *listen).Log("cluckd: starting")
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "cluckd: %v\n", err)
		os.Exit(1)
	}
}

// startTimeSeconds renders process start time as float seconds. The
// engine records it as the node's StartTime; it is not part of the node
// identifier string and plays no part in election ranking.
func startTimeSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(s) {
	case "emerg", "emergency":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "info":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return 0, fmt.Errorf("invalid -log-level %q", s)
	}
}
