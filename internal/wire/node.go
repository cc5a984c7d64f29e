// Package wire implements the on-the-wire encodings shared by every other
// package in this module: node identity strings (spec §6.4), ticket
// serialization (§6.3), and the typed command/parameter messages exchanged
// between clients, gateways, and leaders (§6.1, §6.2).
package wire

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Priority bounds, per spec §3.
const (
	PriorityCandidateMin = 1
	PriorityCandidateMax = 14
	PriorityOff          = 15
	PriorityLeader       = 0
)

// Node is a participating coordinator, identified by the total-ordering
// string produced by ID.
type Node struct {
	Priority  uint8
	Random    uint32
	IP        netip.Addr
	PID       int
	Name      string
	StartTime float64 // seconds since epoch, fractional
	Connected bool
	Self      bool
}

// ID renders the node's identity string: "<priority:2>|<random>|<ip>|<pid>|<name>".
// The priority is zero-padded to two digits so lexical order equals numeric
// order, per spec §6.4.
func (n Node) ID() string {
	return fmt.Sprintf("%02d|%d|%s|%d|%s", n.Priority, n.Random, bracketIP(n.IP), n.PID, n.Name)
}

func bracketIP(ip netip.Addr) string {
	if ip.Is6() && !ip.Is4In6() {
		return "[" + ip.String() + "]"
	}
	return ip.String()
}

// ParseNodeID parses an identity string produced by Node.ID. It fails
// loudly (returns an error) on anything other than exactly five fields, per
// spec §6.4.
func ParseNodeID(id string) (Node, error) {
	parts := strings.Split(id, "|")
	if len(parts) != 5 {
		return Node{}, fmt.Errorf("wire: node id %q has %d parts, want 5", id, len(parts))
	}

	priority, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || priority > PriorityOff {
		return Node{}, fmt.Errorf("wire: node id %q: invalid priority %q", id, parts[0])
	}

	random, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Node{}, fmt.Errorf("wire: node id %q: invalid random value %q", id, parts[1])
	}

	ipField := strings.Trim(parts[2], "[]")
	if ipField == "" {
		return Node{}, fmt.Errorf("wire: node id %q: empty IP address", id)
	}
	ip, err := netip.ParseAddr(ipField)
	if err != nil {
		return Node{}, fmt.Errorf("wire: node id %q: invalid IP %q: %w", id, parts[2], err)
	}
	if !ip.IsValid() || ip.IsUnspecified() {
		return Node{}, fmt.Errorf("wire: node id %q: IP cannot be the default address", id)
	}

	pid, err := strconv.Atoi(parts[3])
	if err != nil || pid < 1 {
		return Node{}, fmt.Errorf("wire: node id %q: invalid pid %q", id, parts[3])
	}

	name := parts[4]
	if err := ValidateName(name); err != nil {
		return Node{}, fmt.Errorf("wire: node id %q: %w", id, err)
	}

	return Node{
		Priority: uint8(priority),
		Random:   uint32(random),
		IP:       ip,
		PID:      pid,
		Name:     name,
	}, nil
}

// ValidateName enforces the spec §3 rule that a node name contains neither
// '|' nor NUL, and is non-empty.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("wire: node name cannot be empty")
	}
	if strings.ContainsAny(name, "|\x00") {
		return fmt.Errorf("wire: node name %q cannot include '|' or NUL", name)
	}
	return nil
}

// RankKey returns the sort key the elector uses to rank this node as a
// leader candidate (spec §4.2): the node's own ID, except that a node
// currently serving as a leader has its two-character priority prefix
// overridden with "00" so sitting leaders are sticky.
func (n Node) RankKey(isCurrentLeader bool) string {
	id := n.ID()
	if isCurrentLeader {
		return "00" + id[2:]
	}
	return id
}
