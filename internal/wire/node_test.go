package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeID_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		node Node
	}{
		{
			name: "candidate",
			node: Node{Priority: 14, Random: 123456, IP: netip.MustParseAddr("10.0.0.1"), PID: 4242, Name: "alpha"},
		},
		{
			name: "leader priority zero",
			node: Node{Priority: 0, Random: 7, IP: netip.MustParseAddr("10.0.0.2"), PID: 1, Name: "bravo"},
		},
		{
			name: "off priority",
			node: Node{Priority: PriorityOff, Random: 99, IP: netip.MustParseAddr("10.0.0.3"), PID: 99, Name: "charlie"},
		},
		{
			name: "ipv6",
			node: Node{Priority: 5, Random: 1, IP: netip.MustParseAddr("fe80::1"), PID: 2, Name: "delta"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := tc.node.ID()
			parsed, err := ParseNodeID(id)
			require.NoError(t, err)
			require.Equal(t, tc.node.Priority, parsed.Priority)
			require.Equal(t, tc.node.Random, parsed.Random)
			require.Equal(t, tc.node.IP, parsed.IP)
			require.Equal(t, tc.node.PID, parsed.PID)
			require.Equal(t, tc.node.Name, parsed.Name)
		})
	}
}

func TestNodeID_ZeroPaddedPriorityOrdersNumerically(t *testing.T) {
	low := Node{Priority: 2, Random: 0, IP: netip.MustParseAddr("10.0.0.1"), PID: 1, Name: "a"}
	high := Node{Priority: 11, Random: 0, IP: netip.MustParseAddr("10.0.0.1"), PID: 1, Name: "a"}

	require.Less(t, low.ID(), high.ID(), "string comparison must agree with numeric priority comparison")
}

func TestParseNodeID_WrongPartCount(t *testing.T) {
	_, err := ParseNodeID("01|2|10.0.0.1|3")
	require.Error(t, err)
}

func TestParseNodeID_RejectsDefaultIP(t *testing.T) {
	_, err := ParseNodeID("01|2|0.0.0.0|3|name")
	require.Error(t, err)
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("server-a"))
	require.Error(t, ValidateName(""))
	require.Error(t, ValidateName("bad|name"))
	require.Error(t, ValidateName("bad\x00name"))
}

func TestNode_RankKey(t *testing.T) {
	n := Node{Priority: 14, Random: 1, IP: netip.MustParseAddr("10.0.0.1"), PID: 1, Name: "a"}

	require.Equal(t, n.ID(), n.RankKey(false))

	overridden := n.RankKey(true)
	require.Equal(t, "00", overridden[:2])
	require.Equal(t, n.ID()[2:], overridden[2:])
}
