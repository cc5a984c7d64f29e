package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// EnteringKey builds the key identifying a single client request on its
// originating node, per spec §3: "<server_name>/<client_pid>".
func EnteringKey(serverName string, clientPID int) string {
	return fmt.Sprintf("%s/%d", serverName, clientPID)
}

// ParseEnteringKey reverses EnteringKey. The pid part never contains '/',
// so splitting on the last occurrence is unambiguous.
func ParseEnteringKey(key string) (serverName string, clientPID int, err error) {
	idx := strings.LastIndexByte(key, '/')
	if idx < 0 {
		return "", 0, fmt.Errorf("wire: malformed entering_key %q", key)
	}
	pid, err := strconv.Atoi(key[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("wire: malformed entering_key %q: %w", key, err)
	}
	return key[:idx], pid, nil
}

// TicketKey builds the total-ordering key the Bakery Algorithm sorts on,
// per spec §3: "<ticket_number:hex8>/<entering_key>". Hex, zero-padded to
// eight digits, so lexical order equals numerical order.
func TicketKey(ticketNumber uint32, enteringKey string) string {
	return fmt.Sprintf("%08x/%s", ticketNumber, enteringKey)
}
