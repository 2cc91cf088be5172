//go:build linux

package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseListenOverflows(t *testing.T) {
	input := `TcpExt: SyncookiesSent SyncookiesRecv ListenOverflows ListenDrops
TcpExt: 0 0 42 43
IpExt: InNoRoutes
IpExt: 0
`
	assert.Equal(t, uint64(42), parseListenOverflows(strings.NewReader(input)))
	assert.Equal(t, uint64(0), parseListenOverflows(strings.NewReader("IpExt: a\nIpExt: 1\n")))
}
