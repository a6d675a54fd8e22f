package conn

import (
	"bufio"
	"log/slog"
	"net"

	"github.com/mongolink/mongolink/internal/uri"
)

// NewTestConnection builds a Connection wired directly to netConn with the
// handshake already filled in, for tests in other packages that need a
// working Connection without dialing a real server or duplicating the
// wire-protocol fake-server harness per package.
func NewTestConnection(netConn net.Conn, server ServerDescription, settings uri.Settings) *Connection {
	c := New(settings, uri.Host{Name: "test", Port: 0}, slog.Default())
	c.netConn = netConn
	c.reader = bufio.NewReader(netConn)
	c.server = server
	return c
}
