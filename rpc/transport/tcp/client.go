package tcp

import (
	"context"
	"net"

	"github.com/ValentinKolb/dProxy/rpc/transport"
	"github.com/ValentinKolb/dProxy/rpc/transport/base"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct {
	dialer net.Dialer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "tcp", endpoint)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn) error {
	return upgradeTCP(conn)
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPClientTransport creates a new TCP client transport
func NewTCPClientTransport(config base.LinkConfig) transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{
		dialer: net.Dialer{KeepAlive: keepAlivePeriod},
	}, config)
}
