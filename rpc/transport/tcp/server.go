package tcp

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dProxy/rpc/transport"
	"github.com/ValentinKolb/dProxy/rpc/transport/base"
)

const (
	defaultBufferSize = 512 * 1024 // 512 KB
	keepAlivePeriod   = 30 * time.Second
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(endpoint string) (net.Listener, error) {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}

	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn) error {
	return upgradeTCP(conn)
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPServerTransport creates a new TCP server transport
func NewTCPServerTransport(config base.LinkConfig) transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, config)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// upgradeTCP applies the socket options used on both ends of a peer link
func upgradeTCP(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Frames are written in one go, Nagle would only add latency
	if err := tcpConn.SetNoDelay(true); err != nil {
		return err
	}

	if err := tcpConn.SetWriteBuffer(defaultBufferSize); err != nil {
		return err
	}
	if err := tcpConn.SetReadBuffer(defaultBufferSize); err != nil {
		return err
	}

	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
}
