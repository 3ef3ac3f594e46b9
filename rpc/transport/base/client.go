package base

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/ValentinKolb/dProxy/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn) error
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector IClientConnector
	config    LinkConfig
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector, config LinkConfig) transport.IRPCClientTransport {
	return &clientTransport{
		connector: connector,
		config:    config.withDefaults(),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) GetName() string {
	return t.connector.GetName()
}

func (t *clientTransport) Dial(ctx context.Context, endpoint string, handler transport.FrameHandler) (transport.ILink, error) {
	var lastErr error

	// Initial backoff duration in milliseconds
	backoffMs := 50

	for i := 0; i < t.config.RetryCount; i++ {
		conn, err := t.connect(ctx, endpoint)
		if err == nil {
			Logger.Debugf("Connected to %s using %s transport", endpoint, t.connector.GetName())
			return newLink(conn, handler, t.config), nil
		}

		lastErr = err
		Logger.Debugf("Dial attempt %d/%d to %s failed: %v", i+1, t.config.RetryCount, endpoint, err)

		if i < t.config.RetryCount-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			select {
			case <-time.After(time.Duration(jitter) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoffMs *= 2
		}
	}

	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", endpoint, t.config.RetryCount, lastErr)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// connect establishes and upgrades one connection
func (t *clientTransport) connect(ctx context.Context, endpoint string) (net.Conn, error) {
	conn, err := t.connector.Connect(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	if err := t.connector.UpgradeConnection(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", endpoint, err)
	}
	return conn, nil
}
