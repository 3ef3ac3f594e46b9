package base

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dProxy/rpc/transport"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(endpoint string) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector IServerConnector
	handler   transport.FrameHandler
	config    LinkConfig
	listener  net.Listener
	closing   atomic.Bool

	linksMu sync.Mutex
	links   map[*link]struct{}
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with the specified connector
func NewBaseServerTransport(connector IServerConnector, config LinkConfig) transport.IRPCServerTransport {
	return &serverTransport{
		connector: connector,
		config:    config.withDefaults(),
		links:     make(map[*link]struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.FrameHandler) {
	t.handler = handler
}

func (t *serverTransport) Listen(endpoint string) error {
	listener, err := t.connector.Listen(endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	t.listener = listener

	Logger.Infof("Listening for %s links on %s with %d workers per link",
		t.connector.GetName(), listener.Addr(), t.config.WorkersPerLink)
	return nil
}

func (t *serverTransport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *serverTransport) Serve(ctx context.Context) error {
	if t.listener == nil {
		return fmt.Errorf("Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	backoff := 5 * time.Millisecond
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.closing.Load() {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(backoff)
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 5 * time.Millisecond

		if err := t.connector.UpgradeConnection(conn); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		l := newLink(conn, t.handler, t.config)
		t.track(l)
		Logger.Debugf("Accepted %s link from %s", t.connector.GetName(), l.remote)
	}
}

func (t *serverTransport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	t.linksMu.Lock()
	links := make([]*link, 0, len(t.links))
	for l := range t.links {
		links = append(links, l)
	}
	t.linksMu.Unlock()

	for _, l := range links {
		l.Close()
	}
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// track remembers l until it is closed
func (t *serverTransport) track(l *link) {
	t.linksMu.Lock()
	t.links[l] = struct{}{}
	t.linksMu.Unlock()

	go func() {
		<-l.Done()
		t.linksMu.Lock()
		delete(t.links, l)
		t.linksMu.Unlock()
	}()
}
