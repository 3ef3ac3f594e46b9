package transport

import (
	"context"
)

// --------------------------------------------------------------------------
// Links
// --------------------------------------------------------------------------

// FrameHandler is called for every frame received on a link.
// dest is the destination ident from the frame header, payload is owned by the handler.
// Handlers of one link run concurrently up to the link's worker limit, a slow handler
// pauses reading from the link.
type FrameHandler func(link ILink, dest uint32, payload []byte)

// ILink is an established, bidirectional, framed connection
type ILink interface {
	// Send queues a frame for writing. It does not wait for the write, errors of the
	// write close the link and are reported by Err.
	Send(dest uint32, payload []byte) error
	// Remote returns the address of the other side
	Remote() string
	// Done is closed once the link is closed
	Done() <-chan struct{}
	// Err returns the error that closed the link, nil for an orderly close
	Err() error
	// Close flushes queued frames (bounded by the write timeout) and closes the link
	Close() error
}

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// IRPCServerTransport accepts links from other sidecars or local clients
type IRPCServerTransport interface {
	// RegisterHandler registers the handler for frames of every accepted link
	RegisterHandler(handler FrameHandler)
	// Listen binds the endpoint
	Listen(endpoint string) error
	// Addr returns the bound address (useful when listening on port 0)
	Addr() string
	// Serve accepts links until ctx ends or Close is called
	Serve(ctx context.Context) error
	// Close stops accepting and closes all accepted links
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport establishes links
type IRPCClientTransport interface {
	// Dial connects to endpoint (with retries) and returns the link. Frames received on
	// the link are passed to handler.
	Dial(ctx context.Context, endpoint string, handler FrameHandler) (ILink, error)
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}
