package client

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dProxy/lib/tracker"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/ValentinKolb/dProxy/rpc/serializer"
	"github.com/ValentinKolb/dProxy/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// inboxSize bounds the messages buffered for Messages
const inboxSize = 256

// Client talks to the local endpoint of a sidecar. Plain messages are sent fire and
// forget, requests are correlated with their responses through a client side tracker.
type Client struct {
	config     common.ClientConfig
	source     uint32
	link       transport.ILink
	serializer serializer.IRPCSerializer
	tracker    *tracker.Tracker
	inbox      chan *common.Message
}

// NewClient connects to the sidecar described by config. source is the ident written
// into the messages of this client.
//
// Usage:
//
//	c, err := client.NewClient(ctx, config, ident, unix.NewUnixClientTransport(base.LinkConfig{}))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	rsp, err := c.Call(ctx, common.NewMessage(ident, dest, "ping", nil))
func NewClient(
	ctx context.Context,
	config common.ClientConfig,
	source uint32,
	clientTransport transport.IRPCClientTransport,
) (*Client, error) {
	ser, err := serializer.New(config.Serializer)
	if err != nil {
		return nil, err
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	c := &Client{
		config:     config,
		source:     source,
		serializer: ser,
		tracker: tracker.New(tracker.Config{
			QueueSize:   config.QueueSize,
			ExitTimeout: config.Timeout,
		}),
		inbox: make(chan *common.Message, inboxSize),
	}

	link, err := clientTransport.Dial(ctx, config.Endpoint, c.handleFrame)
	if err != nil {
		return nil, err
	}
	c.link = link

	Logger.Debugf("Connected to sidecar at %s as %#08x", config.Endpoint, source)
	return c, nil
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Send sends msg without waiting for an answer. A missing source is filled in.
func (c *Client) Send(msg *common.Message) error {
	if msg.Header.IsReq() {
		return common.NewError(common.ErrCProtocol, "use Call for requests")
	}
	return c.send(c.withSource(msg))
}

// Call sends msg as a request and waits for the response (bounded by the configured
// timeout). An error response from the sidecar is returned as error.
func (c *Client) Call(ctx context.Context, msg *common.Message) (*common.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	rsp, err := c.tracker.Send(ctx, c.withSource(msg), c.send)
	if err != nil {
		return nil, err
	}
	if err := rsp.AsError(); err != nil {
		return nil, err
	}
	return rsp, nil
}

// Messages returns the messages the sidecar delivered to this client that are not
// responses to its own requests
func (c *Client) Messages() <-chan *common.Message {
	return c.inbox
}

// Done is closed when the connection to the sidecar is gone
func (c *Client) Done() <-chan struct{} {
	return c.link.Done()
}

// Close waits briefly for outstanding calls and closes the connection
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	if n := c.tracker.Drain(ctx); n > 0 {
		Logger.Warningf("Cancelled %d outstanding calls on close", n)
	}
	return c.link.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// withSource returns a copy of msg carrying the client's ident as source if it has none
func (c *Client) withSource(msg *common.Message) *common.Message {
	msg = msg.Clone()
	if msg.Header.Source == 0 {
		msg.Header.Source = c.source
	}
	return msg
}

// send serializes msg and queues it on the link
func (c *Client) send(msg *common.Message) error {
	b, err := c.serializer.Serialize(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", msg, err)
	}
	return c.link.Send(msg.Header.Destination, b)
}

// handleFrame completes calls with their responses and queues everything else
func (c *Client) handleFrame(_ transport.ILink, _ uint32, payload []byte) {
	msg := &common.Message{}
	if err := c.serializer.Deserialize(payload, msg); err != nil {
		Logger.Warningf("Dropping malformed frame from sidecar: %v", err)
		return
	}

	if msg.Header.IsRsp() {
		c.tracker.Deliver(msg)
		return
	}
	if msg.Header.IsNtf() && c.tracker.Deliver(msg) {
		return
	}

	select {
	case c.inbox <- msg:
	default:
		Logger.Warningf("Inbox full, dropping %s", msg)
	}
}
