package server

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dProxy/lib/corral"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/ValentinKolb/dProxy/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// peers sends frames to other sidecars over links kept in the corral
type peers struct {
	corral    *corral.Corral
	transport transport.IRPCClientTransport
	handler   transport.FrameHandler
	dialLimit time.Duration
	dialing   *xsync.MapOf[string, chan struct{}]
}

func newPeers(c *corral.Corral, t transport.IRPCClientTransport, handler transport.FrameHandler, dialLimit time.Duration) *peers {
	return &peers{
		corral:    c,
		transport: t,
		handler:   handler,
		dialLimit: dialLimit,
		dialing:   xsync.NewMapOf[string, chan struct{}](),
	}
}

// send queues payload for dest on the link to addr, dialing the link if needed
func (p *peers) send(ctx context.Context, addr string, dest uint32, payload []byte) error {
	link, err := p.link(ctx, addr)
	if err != nil {
		return err
	}
	if err := link.Send(dest, payload); err != nil {
		p.corral.Fail(addr, err)
		return err
	}
	p.corral.Touch(addr)
	return nil
}

// link returns the active link to addr. Only one goroutine dials a peer at a time,
// the others wait for its outcome.
func (p *peers) link(ctx context.Context, addr string) (transport.ILink, error) {
	if l, ok := p.active(addr); ok {
		return l, nil
	}

	ch := make(chan struct{})
	if other, loaded := p.dialing.LoadOrStore(addr, ch); loaded {
		select {
		case <-other:
		case <-ctx.Done():
			return nil, common.Errorf(common.ErrCCancelled, "waiting for link to %s: %v", addr, ctx.Err())
		}
		if l, ok := p.active(addr); ok {
			return l, nil
		}
		return nil, common.Errorf(common.ErrCTransport, "no link to %s", addr)
	}
	defer func() {
		p.dialing.Delete(addr)
		close(ch)
	}()

	conn, created, err := p.corral.Open(addr)
	if err != nil {
		return nil, err
	}
	if !created {
		// confirmed between the first look and Open
		if l, ok := conn.Link().(transport.ILink); ok {
			return l, nil
		}
		return nil, common.Errorf(common.ErrCTransport, "link to %s is still pending", addr)
	}
	return p.dial(addr)
}

// active returns the link of the confirmed corral entry of addr
func (p *peers) active(addr string) (transport.ILink, bool) {
	conn, ok := p.corral.Get(addr)
	if !ok {
		return nil, false
	}
	l, ok := conn.Link().(transport.ILink)
	return l, ok
}

// dial establishes the link for the pending corral entry of addr
func (p *peers) dial(addr string) (transport.ILink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.dialLimit)
	defer cancel()

	link, err := p.transport.Dial(ctx, addr, p.handler)
	if err != nil {
		err = common.Errorf(common.ErrCTransport, "dial %s: %v", addr, err)
		p.corral.Fail(addr, err)
		return nil, err
	}
	if err := p.corral.Confirm(addr, link); err != nil {
		link.Close()
		return nil, err
	}

	go p.watch(addr, link)
	return link, nil
}

// watch removes the corral entry of addr once its link closes
func (p *peers) watch(addr string, link transport.ILink) {
	<-link.Done()

	conn, ok := p.corral.Get(addr)
	if !ok || conn.Link() != link {
		return // already removed or replaced
	}
	if err := link.Err(); err != nil {
		p.corral.Fail(addr, err)
	} else if err := p.corral.Close(addr); err != nil && !errors.Is(err, common.ErrNotFound) {
		Logger.Warningf("Failed to remove link to %s: %v", addr, err)
	}
}
