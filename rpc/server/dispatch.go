package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dProxy/lib/resolver"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/ValentinKolb/dProxy/rpc/serializer"
)

// dispatcher is the terminal pipeline stage. It consumes every message by handing it
// to the local application or to the sidecar of the destination node.
type dispatcher struct {
	node       *common.NodeContext
	resolver   resolver.IResolver
	serializer serializer.IRPCSerializer
	peers      *peers
	local      func(ctx context.Context, msg *common.Message, payload []byte) error
}

// --------------------------------------------------------------------------
// Interface Methods (docu see service.IService)
// --------------------------------------------------------------------------

func (d *dispatcher) Ready() bool { return true }

func (d *dispatcher) Call(ctx context.Context, msg *common.Message) (*common.Message, error) {
	if msg.Header.IsMasked() {
		return nil, d.fanOut(ctx, msg)
	}
	return nil, d.route(ctx, msg)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// route sends msg to its destination
func (d *dispatcher) route(ctx context.Context, msg *common.Message) error {
	payload, err := d.serializer.Serialize(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", msg, err)
	}

	dest := msg.Header.Destination
	if dest == d.node.Ident {
		return d.local(ctx, msg, payload)
	}

	addr, err := resolver.Lookup(d.resolver, dest)
	if err != nil {
		return err
	}
	return d.peers.send(ctx, addr, dest, payload)
}

// fanOut sends a copy of msg to every node matching its mask. The copies are addressed
// to the single node, so the receiving sidecars do not fan out again.
func (d *dispatcher) fanOut(ctx context.Context, msg *common.Message) error {
	var targets []uint32
	d.resolver.VisitMaskedNodes(msg.Header.Destination, msg.Header.Mask, func(n resolver.Node) {
		targets = append(targets, n.Ident)
	})
	if len(targets) == 0 {
		return common.Errorf(common.ErrCNotFound, "no node matches %#08x/%#08x", msg.Header.Destination, msg.Header.Mask)
	}

	var errs []error
	for _, ident := range targets {
		c := msg.Clone()
		c.Header.Destination = ident
		c.Header.Mask = 0
		if err := d.route(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("%#08x: %w", ident, err))
		}
	}
	return errors.Join(errs...)
}
