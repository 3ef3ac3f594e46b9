package resolver

import (
	"fmt"

	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("resolver")

// Node is one ident to address mapping
type Node struct {
	Ident   uint32
	Address string
}

func (n Node) String() string {
	return fmt.Sprintf("%#08x=%s", n.Ident, n.Address)
}

// IResolver is implemented by all resolver variants
type IResolver interface {
	// AddNode registers or overwrites the address of ident (last write wins)
	AddNode(ident uint32, address string)

	// GetNode returns the address of ident, false if ident is unknown
	GetNode(ident uint32) (string, bool)

	// VisitNodes calls f once for every listed ident that is known.
	// Unknown idents and duplicates in idents are skipped.
	VisitNodes(idents []uint32, f func(Node))

	// VisitMaskedNodes calls f exactly once for every known node with
	// node.Ident&mask == ident&mask. The order is unspecified.
	VisitMaskedNodes(ident, mask uint32, f func(Node))
}

// LoadNodes feeds the declared nodes into r in declaration order
func LoadNodes(r IResolver, decls []common.NodeDecl) {
	for _, d := range decls {
		r.AddNode(d.Ident, d.Address)
	}
	log.Debugf("loaded %d static nodes", len(decls))
}

// Lookup is GetNode with the miss turned into a NotFound error, for callers that treat
// a miss as a failure of the current operation.
func Lookup(r IResolver, ident uint32) (string, error) {
	if addr, ok := r.GetNode(ident); ok {
		return addr, nil
	}
	return "", common.Errorf(common.ErrCNotFound, "node %#08x", ident)
}
