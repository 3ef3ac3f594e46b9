package resolver

// chainResolver queries first and falls back to second
type chainResolver struct {
	first  IResolver
	second IResolver
}

// NewChain combines two resolvers. GetNode always prefers first, even if second holds a
// newer address for the same ident. AddNode updates both, the visit methods enumerate the
// union of both without duplicates.
func NewChain(first, second IResolver) IResolver {
	return &chainResolver{
		first:  first,
		second: second,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see resolver.IResolver)
// --------------------------------------------------------------------------

func (c *chainResolver) AddNode(ident uint32, address string) {
	c.first.AddNode(ident, address)
	c.second.AddNode(ident, address)
}

func (c *chainResolver) GetNode(ident uint32) (string, bool) {
	if addr, ok := c.first.GetNode(ident); ok {
		return addr, true
	}
	return c.second.GetNode(ident)
}

func (c *chainResolver) VisitNodes(idents []uint32, f func(Node)) {
	seen := make(map[uint32]struct{})
	visit := func(n Node) {
		if _, dup := seen[n.Ident]; dup {
			return
		}
		seen[n.Ident] = struct{}{}
		f(n)
	}
	c.first.VisitNodes(idents, visit)
	c.second.VisitNodes(idents, visit)
}

func (c *chainResolver) VisitMaskedNodes(ident, mask uint32, f func(Node)) {
	seen := make(map[uint32]struct{})
	visit := func(n Node) {
		if _, dup := seen[n.Ident]; dup {
			return
		}
		seen[n.Ident] = struct{}{}
		f(n)
	}
	c.first.VisitMaskedNodes(ident, mask, visit)
	c.second.VisitMaskedNodes(ident, mask, visit)
}
