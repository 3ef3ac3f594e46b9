package resolver

import "sync"

// localResolver is the in-memory authoritative store
type localResolver struct {
	mu    sync.RWMutex
	nodes map[uint32]string
}

// NewLocal creates an empty in-memory resolver
func NewLocal() IResolver {
	return &localResolver{
		nodes: make(map[uint32]string),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see resolver.IResolver)
// --------------------------------------------------------------------------

func (r *localResolver) AddNode(ident uint32, address string) {
	r.mu.Lock()
	prev, existed := r.nodes[ident]
	r.nodes[ident] = address
	r.mu.Unlock()

	if existed && prev != address {
		log.Debugf("node %#08x moved %s -> %s", ident, prev, address)
	}
}

func (r *localResolver) GetNode(ident uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.nodes[ident]
	return addr, ok
}

func (r *localResolver) VisitNodes(idents []uint32, f func(Node)) {
	// collect under the lock, call f without it so f may use the resolver
	seen := make(map[uint32]struct{}, len(idents))
	nodes := make([]Node, 0, len(idents))

	r.mu.RLock()
	for _, ident := range idents {
		if _, dup := seen[ident]; dup {
			continue
		}
		seen[ident] = struct{}{}
		if addr, ok := r.nodes[ident]; ok {
			nodes = append(nodes, Node{Ident: ident, Address: addr})
		}
	}
	r.mu.RUnlock()

	for _, n := range nodes {
		f(n)
	}
}

func (r *localResolver) VisitMaskedNodes(ident, mask uint32, f func(Node)) {
	want := ident & mask
	var nodes []Node

	r.mu.RLock()
	for id, addr := range r.nodes {
		if id&mask == want {
			nodes = append(nodes, Node{Ident: id, Address: addr})
		}
	}
	r.mu.RUnlock()

	for _, n := range nodes {
		f(n)
	}
}
