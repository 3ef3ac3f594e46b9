package resolver

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dProxy/rpc/common"
)

// countingResolver counts GetNode calls that reach the wrapped resolver
type countingResolver struct {
	IResolver
	gets atomic.Int32
}

func (c *countingResolver) GetNode(ident uint32) (string, bool) {
	c.gets.Add(1)
	return c.IResolver.GetNode(ident)
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func collect(visit func(func(Node))) map[uint32]int {
	calls := make(map[uint32]int)
	visit(func(n Node) { calls[n.Ident]++ })
	return calls
}

func TestLocalLastWriteWins(t *testing.T) {
	r := NewLocal()

	if _, ok := r.GetNode(1); ok {
		t.Fatal("empty resolver should not know node 1")
	}

	r.AddNode(1, "127.0.0.1:7000")
	r.AddNode(2, "127.0.0.1:7001")
	r.AddNode(1, "127.0.0.1:8000")

	if addr, ok := r.GetNode(1); !ok || addr != "127.0.0.1:8000" {
		t.Errorf("GetNode(1) = (%s,%v), expected the last written address", addr, ok)
	}
	if addr, ok := r.GetNode(2); !ok || addr != "127.0.0.1:7001" {
		t.Errorf("GetNode(2) = (%s,%v)", addr, ok)
	}
}

func TestLocalVisitMaskedNodes(t *testing.T) {
	r := NewLocal()
	r.AddNode(0x0A000001, "10.0.0.1:9000")
	r.AddNode(0x0A000002, "10.0.0.1:9001")
	r.AddNode(0x0B000001, "10.0.1.1:9000")

	calls := collect(func(f func(Node)) { r.VisitMaskedNodes(0x0A000000, 0xFFFFFF00, f) })

	if len(calls) != 2 {
		t.Fatalf("expected 2 nodes to be visited, got %v", calls)
	}
	for _, id := range []uint32{0x0A000001, 0x0A000002} {
		if calls[id] != 1 {
			t.Errorf("node %#08x visited %d times, expected once", id, calls[id])
		}
	}
	if calls[0x0B000001] != 0 {
		t.Error("node outside the group must not be visited")
	}

	// zero mask matches every node
	all := collect(func(f func(Node)) { r.VisitMaskedNodes(0, 0, f) })
	if len(all) != 3 {
		t.Errorf("zero mask should visit all 3 nodes, got %d", len(all))
	}
}

func TestLocalVisitNodes(t *testing.T) {
	r := NewLocal()
	r.AddNode(1, "a")
	r.AddNode(2, "b")

	calls := collect(func(f func(Node)) { r.VisitNodes([]uint32{1, 2, 2, 3, 1}, f) })
	if len(calls) != 2 || calls[1] != 1 || calls[2] != 1 {
		t.Errorf("expected nodes 1 and 2 once each, got %v", calls)
	}
}

func TestCachedLiveTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	inner := &countingResolver{IResolver: NewLocal()}
	inner.AddNode(7, "127.0.0.1:7000")

	r := NewCached(inner, 2, 100*time.Millisecond, WithClock(clock.Now))

	if addr, ok := r.GetNode(7); !ok || addr != "127.0.0.1:7000" {
		t.Fatalf("GetNode(7) = (%s,%v)", addr, ok)
	}
	clock.Advance(50 * time.Millisecond)
	r.GetNode(7)

	if n := inner.gets.Load(); n != 1 {
		t.Errorf("two lookups within live time touched inner %d times, expected 1", n)
	}

	clock.Advance(100 * time.Millisecond)
	r.GetNode(7)
	if n := inner.gets.Load(); n != 2 {
		t.Errorf("lookup after expiry should touch inner again, got %d calls", n)
	}
}

func TestCachedEvictsOldestInsert(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	inner := &countingResolver{IResolver: NewLocal()}
	for i := uint32(1); i <= 3; i++ {
		inner.AddNode(i, "addr")
	}

	r := NewCached(inner, 2, time.Minute, WithClock(clock.Now))
	r.GetNode(1)
	r.GetNode(2)
	r.GetNode(1) // hit, does not change insertion order
	r.GetNode(3) // evicts 1
	inner.gets.Store(0)

	r.GetNode(2)
	r.GetNode(3)
	if n := inner.gets.Load(); n != 0 {
		t.Errorf("nodes 2 and 3 should be cached, inner touched %d times", n)
	}
	r.GetNode(1)
	if n := inner.gets.Load(); n != 1 {
		t.Errorf("node 1 should have been evicted, inner touched %d times", n)
	}
}

func TestCachedMissAndWriteThrough(t *testing.T) {
	inner := NewLocal()
	r := NewCached(inner, 4, time.Minute)

	if _, ok := r.GetNode(9); ok {
		t.Fatal("unknown node should not resolve")
	}

	r.AddNode(9, "127.0.0.1:9")
	if addr, ok := inner.GetNode(9); !ok || addr != "127.0.0.1:9" {
		t.Error("AddNode should write through to the inner resolver")
	}
	if addr, ok := r.GetNode(9); !ok || addr != "127.0.0.1:9" {
		t.Error("misses must not be cached")
	}

	// cached value is served until it expires
	r.AddNode(9, "127.0.0.1:10")
	if addr, _ := r.GetNode(9); addr != "127.0.0.1:9" {
		t.Errorf("cache should serve the old address until expiry, got %s", addr)
	}
}

func TestChainPrecedence(t *testing.T) {
	r1, r2 := NewLocal(), NewLocal()
	r1.AddNode(1, "first")
	r2.AddNode(1, "second")
	r2.AddNode(2, "only-second")

	c := NewChain(r1, r2)

	if addr, _ := c.GetNode(1); addr != "first" {
		t.Errorf("chain should prefer the first resolver, got %s", addr)
	}
	if addr, ok := c.GetNode(2); !ok || addr != "only-second" {
		t.Errorf("chain should fall back to the second resolver, got (%s,%v)", addr, ok)
	}

	c.AddNode(3, "both")
	for i, r := range []IResolver{r1, r2} {
		if addr, ok := r.GetNode(3); !ok || addr != "both" {
			t.Errorf("AddNode should update member %d", i+1)
		}
	}

	calls := collect(func(f func(Node)) { c.VisitMaskedNodes(0, 0, f) })
	if len(calls) != 3 {
		t.Fatalf("expected the union of 3 nodes, got %v", calls)
	}
	for id, n := range calls {
		if n != 1 {
			t.Errorf("node %d visited %d times", id, n)
		}
	}

	var seen []string
	c.VisitNodes([]uint32{1}, func(n Node) { seen = append(seen, n.Address) })
	if len(seen) != 1 || seen[0] != "first" {
		t.Errorf("VisitNodes should report the first resolver's address once, got %v", seen)
	}
}

func TestLoadNodesAndLookup(t *testing.T) {
	r := NewLocal()
	LoadNodes(r, []common.NodeDecl{
		{Ident: 1, Address: "a"},
		{Ident: 1, Address: "b"},
	})

	addr, err := Lookup(r, 1)
	if err != nil || addr != "b" {
		t.Errorf("Lookup(1) = (%s,%v), expected later declaration to win", addr, err)
	}
	if _, err := Lookup(r, 2); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}
