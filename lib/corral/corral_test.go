package corral

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dProxy/lib/exit"
	"github.com/ValentinKolb/dProxy/rpc/common"
)

type fakeLink struct {
	closed atomic.Int32
}

func (l *fakeLink) Close() error {
	l.closed.Add(1)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestLimitRejectsSecondPending(t *testing.T) {
	start := time.Unix(1000, 0)
	now := start
	events := &eventLog{}
	c := New(Config{Limit: 1, PendingTimeout: 500 * time.Millisecond, IdleTimeout: time.Minute},
		WithClock(func() time.Time { return now }), WithEventHandler(events.add))

	conn, created, err := c.Open("10.0.0.1:9000")
	if err != nil || !created {
		t.Fatalf("first open failed: created=%v err=%v", created, err)
	}
	if conn.State() != StatePending {
		t.Errorf("new connection should be pending, is %s", conn.State())
	}

	if _, _, err := c.Open("10.0.0.2:9000"); !errors.Is(err, common.ErrBackpressure) {
		t.Fatalf("second connection should be rejected with backpressure, got %v", err)
	}

	// the same peer is not a new connection
	again, created, err := c.Open("10.0.0.1:9000")
	if err != nil || created || again != conn {
		t.Errorf("reopening the same peer should return the existing entry")
	}

	// not yet timed out
	if evs := c.Sweep(start.Add(400 * time.Millisecond)); len(evs) != 0 {
		t.Errorf("no event expected before the pending timeout, got %v", evs)
	}

	evs := c.Sweep(start.Add(600 * time.Millisecond))
	if len(evs) != 1 || evs[0].Kind != EventTimedOut || evs[0].Peer != "10.0.0.1:9000" {
		t.Fatalf("expected a timed out event, got %v", evs)
	}
	if !errors.Is(evs[0].Err, common.ErrTimeout) {
		t.Errorf("timed out event should carry a timeout error, got %v", evs[0].Err)
	}
	if _, ok := c.Get("10.0.0.1:9000"); ok {
		t.Error("timed out connection should be removed")
	}
	if k := events.kinds(); len(k) != 1 || k[0] != EventTimedOut {
		t.Errorf("event handler should have seen the timeout, got %v", k)
	}

	// capacity is free again
	if _, created, err := c.Open("10.0.0.2:9000"); err != nil || !created {
		t.Errorf("open after eviction failed: %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	start := time.Unix(1000, 0)
	now := start
	c := New(Config{PendingTimeout: time.Second, IdleTimeout: 10 * time.Second},
		WithClock(func() time.Time { return now }))
	link := &fakeLink{}

	c.Open("peer")
	if err := c.Confirm("peer", link); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	conn, _ := c.Get("peer")
	if conn.State() != StateActive {
		t.Fatalf("expected active, got %s", conn.State())
	}

	// confirmed connections do not time out as pending
	if evs := c.Sweep(start.Add(5 * time.Second)); len(evs) != 0 {
		t.Errorf("unexpected events %v", evs)
	}

	evs := c.Sweep(start.Add(11 * time.Second))
	if len(evs) != 1 || evs[0].Kind != EventIdle || conn.State() != StateIdle {
		t.Fatalf("expected transition to idle, got %v (%s)", evs, conn.State())
	}

	// traffic revives an idle connection
	now = start.Add(12 * time.Second)
	if !c.Touch("peer") || conn.State() != StateActive {
		t.Fatalf("touch should make the connection active again")
	}

	c.Sweep(start.Add(23 * time.Second)) // idle again
	evs = c.Sweep(start.Add(34 * time.Second))
	if len(evs) != 1 || evs[0].Kind != EventEvicted {
		t.Fatalf("expected eviction, got %v", evs)
	}
	if link.closed.Load() != 1 {
		t.Errorf("evicted link should be closed once, closed %d times", link.closed.Load())
	}
	if c.Len() != 0 {
		t.Errorf("corral should be empty, has %d", c.Len())
	}
}

func TestCloseAndFail(t *testing.T) {
	c := New(Config{PendingTimeout: time.Second, IdleTimeout: time.Minute})
	link := &fakeLink{}

	c.Open("a")
	c.Confirm("a", link)
	if err := c.Close("a"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if link.closed.Load() != 1 {
		t.Error("Close should close the link")
	}
	if err := c.Close("a"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("closing twice should report NotFound, got %v", err)
	}
	if err := c.Confirm("a", link); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("confirming a removed connection should report NotFound, got %v", err)
	}

	c.Open("b")
	c.Fail("b", errors.New("dial failed"))
	if _, ok := c.Get("b"); ok {
		t.Error("failed connection should be removed")
	}
	if c.Touch("b") {
		t.Error("touching a removed connection should fail")
	}
}

func TestRateAdmission(t *testing.T) {
	c := New(Config{PendingTimeout: time.Second, IdleTimeout: time.Minute, Rate: 0.001, Burst: 2})

	for _, peer := range []string{"a", "b"} {
		if _, _, err := c.Open(peer); err != nil {
			t.Fatalf("open %s within burst failed: %v", peer, err)
		}
	}
	if _, _, err := c.Open("c"); !errors.Is(err, common.ErrBackpressure) {
		t.Errorf("open beyond the rate should fail with backpressure, got %v", err)
	}
	if _, created, err := c.Open("a"); err != nil || created {
		t.Errorf("existing connections are not subject to the rate limit")
	}
}

func TestCloseAll(t *testing.T) {
	c := New(Config{Limit: 3, PendingTimeout: time.Second, IdleTimeout: time.Minute})
	links := []*fakeLink{{}, {}, {}}
	for i, peer := range []string{"a", "b", "c"} {
		c.Open(peer)
		c.Confirm(peer, links[i])
	}

	c.CloseAll()
	for i, l := range links {
		if l.closed.Load() != 1 {
			t.Errorf("link %d closed %d times", i, l.closed.Load())
		}
	}
	if c.Len() != 0 {
		t.Errorf("corral should be empty, has %d", c.Len())
	}
	if _, _, err := c.Open("d"); err != nil {
		t.Errorf("limit should be released after CloseAll: %v", err)
	}
}

func TestStartClosesOnExit(t *testing.T) {
	c := New(Config{PendingTimeout: time.Second, IdleTimeout: time.Minute, SweepInterval: 10 * time.Millisecond})
	coord := exit.New()

	link := &fakeLink{}
	c.Open("10.0.0.1:9000")
	if err := c.Confirm("10.0.0.1:9000", link); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	c.Start(context.Background(), coord)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if pending, err := coord.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed, pending %v: %v", pending, err)
	}

	if _, _, err := c.Open("10.0.0.2:9000"); !errors.Is(err, common.ErrShuttingDown) {
		t.Errorf("expected shutting down for new peer, got %v", err)
	}

	deadline := time.After(time.Second)
	for c.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("expected no connections after exit, got %d", c.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if link.closed.Load() != 1 {
		t.Errorf("expected link closed once, got %d", link.closed.Load())
	}
}
