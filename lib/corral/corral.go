package corral

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dProxy/lib/exit"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

var log = logger.GetLogger("corral")

// Config holds the corral limits and timeouts
type Config struct {
	Limit          int           // max concurrent connections, 0 = unlimited
	PendingTimeout time.Duration // max time a connection may stay unconfirmed
	IdleTimeout    time.Duration // time without traffic until Active becomes Idle, and Idle is removed
	SweepInterval  time.Duration // 0 = half of the smaller timeout
	Rate           float64       // new connections per second, 0 = unlimited
	Burst          int
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// State of a corral entry
type State int

const (
	StatePending State = iota
	StateActive
	StateIdle
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Connection is the corral's record of one peer
type Connection struct {
	peer    string
	created time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	idleSince    time.Time
	link         io.Closer
	removed      bool
}

// Peer returns the peer address
func (c *Connection) Peer() string { return c.peer }

// State returns the current state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Link returns the transport link set by Confirm, nil while pending
func (c *Connection) Link() io.Closer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// LastActivity returns the time of the last confirmed traffic
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// EventKind describes a corral transition
type EventKind int

const (
	EventTimedOut EventKind = iota // pending connection not confirmed in time, removed
	EventIdle                      // active connection without traffic, now idle
	EventEvicted                   // idle connection removed
	EventFailed                    // removed by Fail
	EventClosed                    // removed by Close
)

func (k EventKind) String() string {
	switch k {
	case EventTimedOut:
		return "timed_out"
	case EventIdle:
		return "idle"
	case EventEvicted:
		return "evicted"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is reported for every transition that is not triggered by traffic
type Event struct {
	Kind EventKind
	Peer string
	Err  error // set for EventTimedOut and EventFailed
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Peer)
}

// --------------------------------------------------------------------------
// Corral
// --------------------------------------------------------------------------

// Corral is the pool of peer connections
type Corral struct {
	config  Config
	entries *xsync.MapOf[string, *Connection]
	count   atomic.Int64
	limiter *rate.Limiter
	closing atomic.Bool
	now     func() time.Time
	onEvent func(Event)
}

// Option configures a corral
type Option func(*Corral)

// WithClock replaces time.Now, used by tests
func WithClock(now func() time.Time) Option {
	return func(c *Corral) { c.now = now }
}

// WithEventHandler registers a callback receiving every event
func WithEventHandler(f func(Event)) Option {
	return func(c *Corral) { c.onEvent = f }
}

// New creates an empty corral
func New(config Config, opts ...Option) *Corral {
	c := &Corral{
		config:  config,
		entries: xsync.NewMapOf[string, *Connection](),
		now:     time.Now,
	}
	if config.Rate > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.Rate), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open returns the live connection to peer or admits a new pending one.
// The bool reports whether the connection was created by this call, the caller then
// has to establish the link and call Confirm or Fail.
func (c *Corral) Open(peer string) (*Connection, bool, error) {
	if conn, ok := c.entries.Load(peer); ok {
		return conn, false, nil
	}
	if c.closing.Load() {
		return nil, false, common.Errorf(common.ErrCShuttingDown, "not admitting new connection to %s", peer)
	}

	if c.config.Limit > 0 {
		if n := c.count.Add(1); n > int64(c.config.Limit) {
			c.count.Add(-1)
			return nil, false, common.Errorf(common.ErrCBackpressure, "connection limit %d reached", c.config.Limit)
		}
	} else {
		c.count.Add(1)
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.count.Add(-1)
		return nil, false, common.Errorf(common.ErrCBackpressure, "connection rate exceeded, rejecting %s", peer)
	}

	now := c.now()
	conn := &Connection{
		peer:         peer,
		created:      now,
		state:        StatePending,
		lastActivity: now,
	}
	if actual, loaded := c.entries.LoadOrStore(peer, conn); loaded {
		c.count.Add(-1)
		return actual, false, nil
	}

	log.Debugf("opened pending connection to %s", peer)
	return conn, true, nil
}

// Get returns the live connection to peer
func (c *Corral) Get(peer string) (*Connection, bool) {
	return c.entries.Load(peer)
}

// Confirm marks the pending connection to peer as active and attaches its link.
// If the entry vanished in the meantime a NotFound error is returned and the caller
// keeps ownership of link.
func (c *Corral) Confirm(peer string, link io.Closer) error {
	conn, ok := c.entries.Load(peer)
	if !ok {
		return common.Errorf(common.ErrCNotFound, "no pending connection to %s", peer)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.removed {
		return common.Errorf(common.ErrCNotFound, "connection to %s was removed", peer)
	}
	conn.state = StateActive
	conn.link = link
	conn.lastActivity = c.now()
	log.Debugf("connection to %s is active", peer)
	return nil
}

// Touch records traffic on the connection to peer, an idle connection becomes active again
func (c *Corral) Touch(peer string) bool {
	conn, ok := c.entries.Load(peer)
	if !ok {
		return false
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.removed || conn.state == StatePending {
		return false
	}
	conn.state = StateActive
	conn.lastActivity = c.now()
	return true
}

// Fail removes the connection to peer because establishing or using it failed
func (c *Corral) Fail(peer string, err error) {
	if conn, ok := c.entries.Load(peer); ok {
		if link := c.remove(conn); link != nil {
			c.emit(Event{Kind: EventFailed, Peer: peer, Err: err}, link)
		}
	}
}

// Close removes the connection to peer and closes its link
func (c *Corral) Close(peer string) error {
	conn, ok := c.entries.Load(peer)
	if !ok {
		return common.Errorf(common.ErrCNotFound, "no connection to %s", peer)
	}
	if link := c.remove(conn); link != nil {
		c.emit(Event{Kind: EventClosed, Peer: peer}, link)
	}
	return nil
}

// Len returns the number of live connections
func (c *Corral) Len() int {
	return c.entries.Size()
}

// --------------------------------------------------------------------------
// Sweep
// --------------------------------------------------------------------------

// Sweep applies the time based transitions as of now and returns the resulting events
func (c *Corral) Sweep(now time.Time) []Event {
	var conns []*Connection
	c.entries.Range(func(_ string, conn *Connection) bool {
		conns = append(conns, conn)
		return true
	})

	var events []Event
	for _, conn := range conns {
		conn.mu.Lock()
		var ev *Event
		switch {
		case conn.removed:
		case conn.state == StatePending && now.Sub(conn.created) > c.config.PendingTimeout:
			ev = &Event{Kind: EventTimedOut, Peer: conn.peer,
				Err: common.Errorf(common.ErrCTimeout, "connection to %s not confirmed within %s", conn.peer, c.config.PendingTimeout)}
		case conn.state == StateActive && now.Sub(conn.lastActivity) > c.config.IdleTimeout:
			conn.state = StateIdle
			conn.idleSince = now
			ev = &Event{Kind: EventIdle, Peer: conn.peer}
		case conn.state == StateIdle && now.Sub(conn.idleSince) > c.config.IdleTimeout:
			ev = &Event{Kind: EventEvicted, Peer: conn.peer}
		}
		conn.mu.Unlock()

		if ev == nil {
			continue
		}
		if ev.Kind == EventIdle {
			c.emit(*ev, nil)
		} else if link := c.remove(conn); link != nil {
			c.emit(*ev, link)
		} else {
			continue
		}
		events = append(events, *ev)
	}
	return events
}

// Run sweeps periodically. Once the exit starts no new connections are admitted and
// the corral reports drained as soon as no connection is pending any more (at the latest
// after PendingTimeout). Established links stay usable for the drain of the other
// components and are closed when the exit finishes (or ctx ends).
func (c *Corral) Run(ctx context.Context, coord *exit.Coordinator) {
	c.run(ctx, coord, coord.Register("corral"))
}

// Start is Run in the background, the corral is registered with coord before Start returns
func (c *Corral) Start(ctx context.Context, coord *exit.Coordinator) {
	go c.run(ctx, coord, coord.Register("corral"))
}

func (c *Corral) run(ctx context.Context, coord *exit.Coordinator, done func()) {
	defer done()

	interval := c.config.SweepInterval
	if interval <= 0 {
		interval = min(c.config.PendingTimeout, c.config.IdleTimeout) / 2
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	started := coord.Started()
	var drainTimeout <-chan time.Time
	draining := false

	for {
		select {
		case <-ticker.C:
			c.Sweep(c.now())
		case <-started:
			started = nil
			draining = true
			c.closing.Store(true)
			drainTimeout = time.After(c.config.PendingTimeout)
			log.Infof("exit started, admitting no new connections")
		case <-drainTimeout:
			drainTimeout = nil
			done()
		case <-coord.Finished():
			c.CloseAll()
			return
		case <-ctx.Done():
			c.CloseAll()
			return
		}

		if draining && c.pendingCount() == 0 {
			done()
		}
	}
}

// pendingCount returns the number of connections waiting for Confirm
func (c *Corral) pendingCount() int {
	n := 0
	c.entries.Range(func(_ string, conn *Connection) bool {
		if conn.State() == StatePending {
			n++
		}
		return true
	})
	return n
}

// CloseAll removes every connection and closes the links
func (c *Corral) CloseAll() {
	var conns []*Connection
	c.entries.Range(func(_ string, conn *Connection) bool {
		conns = append(conns, conn)
		return true
	})
	for _, conn := range conns {
		if link := c.remove(conn); link != nil {
			c.emit(Event{Kind: EventClosed, Peer: conn.peer}, link)
		}
	}
	log.Infof("closed %d connections", len(conns))
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// noLink is returned by remove for entries without a link, so callers can tell
// "removed by this call" from "already removed"
type noLink struct{}

func (noLink) Close() error { return nil }

// remove deletes conn from the corral once. It returns the link to close, or nil if
// conn was already removed by someone else.
func (c *Corral) remove(conn *Connection) io.Closer {
	conn.mu.Lock()
	if conn.removed {
		conn.mu.Unlock()
		return nil
	}
	conn.removed = true
	link := conn.link
	conn.mu.Unlock()

	c.entries.Compute(conn.peer, func(old *Connection, loaded bool) (*Connection, bool) {
		return old, !loaded || old == conn
	})
	c.count.Add(-1)

	if link == nil {
		return noLink{}
	}
	return link
}

// emit closes link (if any), counts the event and hands it to the event handler
func (c *Corral) emit(ev Event, link io.Closer) {
	if link != nil {
		if err := link.Close(); err != nil {
			log.Debugf("closing link to %s: %v", ev.Peer, err)
		}
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`dproxy_corral_events_total{event=%q}`, ev.Kind)).Inc()
	if ev.Kind == EventTimedOut || ev.Kind == EventFailed {
		log.Warningf("connection %s", ev)
	} else {
		log.Debugf("connection %s", ev)
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}
