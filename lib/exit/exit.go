package exit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("exit")

// State is the phase reported by Notified
type State int

const (
	Running State = iota // no exit signal yet
	Exiting              // NotifyStart was called
	Exited               // NotifyFinish was called
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Exiting:
		return "exiting"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Coordinator broadcasts the two exit phases to any number of waiters
type Coordinator struct {
	exiting   atomic.Bool
	startOnce sync.Once
	endOnce   sync.Once
	started   chan struct{}
	finished  chan struct{}

	mu      sync.Mutex
	pending map[string]int
	drained chan struct{} // replaced whenever the last registered component finishes
}

// New creates a coordinator in the Running state
func New() *Coordinator {
	return &Coordinator{
		started:  make(chan struct{}),
		finished: make(chan struct{}),
		pending:  make(map[string]int),
		drained:  make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Broadcast
// --------------------------------------------------------------------------

// NotifyStart sets the exiting flag and wakes all current and future waiters on Started.
// Calling it more than once has no further effect.
func (c *Coordinator) NotifyStart() {
	c.startOnce.Do(func() {
		c.exiting.Store(true)
		close(c.started)
		log.Infof("graceful exit started")
	})
}

// NotifyFinish wakes all waiters on Finished. It implies NotifyStart.
func (c *Coordinator) NotifyFinish() {
	c.NotifyStart()
	c.endOnce.Do(func() {
		close(c.finished)
		log.Infof("graceful exit finished")
	})
}

// IsExiting is a cheap check whether NotifyStart was called
func (c *Coordinator) IsExiting() bool {
	return c.exiting.Load()
}

// Started is closed once NotifyStart was called
func (c *Coordinator) Started() <-chan struct{} {
	return c.started
}

// Finished is closed once NotifyFinish was called
func (c *Coordinator) Finished() <-chan struct{} {
	return c.finished
}

// Notified blocks until either phase fires and returns the phase observed.
// If both already fired, Exited is reported. If ctx ends first, its error is returned.
func (c *Coordinator) Notified(ctx context.Context) (State, error) {
	select {
	case <-c.finished:
		return Exited, nil
	default:
	}
	select {
	case <-c.started:
		return Exiting, nil
	case <-c.finished:
		return Exited, nil
	case <-ctx.Done():
		return Running, ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Drain registry
// --------------------------------------------------------------------------

// Register announces a component that has to drain before the exit finishes.
// The returned function reports the component as drained, calling it again is a no-op.
func (c *Coordinator) Register(name string) func() {
	c.mu.Lock()
	c.pending[name]++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.pending[name]--
			if c.pending[name] <= 0 {
				delete(c.pending, name)
			}
			log.Debugf("%s drained", name)
			if len(c.pending) == 0 {
				close(c.drained)
				c.drained = make(chan struct{})
			}
		})
	}
}

// Pending returns the sorted names of registered components that did not drain yet
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.pending))
	for name := range c.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown runs the whole protocol: NotifyStart, wait until every registered component
// drained or ctx ends, NotifyFinish. It returns the names still outstanding and ctx's
// error if the wait was cut short.
func (c *Coordinator) Shutdown(ctx context.Context) ([]string, error) {
	c.NotifyStart()
	defer c.NotifyFinish()

	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return nil, nil
		}
		drained := c.drained
		c.mu.Unlock()

		select {
		case <-drained:
		case <-ctx.Done():
			pending := c.Pending()
			log.Warningf("exit timeout, still draining: %v", pending)
			return pending, ctx.Err()
		}
	}
}
