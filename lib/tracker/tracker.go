package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dProxy/lib/exit"
	"github.com/ValentinKolb/dProxy/rpc/common"
	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

var log = logger.GetLogger("tracker")

var orphansTotal = vmetrics.NewCounter("dproxy_tracker_orphans_total")

// drainPollInterval is how often Drain checks whether all calls completed
const drainPollInterval = 5 * time.Millisecond

// Config holds the tracker limits
type Config struct {
	// QueueSize bounds the number of live calls
	QueueSize int
	// ExitTimeout bounds how long Drain waits for live calls
	ExitTimeout time.Duration
	// CallTimeout is the deadline of a single call, ExitTimeout if zero
	CallTimeout time.Duration
}

// Tracker owns all PendingCalls from Request until completion
type Tracker struct {
	config   Config
	nextSeq  atomic.Uint32
	live     atomic.Int64 // reserved slots, may briefly exceed the map size
	draining atomic.Bool
	pending  *xsync.MapOf[uint32, *PendingCall]

	completed atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64
	orphans   atomic.Uint64
	latency   gometrics.Timer
}

// New creates a tracker. A non-positive QueueSize is treated as 1.
func New(config Config) *Tracker {
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = config.ExitTimeout
	}
	return &Tracker{
		config:  config,
		pending: xsync.NewMapOf[uint32, *PendingCall](),
		latency: gometrics.NewTimer(),
	}
}

// --------------------------------------------------------------------------
// Pending Call
// --------------------------------------------------------------------------

// PendingCall is the single-use result slot of one outstanding request
type PendingCall struct {
	seq      uint32
	started  time.Time
	deadline time.Time
	tracker  *Tracker

	once sync.Once
	done chan struct{}
	msg  *common.Message
	err  error

	timerMu sync.Mutex
	timer   *time.Timer
}

// Seq returns the sequence number the request has to carry
func (c *PendingCall) Seq() uint32 { return c.seq }

// Deadline returns the instant the call times out
func (c *PendingCall) Deadline() time.Time { return c.deadline }

// Done is closed once the call completed
func (c *PendingCall) Done() <-chan struct{} { return c.done }

// Wait blocks until the call completed and returns the response or the failure.
// If ctx ends first the call is cancelled and its slot freed.
func (c *PendingCall) Wait(ctx context.Context) (*common.Message, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.tracker.finish(c, nil, common.Errorf(common.ErrCCancelled, "rpc call %d: %v", c.seq, ctx.Err()))
		<-c.done
	}
	return c.msg, c.err
}

// Abandon cancels a call whose request could not be sent
func (c *PendingCall) Abandon() {
	c.tracker.finish(c, nil, common.Errorf(common.ErrCCancelled, "rpc call %d abandoned", c.seq))
}

// --------------------------------------------------------------------------
// Request / Deliver
// --------------------------------------------------------------------------

// Request registers a new call. It never blocks: a full tracker fails with ErrBackpressure,
// a draining tracker with ErrShuttingDown.
func (t *Tracker) Request(ctx context.Context) (*PendingCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errorf(common.ErrCCancelled, "%v", err)
	}
	if t.draining.Load() {
		return nil, common.NewError(common.ErrCShuttingDown, "tracker is draining")
	}
	if n := t.live.Add(1); n > int64(t.config.QueueSize) {
		t.live.Add(-1)
		return nil, common.Errorf(common.ErrCBackpressure, "%d calls pending", t.config.QueueSize)
	}

	now := time.Now()
	call := &PendingCall{
		started:  now,
		deadline: now.Add(t.config.CallTimeout),
		tracker:  t,
		done:     make(chan struct{}),
	}

	// at most QueueSize seqs are live, so a free one is found within QueueSize+1 tries
	for {
		call.seq = t.nextSeq.Add(1)
		if _, loaded := t.pending.LoadOrStore(call.seq, call); !loaded {
			break
		}
	}

	// a Drain that started meanwhile may have missed the new entry
	if t.draining.Load() {
		t.finish(call, nil, common.NewError(common.ErrCShuttingDown, "tracker is draining"))
		return nil, call.err
	}

	call.timerMu.Lock()
	call.timer = time.AfterFunc(t.config.CallTimeout, func() {
		if t.finish(call, nil, common.Errorf(common.ErrCTimeout, "rpc call %d", call.seq)) {
			t.timedOut.Add(1)
			log.Debugf("rpc call %d timed out", call.seq)
		}
	})
	call.timerMu.Unlock()

	return call, nil
}

// Deliver completes the call matching a Response or Notification. Messages without a
// live call are orphans: they are counted and false is returned, they are never an error.
func (t *Tracker) Deliver(msg *common.Message) bool {
	h := msg.Header
	if !(h.IsRsp() || h.IsNtf()) || !h.HasSeq() {
		return false
	}

	call, ok := t.pending.Load(h.Seq)
	if ok && t.finish(call, msg, nil) {
		t.completed.Add(1)
		t.latency.UpdateSince(call.started)
		return true
	}

	t.orphans.Add(1)
	orphansTotal.Inc()
	log.Debugf("dropping orphan %s", msg)
	return false
}

// Send registers a call for req, stamps req with the call's seq and hands it to send.
// It then waits for the matching response.
func (t *Tracker) Send(ctx context.Context, req *common.Message, send func(*common.Message) error) (*common.Message, error) {
	call, err := t.Request(ctx)
	if err != nil {
		return nil, err
	}

	req.Header.Kind = common.RPCKindRequest
	req.Header = req.Header.WithSeq(call.Seq())

	if err := send(req); err != nil {
		call.Abandon()
		return nil, err
	}
	return call.Wait(ctx)
}

// finish completes call once and frees its slot. It reports whether this was the completing call.
func (t *Tracker) finish(call *PendingCall, msg *common.Message, err error) bool {
	won := false
	call.once.Do(func() {
		won = true

		call.timerMu.Lock()
		if call.timer != nil {
			call.timer.Stop()
		}
		call.timerMu.Unlock()

		// only remove the entry if the seq was not reused by a newer call
		t.pending.Compute(call.seq, func(old *PendingCall, loaded bool) (*PendingCall, bool) {
			return old, !loaded || old == call
		})
		t.live.Add(-1)

		call.msg, call.err = msg, err
		close(call.done)
	})
	return won
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Drain stops admitting new calls, waits up to ExitTimeout (or until ctx ends) for the
// live calls to complete and cancels the remaining ones. It returns the number of
// cancelled calls.
func (t *Tracker) Drain(ctx context.Context) int {
	t.draining.Store(true)
	log.Infof("draining %d pending calls", t.pending.Size())

	ctx, cancel := context.WithTimeout(ctx, t.config.ExitTimeout)
	defer cancel()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

wait:
	for t.live.Load() > 0 {
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
		}
	}

	cancelled := 0
	t.pending.Range(func(_ uint32, call *PendingCall) bool {
		if t.finish(call, nil, common.Errorf(common.ErrCCancelled, "rpc call %d cancelled by shutdown", call.seq)) {
			cancelled++
		}
		return true
	})
	t.cancelled.Add(uint64(cancelled))

	if cancelled > 0 {
		log.Warningf("cancelled %d calls still pending after drain", cancelled)
	}
	return cancelled
}

// IsDraining reports whether Drain was called
func (t *Tracker) IsDraining() bool {
	return t.draining.Load()
}

// Run waits for the exit start signal (or ctx) and drains the tracker,
// then reports the tracker as drained to the coordinator.
func (t *Tracker) Run(ctx context.Context, coord *exit.Coordinator) {
	t.run(ctx, coord, coord.Register("tracker"))
}

// Start is Run in the background. The tracker is registered with coord before
// Start returns, so a shutdown started right after still waits for the drain.
func (t *Tracker) Start(ctx context.Context, coord *exit.Coordinator) {
	go t.run(ctx, coord, coord.Register("tracker"))
}

func (t *Tracker) run(ctx context.Context, coord *exit.Coordinator, done func()) {
	defer done()

	select {
	case <-coord.Started():
	case <-ctx.Done():
	}
	t.Drain(context.Background())
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats is a snapshot of the tracker counters
type Stats struct {
	Pending     int
	Completed   uint64
	TimedOut    uint64
	Cancelled   uint64
	Orphans     uint64
	MeanLatency time.Duration
	P99Latency  time.Duration
}

// Stats returns the current counters
func (t *Tracker) Stats() Stats {
	snap := t.latency.Snapshot()
	return Stats{
		Pending:     t.pending.Size(),
		Completed:   t.completed.Load(),
		TimedOut:    t.timedOut.Load(),
		Cancelled:   t.cancelled.Load(),
		Orphans:     t.orphans.Load(),
		MeanLatency: time.Duration(snap.Mean()),
		P99Latency:  time.Duration(snap.Percentile(0.99)),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("pending=%d completed=%d timed_out=%d cancelled=%d orphans=%d latency(mean=%s p99=%s)",
		s.Pending, s.Completed, s.TimedOut, s.Cancelled, s.Orphans, s.MeanLatency, s.P99Latency)
}
