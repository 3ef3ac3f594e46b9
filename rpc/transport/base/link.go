package base

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dProxy/lib/util"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/ValentinKolb/dProxy/rpc/transport"
)

// LinkConfig configures links created by the base client and server
type LinkConfig struct {
	// WorkersPerLink bounds the concurrently running frame handlers of one link
	WorkersPerLink int
	// MaxFrameSize bounds the payload of inbound frames
	MaxFrameSize uint32
	// WriteTimeout bounds a single frame write and the flush on Close, 0 = no timeout
	WriteTimeout time.Duration
	// RetryCount is the number of dial attempts of the client, at least 1
	RetryCount int
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.WorkersPerLink < 1 {
		c.WorkersPerLink = 1
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.RetryCount < 1 {
		c.RetryCount = 1
	}
	return c
}

// frame is one queued outbound frame
type frame struct {
	dest    uint32
	payload []byte
}

// link implements transport.ILink on top of a net.Conn.
// A writer goroutine drains the send queue, a reader goroutine dispatches inbound
// frames to the handler with at most WorkersPerLink handlers running.
type link struct {
	conn    net.Conn
	remote  string
	config  LinkConfig
	handler transport.FrameHandler

	queue      *util.LockFreeMPSC[frame]
	writerDone chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// newLink wraps conn and starts the reader and writer goroutines
func newLink(conn net.Conn, handler transport.FrameHandler, config LinkConfig) *link {
	l := &link{
		conn:       conn,
		remote:     conn.RemoteAddr().String(),
		config:     config,
		handler:    handler,
		queue:      util.NewLockFreeMPSC[frame](),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go l.writeLoop()
	go l.readLoop()
	return l
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ILink)
// --------------------------------------------------------------------------

func (l *link) Send(dest uint32, payload []byte) error {
	select {
	case <-l.done:
		return common.Errorf(common.ErrCTransport, "link to %s is closed", l.remote)
	default:
	}
	if !l.queue.Push(&frame{dest: dest, payload: payload}) {
		return common.Errorf(common.ErrCTransport, "link to %s is closed", l.remote)
	}
	return nil
}

func (l *link) Remote() string {
	return l.remote
}

func (l *link) Done() <-chan struct{} {
	return l.done
}

func (l *link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *link) Close() error {
	l.closeOnce.Do(func() {
		l.queue.Close()

		// flush what is queued
		var timeout <-chan time.Time
		if l.config.WriteTimeout > 0 {
			timer := time.NewTimer(l.config.WriteTimeout)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-l.writerDone:
		case <-timeout:
			Logger.Warningf("Dropping %d queued frames to %s on close", l.queue.Len(), l.remote)
		}

		l.conn.Close()
		close(l.done)
	})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// fail closes the link because of err
func (l *link) fail(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()

		l.queue.Close()
		l.conn.Close()
		close(l.done)
		Logger.Warningf("Link to %s failed: %v", l.remote, err)
	})
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// writeLoop writes queued frames until the queue is closed and drained
func (l *link) writeLoop() {
	defer close(l.writerDone)

	failed := false
	for f := range l.queue.Recv() {
		if failed {
			continue // discard, the link is gone
		}
		if l.config.WriteTimeout > 0 {
			if err := l.conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout)); err != nil {
				l.fail(common.Errorf(common.ErrCTransport, "failed to set write deadline: %v", err))
				failed = true
				continue
			}
		}
		if err := writeFrame(l.conn, f.dest, f.payload); err != nil {
			l.fail(common.Errorf(common.ErrCTransport, "write to %s: %v", l.remote, err))
			failed = true
		}
	}
}

// readLoop reads frames and hands them to the handler
func (l *link) readLoop() {
	workerSemaphore := make(chan struct{}, l.config.WorkersPerLink)
	var wg sync.WaitGroup
	defer wg.Wait()

	header := make([]byte, frameHeaderSize)
	for {
		dest, payload, err := readFrame(l.conn, header, l.config.MaxFrameSize)
		if err != nil {
			switch {
			case l.closed():
			case errors.Is(err, io.EOF):
				Logger.Debugf("Link closed by %s", l.remote)
				l.Close()
			default:
				l.fail(common.Errorf(common.ErrCTransport, "read from %s: %v", l.remote, err))
			}
			return
		}

		if l.handler == nil {
			continue
		}

		// blocks while WorkersPerLink handlers are running
		workerSemaphore <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-workerSemaphore
				wg.Done()
			}()
			l.handler(l, dest, payload)
		}()
	}
}
