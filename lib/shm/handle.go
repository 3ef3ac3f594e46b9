package shm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/dProxy/rpc/common"
)

const (
	waitMin = 20 * time.Microsecond
	waitMax = 5 * time.Millisecond
)

// noCopy makes go vet report copies of the handles
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// handle is the state behind a Sender or Receiver
type handle struct {
	m        *mapping
	lock     chan struct{} // cooperative lock, a token in the channel means "held"
	released chan struct{}
	once     sync.Once
}

func newHandle(m *mapping) *handle {
	return &handle{
		m:        m,
		lock:     make(chan struct{}, 1),
		released: make(chan struct{}),
	}
}

func errReleased() error {
	return common.NewError(common.ErrCTransport, "ring handle released")
}

// acquire takes the handle lock, giving up when ctx ends or the handle is released
func (h *handle) acquire(ctx context.Context) error {
	select {
	case h.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.released:
		return errReleased()
	}
	select {
	case <-h.released:
		<-h.lock
		return errReleased()
	default:
		return nil
	}
}

// tryAcquire takes the handle lock if it is free. It reports false if another
// operation holds it.
func (h *handle) tryAcquire() (bool, error) {
	select {
	case <-h.released:
		return false, errReleased()
	default:
	}
	select {
	case h.lock <- struct{}{}:
	default:
		return false, nil
	}
	select {
	case <-h.released:
		<-h.lock
		return false, errReleased()
	default:
		return true, nil
	}
}

func (h *handle) unlock() {
	<-h.lock
}

// wait retries op with exponential backoff while it reports retry
func (h *handle) wait(ctx context.Context, retry error, op func() error) error {
	delay := waitMin
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		err := op()
		if !errors.Is(err, retry) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.released:
			return errReleased()
		case <-timer.C:
		}
		delay *= 2
		if delay > waitMax {
			delay = waitMax
		}
		timer.Reset(delay)
	}
}

// release gives up the handle once. Waiting operations are aborted, the operation in
// flight is waited for, then last runs (if set) before the mapping is dropped.
func (h *handle) release(last func()) {
	h.once.Do(func() {
		close(h.released)
		h.lock <- struct{}{}
		if last != nil {
			last()
		}
		<-h.lock
		h.m.release()
	})
}

// --------------------------------------------------------------------------
// Sender
// --------------------------------------------------------------------------

// Sender is the only writing side of a ring. It must not be copied.
type Sender struct {
	noCopy noCopy
	*handle
}

// TryPush appends payload without waiting. It returns ErrFull if the ring has no room
// or another Push of this sender is in progress.
func (s *Sender) TryPush(payload []byte) error {
	ok, err := s.tryAcquire()
	if err != nil {
		return err
	}
	if !ok {
		return ErrFull
	}
	defer s.unlock()
	return s.m.tryPush(payload)
}

// Push appends payload, waiting for room until ctx ends
func (s *Sender) Push(ctx context.Context, payload []byte) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.unlock()
	return s.wait(ctx, ErrFull, func() error { return s.m.tryPush(payload) })
}

// Close marks the ring as closed for the receiver and releases the sender.
// The receiver still gets every record pushed before.
func (s *Sender) Close() {
	s.release(s.m.markClosed)
}

// Release gives up the sender without closing the ring, e.g. because another process owns it
func (s *Sender) Release() {
	s.release(nil)
}

// --------------------------------------------------------------------------
// Receiver
// --------------------------------------------------------------------------

// Receiver is the only reading side of a ring. It must not be copied.
type Receiver struct {
	noCopy noCopy
	*handle
}

// TryPop removes the next record without waiting. It returns ErrEmpty if there is none
// or another Pop of this receiver is in progress.
func (r *Receiver) TryPop() ([]byte, error) {
	ok, err := r.tryAcquire()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmpty
	}
	defer r.unlock()
	return r.m.tryPop()
}

// Pop removes the next record, waiting for one until ctx ends.
// It returns ErrClosed once the sender closed the ring and all records were read.
func (r *Receiver) Pop(ctx context.Context) ([]byte, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.unlock()

	var payload []byte
	err := r.wait(ctx, ErrEmpty, func() error {
		var err error
		payload, err = r.m.tryPop()
		return err
	})
	return payload, err
}

// Release gives up the receiver
func (r *Receiver) Release() {
	r.release(nil)
}
