package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("pipeline")

// IService is one processing stage
type IService[T any] interface {
	// Ready reports without blocking whether Call would accept work right now
	Ready() bool

	// Call processes msg. A nil result with a nil error means msg was consumed.
	Call(ctx context.Context, msg *T) (*T, error)
}

// ErrBusy is returned by Call when a stage filled up between the readiness check and
// the call. It matches common.ErrBackpressure, but only ErrBusy makes ReadyCall retry.
var ErrBusy error = &busyError{}

type busyError struct{}

func (*busyError) Error() string { return "Backpressure: service busy" }

func (*busyError) Is(target error) bool {
	return common.CodeOf(target) == common.ErrCBackpressure
}

// --------------------------------------------------------------------------
// Chain
// --------------------------------------------------------------------------

type chain[T any] struct {
	first  IService[T]
	second IService[T]
}

// Chain runs first and, if it forwarded the message, second with first's result
func Chain[T any](first, second IService[T]) IService[T] {
	return &chain[T]{first: first, second: second}
}

// Pipeline chains the stages in order. Without stages every message is forwarded unchanged.
func Pipeline[T any](stages ...IService[T]) IService[T] {
	if len(stages) == 0 {
		return Func[T](func(_ context.Context, msg *T) (*T, error) { return msg, nil })
	}
	svc := stages[len(stages)-1]
	for i := len(stages) - 2; i >= 0; i-- {
		svc = Chain(stages[i], svc)
	}
	return svc
}

func (c *chain[T]) Ready() bool {
	return c.first.Ready() && c.second.Ready()
}

func (c *chain[T]) Call(ctx context.Context, msg *T) (*T, error) {
	out, err := c.first.Call(ctx, msg)
	if err != nil || out == nil {
		return nil, err
	}

	// first already ran, a busy second is retried on its own
	for {
		res, err := c.second.Call(ctx, out)
		if !errors.Is(err, ErrBusy) {
			return res, err
		}
		log.Debugf("stage busy after ready check, waiting again")
		if err := AwaitReady(ctx, c.second); err != nil {
			return nil, err
		}
	}
}

// --------------------------------------------------------------------------
// Func
// --------------------------------------------------------------------------

// Func adapts a function to an always ready service
type Func[T any] func(ctx context.Context, msg *T) (*T, error)

func (f Func[T]) Ready() bool { return true }

func (f Func[T]) Call(ctx context.Context, msg *T) (*T, error) {
	return f(ctx, msg)
}

// --------------------------------------------------------------------------
// Cell
// --------------------------------------------------------------------------

// Cell is a write-once slot for a service. Using it before Set is a wiring bug and panics.
type Cell[T any] struct {
	svc atomic.Pointer[IService[T]]
}

// NewCell creates an empty cell
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{}
}

// Set stores svc. Only the first call succeeds.
func (c *Cell[T]) Set(svc IService[T]) error {
	if svc == nil {
		return fmt.Errorf("cannot store a nil service")
	}
	if !c.svc.CompareAndSwap(nil, &svc) {
		return fmt.Errorf("service cell is already set")
	}
	return nil
}

// IsSet reports whether Set succeeded
func (c *Cell[T]) IsSet() bool {
	return c.svc.Load() != nil
}

func (c *Cell[T]) get() IService[T] {
	p := c.svc.Load()
	if p == nil {
		panic("service cell used before it was set")
	}
	return *p
}

func (c *Cell[T]) Ready() bool {
	return c.get().Ready()
}

func (c *Cell[T]) Call(ctx context.Context, msg *T) (*T, error) {
	return c.get().Call(ctx, msg)
}

// --------------------------------------------------------------------------
// ReadyCall
// --------------------------------------------------------------------------

const (
	readyPollMin = 50 * time.Microsecond
	readyPollMax = 10 * time.Millisecond
)

// AwaitReady blocks until svc is ready or ctx ends. Readiness is polled with
// exponential backoff.
func AwaitReady[T any](ctx context.Context, svc IService[T]) error {
	if svc.Ready() {
		return nil
	}

	wait := readyPollMin
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if svc.Ready() {
			return nil
		}
		wait *= 2
		if wait > readyPollMax {
			wait = readyPollMax
		}
		timer.Reset(wait)
	}
}

// ReadyCall waits until svc is ready and calls it. If the call reports ErrBusy the
// readiness wait starts over, so svc is never called while it is known to be busy.
// Chains resume at the busy stage themselves, so a busy error reaching ReadyCall
// comes from a stage that did not process msg yet.
func ReadyCall[T any](ctx context.Context, svc IService[T], msg *T) (*T, error) {
	for {
		if err := AwaitReady(ctx, svc); err != nil {
			return nil, err
		}
		out, err := svc.Call(ctx, msg)
		if errors.Is(err, ErrBusy) {
			log.Debugf("service busy after ready check, waiting again")
			continue
		}
		return out, err
	}
}
