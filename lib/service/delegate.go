package service

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// Delegate forwards to Inner. ReadyFn and CallFn, if set, replace the forwarding of the
// respective method and receive the inner service as argument.
type Delegate[T any] struct {
	Inner   IService[T]
	ReadyFn func(inner IService[T]) bool
	CallFn  func(ctx context.Context, inner IService[T], msg *T) (*T, error)
}

func (d *Delegate[T]) Ready() bool {
	if d.ReadyFn != nil {
		return d.ReadyFn(d.Inner)
	}
	return d.Inner.Ready()
}

func (d *Delegate[T]) Call(ctx context.Context, msg *T) (*T, error) {
	if d.CallFn != nil {
		return d.CallFn(ctx, d.Inner, msg)
	}
	return d.Inner.Call(ctx, msg)
}

// --------------------------------------------------------------------------
// Instrumentation
// --------------------------------------------------------------------------

// Instrument wraps svc so that calls, consumed messages, errors and busy periods (the
// stage turning from ready to not ready) are counted per stage name:
//
//	dproxy_stage_calls_total{stage="<name>"}
//	dproxy_stage_consumed_total{stage="<name>"}
//	dproxy_stage_errors_total{stage="<name>"}
//	dproxy_stage_busy_total{stage="<name>"}
func Instrument[T any](name string, svc IService[T]) IService[T] {
	calls := metrics.GetOrCreateCounter(fmt.Sprintf(`dproxy_stage_calls_total{stage=%q}`, name))
	consumed := metrics.GetOrCreateCounter(fmt.Sprintf(`dproxy_stage_consumed_total{stage=%q}`, name))
	errs := metrics.GetOrCreateCounter(fmt.Sprintf(`dproxy_stage_errors_total{stage=%q}`, name))
	busy := metrics.GetOrCreateCounter(fmt.Sprintf(`dproxy_stage_busy_total{stage=%q}`, name))

	var wasBusy atomic.Bool
	return &Delegate[T]{
		Inner: svc,
		ReadyFn: func(inner IService[T]) bool {
			if inner.Ready() {
				wasBusy.Store(false)
				return true
			}
			// one busy period counts once, however often it is polled
			if !wasBusy.Swap(true) {
				busy.Inc()
			}
			return false
		},
		CallFn: func(ctx context.Context, inner IService[T], msg *T) (*T, error) {
			calls.Inc()
			out, err := inner.Call(ctx, msg)
			switch {
			case err != nil:
				errs.Inc()
				log.Debugf("stage %s failed: %v", name, err)
			case out == nil:
				consumed.Inc()
			}
			return out, err
		},
	}
}
