// Package service provides the composable processing abstraction the sidecar pipeline is
// built from.
//
// A service has a non-blocking readiness check and a call. The call either forwards a
// message (the same one or a replacement), consumes it (nil result, nothing further
// happens) or fails with an error that aborts processing of this message only.
//
// Backpressure travels upwards through readiness: Chain is ready only if all of its
// stages are ready, so a saturated stage at the end of the pipeline makes the transport
// pause pulling new messages. ReadyCall is the two-step "await ready, then call" bridge
// used by every caller of a pipeline.
//
// Cell is a write-once slot that lets the pipeline reference the terminal dispatcher
// before the dispatcher exists. Delegate is the generic forwarding adapter used to wrap
// services, e.g. by Instrument.
package service
