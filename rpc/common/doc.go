// Package common provides core data structures and utilities shared across
// the sidecar. It defines the message model, the error taxonomy, configuration
// structures and the logging setup used by every other package.
//
// Key Components:
//
//   - Message / Header: The unit routed through the sidecar. The header carries the
//     rpc kind (request, response, notification or none), the sequence number used for
//     correlation, the body type tag used for pipeline routing and the addressing fields
//     (source, destination and an optional group mask).
//
//   - Error: Typed error with codes for NotFound, Timeout, Backpressure, ShuttingDown,
//     Cancelled, Protocol and Transport failures. Errors match by code with errors.Is,
//     so callers compare against the ErrXxx sentinels.
//
//   - SidecarConfig / ClientConfig: Configuration of a sidecar instance and of a client
//     of its local endpoint. Both render a readable dump through String().
//
//   - NodeContext: The local node's identity. It is created once at startup and passed
//     explicitly to the components that need it.
//
//   - Logger: Custom logging implementation plugged into dragonboat's logger package,
//     giving every package a named logger with a consistent format.
package common
