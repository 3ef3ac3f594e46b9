// Package http implements the optional HTTP ingress of a sidecar and a small client for it.
//
// Endpoints:
//
//   - POST /{destination}: the request body becomes the body of a plain (non rpc) message
//     to the destination ident (decimal, 0x hex or a name hashed to an ident). The body
//     type is taken from the X-Body-Type header, an optional X-Mask header turns the
//     message into a group message. 202 means the message was accepted by the pipeline,
//     404 the destination is unknown, 503 the sidecar is overloaded or shutting down.
//
//   - GET /metrics: all counters in the Prometheus text format.
//
// The client retries connection errors and 503 responses with exponential backoff.
// Request logging is enabled with the debug log level.
package http
