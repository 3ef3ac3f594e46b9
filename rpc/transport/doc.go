// Package transport defines the network leg of the sidecar. A link is a bidirectional
// stream of frames, each addressed to a destination ident, so one connection between
// two sidecars carries the traffic of all nodes behind them in both directions.
//
// Key Components:
//
//   - ILink: An established connection. Sending only queues the frame, a dedicated
//     writer goroutine per link performs the writes.
//
//   - IRPCServerTransport: Accepts links and hands their frames to a FrameHandler.
//
//   - IRPCClientTransport: Dials links with retries.
//
// The implementations live in the subpackages: base holds the protocol independent
// link, server and client, tcp and unix provide the connectors, http provides the
// optional HTTP ingress and the metrics endpoint.
package transport
