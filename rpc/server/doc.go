// Package server implements the sidecar: the per-host process that routes messages
// between a local application and the sidecars of other nodes.
//
// The package focuses on:
//   - Accepting messages from the local application over shared memory rings, the local
//     endpoint (unix socket or tcp) and an optional HTTP ingress
//   - Running every message through an ordered pipeline of plugins
//   - Forwarding messages to other sidecars over connections kept in a corral
//   - Correlating requests and responses through the tracker
//   - Draining all of the above on a graceful exit
//
// Key Components:
//
//   - IPlugin: A pipeline stage. Plugins are initialized once with the node context and
//     then act as a service: they pass a message on, consume it or fail it.
//
//   - Built-in plugins: rpc (completes the sidecar's own calls), registry (adds nodes to
//     the runtime resolver), log (consumes log body types) and ratelimit (makes the
//     pipeline not ready while its token bucket is empty).
//
//   - BuildPipeline: Initializes the plugins in order and chains them in front of the
//     dispatcher. Every stage is instrumented under its name.
//
//   - Sidecar: Ties resolver, tracker, corral, pipeline and transports together.
//     Requests of the local application are re-numbered by the sidecar's tracker, the
//     response carries the original sequence number again.
//
// Message Flow:
//
//	application ──ring/local endpoint/http──▶ pipeline ──▶ dispatcher ──▶ peer sidecar
//	application ◀──ring/local endpoint───── dispatcher ◀── pipeline ◀── peer sidecar
//
// The dispatcher delivers messages addressed to the own node to the application and
// resolves every other destination to a peer address. Group messages (non-zero mask)
// are copied to every known node matching the destination under the mask.
//
// Usage Example:
//
//	config := common.DefaultSidecarConfig()
//	config.Ident = 0x0A000001
//	config.Nodes = []common.NodeDecl{{Ident: 0x0A000002, Address: "10.0.0.2:7070"}}
//
//	s, err := server.NewSidecar(config)
//	if err != nil {
//	  log.Fatalf("Invalid config: %v", err)
//	}
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := s.Run(ctx); err != nil {
//	  log.Fatalf("Sidecar error: %v", err)
//	}
package server
