// Package unix implements the Unix domain socket transport. The sidecar uses it for
// its local endpoint (the one dproxy send talks to) and, if configured, for peer links
// between sidecars on the same machine.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners, removing a stale socket file first
//
// Framing, link queues and worker bounds are inherited from the base package.
package unix
