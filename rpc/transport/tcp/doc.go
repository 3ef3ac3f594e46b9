// Package tcp implements the TCP transport used for links between sidecars.
// It provides concrete implementations of the base package's connector interfaces,
// everything else (framing, link queues, worker bounds) is inherited from base.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
//
// Both ends disable Nagle's algorithm, enable keep-alive and use 512 KB socket buffers.
package tcp
