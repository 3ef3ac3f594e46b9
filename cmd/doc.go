// Package cmd implements the command-line interface of the dProxy sidecar. It provides
// a hierarchical command structure for running the sidecar and talking to it as a client.
//
// The package is organized into several subpackages:
//
//   - run: Commands for starting the sidecar (run) and printing its configuration (dump)
//   - send: Commands for sending messages through a running sidecar (send, perf)
//   - daemon: Commands for managing a sidecar in the background (start, stop, status)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dproxy -help for a list of all commands.
package cmd
