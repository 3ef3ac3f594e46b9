// Package rpc provides the messaging layer of the sidecar. It carries messages between
// the local application, the sidecar and the sidecars of other nodes.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, the error taxonomy, configuration structures,
//     and logging.
//
//   - transport: Link abstractions with pluggable implementations (TCP, Unix sockets)
//     plus the HTTP ingress.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: Client of the sidecar's local endpoint, used by applications that do not
//     attach to the shared memory rings.
//
//   - server: The sidecar itself, its plugin pipeline and the dispatcher.
package rpc
