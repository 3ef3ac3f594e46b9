// Package base provides the protocol independent part of the sidecar's link transports
// (TCP, Unix sockets). Protocol specific behaviour is injected through connectors.
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - link: One established connection. Outbound frames are pushed to a lock-free MPSC
//     queue and written by a dedicated writer goroutine, so many pipeline workers can
//     send over the same link without holding a lock during the write. Inbound frames
//     are read by a reader goroutine and dispatched to the frame handler, with a
//     semaphore bounding the handlers running per link.
//
//   - serverTransport: Accepts connections and turns each into a link.
//
//   - clientTransport: Dials links with retries and exponential backoff with jitter.
//
// Frame format:
//
//	4 bytes destination ident | 4 bytes payload length | payload
//
// Both numbers are big endian. The frame header is written together with the payload
// through net.Buffers, which combines them into a single write where possible.
package base
