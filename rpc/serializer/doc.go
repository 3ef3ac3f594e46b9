// Package serializer encodes and decodes the sidecar's messages for the network leg,
// the local endpoint and the shared-memory rings.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//     Deserialize validates the header, so a message claiming to be a request, response
//     or notification without a sequence number is rejected with a protocol error.
//
//   - binarySerializerImpl: Compact custom format. The header uses the layout of
//     common.AppendHeader, followed by a flags byte that marks which optional fields
//     (peer, body) follow. Recommended for production use.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging or when the application
//     on the other side of the ring is not written in Go.
//
//   - gobSerializerImpl: Go's gob encoding. The header is embedded in its binary form.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, err := serializer.New("binary")
//	data, err := s.Serialize(msg)
//	// ... send data ...
//	var received common.Message
//	err = s.Deserialize(data, &received)
package serializer
