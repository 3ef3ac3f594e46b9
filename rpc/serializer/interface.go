package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dProxy/rpc/common"
)

// IRPCSerializer is the interface for all Message Serializers
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	Serialize(msg *common.Message) ([]byte, error)
	// Deserialize decodes b into msg. A header that violates the rpc invariants
	// (e.g. a request without sequence number) yields a protocol error.
	Deserialize(b []byte, msg *common.Message) error
}

// New returns the serializer with the given name (binary, json or gob)
func New(name string) (IRPCSerializer, error) {
	switch name {
	case "binary", "":
		return NewBinarySerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q (expected binary, json or gob)", name)
	}
}
