package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dProxy/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format:
//   - header as written by common.AppendHeader
//   - 1 byte: flags (hasBody, hasPeer)
//   - 2 bytes + N bytes: peer (only if hasPeer)
//   - 4 bytes + N bytes: body (only if hasBody)
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasBody byte = 1 << 0
	hasPeer byte = 1 << 1
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg *common.Message) ([]byte, error) {
	if len(msg.Peer) > 0xFFFF {
		return nil, fmt.Errorf("peer address too long: %d bytes", len(msg.Peer))
	}
	if len(msg.Header.BodyType) > 0xFFFF {
		return nil, fmt.Errorf("body type too long: %d bytes", len(msg.Header.BodyType))
	}

	result := make([]byte, 0, b.sizeBytes(msg))
	result = common.AppendHeader(result, msg.Header)

	var flags byte
	if msg.Body != nil {
		flags |= hasBody
	}
	if msg.Peer != "" {
		flags |= hasPeer
	}
	result = append(result, flags)

	if msg.Peer != "" {
		result = binary.BigEndian.AppendUint16(result, uint16(len(msg.Peer)))
		result = append(result, msg.Peer...)
	}
	if msg.Body != nil {
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.Body)))
		result = append(result, msg.Body...)
	}
	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	header, pos, err := common.ReadHeader(data)
	if err != nil {
		return err
	}

	if len(data) < pos+1 {
		return common.NewError(common.ErrCProtocol, "message too short for flags")
	}
	flags := data[pos]
	pos++

	*msg = common.Message{Header: header}

	if flags&hasPeer != 0 {
		if len(data) < pos+2 {
			return common.NewError(common.ErrCProtocol, "message too short for peer length")
		}
		peerLen := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if len(data) < pos+peerLen {
			return common.NewError(common.ErrCProtocol, "message too short for peer")
		}
		msg.Peer = string(data[pos : pos+peerLen])
		pos += peerLen
	}

	if flags&hasBody != 0 {
		if len(data) < pos+4 {
			return common.NewError(common.ErrCProtocol, "message too short for body length")
		}
		bodyLen := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if bodyLen < 0 || len(data)-pos < bodyLen {
			return common.NewError(common.ErrCProtocol, "message too short for body")
		}
		msg.Body = make([]byte, bodyLen)
		copy(msg.Body, data[pos:pos+bodyLen])
		pos += bodyLen
	}

	if pos != len(data) {
		return common.Errorf(common.ErrCProtocol, "%d trailing bytes after message", len(data)-pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the exact size needed for the serialized message
func (b binarySerializerImpl) sizeBytes(msg *common.Message) int {
	size := common.HeaderSize(msg.Header) + 1
	if msg.Peer != "" {
		size += 2 + len(msg.Peer)
	}
	if msg.Body != nil {
		size += 4 + len(msg.Body)
	}
	return size
}
