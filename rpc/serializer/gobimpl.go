package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/dProxy/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format.
// The header travels in its binary form (common.Header implements encoding.BinaryMarshaler).
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob encoding
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Serialize(msg *common.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	dec := gob.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(msg); err != nil {
		if code := common.CodeOf(err); code == common.ErrCProtocol {
			return err
		}
		return common.Errorf(common.ErrCProtocol, "invalid gob message: %v", err)
	}
	return msg.Header.Validate()
}
