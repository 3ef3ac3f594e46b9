package base

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/ValentinKolb/dProxy/rpc/common"
)

const (
	frameHeaderSize = 8

	// DefaultMaxFrameSize bounds the payload of a single frame
	DefaultMaxFrameSize = 16 << 20
)

// writeFrame writes a frame with the format:
// - 4 bytes: destination ident (uint32, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, dest uint32, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header[:4], dest)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one frame. header is a reusable buffer of at least frameHeaderSize bytes,
// the returned payload is freshly allocated. Frames larger than maxSize are rejected.
func readFrame(r io.Reader, header []byte, maxSize uint32) (uint32, []byte, error) {
	if len(header) < frameHeaderSize {
		header = make([]byte, frameHeaderSize)
	}
	if _, err := io.ReadFull(r, header[:frameHeaderSize]); err != nil {
		return 0, nil, err
	}

	dest := binary.BigEndian.Uint32(header[:4])
	contentLength := binary.BigEndian.Uint32(header[4:8])
	if contentLength > maxSize {
		return 0, nil, common.Errorf(common.ErrCProtocol, "frame of %d bytes exceeds limit %d", contentLength, maxSize)
	}

	data := make([]byte, contentLength)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return dest, data, nil
}
