package serializer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ValentinKolb/dProxy/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages covers every rpc kind and the optional fields
func testMessages() []*common.Message {
	req := common.NewRequest(0x0A000001, 0x0A000002, 42, "data", []byte("ping"))
	masked := common.NewMessage(7, 0x0A000000, "log.audit", []byte("to the group"))
	masked.Header.Mask = 0xFFFFFF00
	withPeer := common.NewNotification(1, 2, 0, "event", nil)
	withPeer.Peer = "10.0.0.1:7070"

	return []*common.Message{
		common.NewMessage(1, 2, "", nil),
		req,
		common.NewResponse(req, "data", []byte("pong")),
		withPeer,
		masked,
		common.NewRequest(1, 2, 0xFFFFFFFF, "data", []byte{}),
	}
}

func equalMessages(a, b *common.Message) bool {
	return a.Header == b.Header && bytes.Equal(a.Body, b.Body) && a.Peer == b.Peer
}

// TestSerializerRoundTrip tests that messages keep header, seq presence, body and peer
func TestSerializerRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			s := factory()

			for i, msg := range testMessages() {
				data, err := s.Serialize(msg)
				if err != nil {
					t.Fatalf("Failed to serialize message %d: %v", i, err)
				}

				var result common.Message
				if err := s.Deserialize(data, &result); err != nil {
					t.Fatalf("Failed to deserialize message %d: %v", i, err)
				}

				if !equalMessages(msg, &result) {
					t.Errorf("Message %d changed in round trip:\n  sent %s\n  got  %s", i, msg, &result)
				}
				if msg.Header.HasSeq() != result.Header.HasSeq() {
					t.Errorf("Message %d lost the seq presence flag", i)
				}
			}
		})
	}
}

// TestRequestWithoutSeq tests that a header with rpc kind but without sequence number is rejected
func TestRequestWithoutSeq(t *testing.T) {
	bad := common.NewMessage(1, 2, "data", []byte("x"))
	bad.Header.Kind = common.RPCKindRequest

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			s := factory()
			data, err := s.Serialize(bad)
			if err != nil {
				t.Fatalf("Serialize should not validate, got %v", err)
			}

			var result common.Message
			err = s.Deserialize(data, &result)
			if !errors.Is(err, common.ErrProtocol) {
				t.Errorf("Expected protocol error, got %v", err)
			}
		})
	}
}

// TestBinaryMalformed tests truncated and corrupted binary input
func TestBinaryMalformed(t *testing.T) {
	s := NewBinarySerializer()
	data, err := s.Serialize(common.NewRequest(1, 2, 3, "data", []byte("payload")))
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string][]byte{
		"empty":          {},
		"truncated":      data[:len(data)-1],
		"header only":    data[:common.HeaderSize(common.NewRequest(1, 2, 3, "data", nil).Header)],
		"trailing bytes": append(append([]byte{}, data...), 0),
		"unknown kind":   append([]byte{9}, data[1:]...),
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			var msg common.Message
			if err := s.Deserialize(input, &msg); !errors.Is(err, common.ErrProtocol) {
				t.Errorf("Expected protocol error, got %v", err)
			}
		})
	}
}

// TestBinaryNilVsEmptyBody tests that the binary format keeps nil and empty bodies apart
func TestBinaryNilVsEmptyBody(t *testing.T) {
	s := NewBinarySerializer()

	for _, body := range [][]byte{nil, {}} {
		data, _ := s.Serialize(common.NewMessage(1, 2, "t", body))
		var msg common.Message
		if err := s.Deserialize(data, &msg); err != nil {
			t.Fatal(err)
		}
		if (body == nil) != (msg.Body == nil) {
			t.Errorf("body nil-ness changed: sent nil=%v, got nil=%v", body == nil, msg.Body == nil)
		}
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"binary", "json", "gob", ""} {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q) failed: %v", name, err)
		}
	}
	if _, err := New("xml"); err == nil {
		t.Error("New should reject unknown serializers")
	}
}
