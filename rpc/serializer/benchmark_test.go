package serializer

import (
	"testing"

	"github.com/ValentinKolb/dProxy/rpc/common"
)

// benchmarkMessages returns a set of messages for targeted benchmarking
func benchmarkMessages() map[string]*common.Message {
	return map[string]*common.Message{
		"Plain":        common.NewMessage(1, 2, "", nil),
		"SmallRequest": common.NewRequest(1, 2, 1, "data", []byte("v")),
		"LogLine":      common.NewMessage(1, 2, "log", []byte("level=info msg=\"request handled\" duration=12ms")),
		"LargeBody":    common.NewRequest(1, 2, 1, "data", make([]byte, 1024)),
		"HugeBody":     common.NewRequest(1, 2, 1, "data", make([]byte, 64*1024)),
	}
}

// BenchmarkSerializers benchmarks serialize + deserialize for each serializer and message
func BenchmarkSerializers(b *testing.B) {
	for name, factory := range testSerializers {
		s := factory()
		for msgName, msg := range benchmarkMessages() {
			b.Run(name+"/"+msgName, func(b *testing.B) {
				data, err := s.Serialize(msg)
				if err != nil {
					b.Fatal(err)
				}
				b.ReportMetric(float64(len(data)), "bytes/msg")
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					data, _ := s.Serialize(msg)
					var out common.Message
					if err := s.Deserialize(data, &out); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}
