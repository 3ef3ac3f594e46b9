package base

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/ValentinKolb/dProxy/rpc/transport"
)

// --------------------------------------------------------------------------
// Test connectors (plain tcp on localhost)
// --------------------------------------------------------------------------

type testServerConnector struct{}

func (c *testServerConnector) Listen(endpoint string) (net.Listener, error) {
	return net.Listen("tcp", endpoint)
}
func (c *testServerConnector) GetName() string { return "test" }
func (c *testServerConnector) UpgradeConnection(net.Conn) error { return nil }

type testClientConnector struct{ attempts int }

func (c *testClientConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	c.attempts++
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}
func (c *testClientConnector) GetName() string { return "test" }
func (c *testClientConnector) UpgradeConnection(net.Conn) error { return nil }

// startEchoServer starts a server that sends every frame back on the same link
func startEchoServer(t *testing.T, config LinkConfig) transport.IRPCServerTransport {
	t.Helper()
	server := NewBaseServerTransport(&testServerConnector{}, config)
	server.RegisterHandler(func(link transport.ILink, dest uint32, payload []byte) {
		if err := link.Send(dest, payload); err != nil {
			t.Errorf("echo send failed: %v", err)
		}
	})
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go server.Serve(context.Background())
	t.Cleanup(func() { server.Close() })
	return server
}

type received struct {
	dest    uint32
	payload []byte
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestFrameCodec(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		if err := writeFrame(client, 0xdeadbeef, []byte("payload")); err != nil {
			t.Errorf("writeFrame failed: %v", err)
		}
	}()

	dest, payload, err := readFrame(server, make([]byte, frameHeaderSize), DefaultMaxFrameSize)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if dest != 0xdeadbeef || string(payload) != "payload" {
		t.Errorf("got dest %#x payload %q", dest, payload)
	}
}

func TestFrameTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go writeFrame(client, 1, bytes.Repeat([]byte{1}, 128))

	_, _, err := readFrame(server, nil, 64)
	if !errors.Is(err, common.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestLinkRoundTrip(t *testing.T) {
	server := startEchoServer(t, LinkConfig{WorkersPerLink: 4})

	results := make(chan received, 100)
	client := NewBaseClientTransport(&testClientConnector{}, LinkConfig{})
	link, err := client.Dial(context.Background(), server.Addr(), func(_ transport.ILink, dest uint32, payload []byte) {
		results <- received{dest, payload}
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer link.Close()

	// Concurrent senders share the link
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := link.Send(uint32(i), []byte(fmt.Sprintf("%d-%d", i, j))); err != nil {
					t.Errorf("Send failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for len(seen) < 100 {
		select {
		case r := <-results:
			seen[string(r.payload)] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 100 frames echoed", len(seen))
		}
	}
}

func TestLinkCloseFlushesQueue(t *testing.T) {
	var mu sync.Mutex
	var got [][]byte
	done := make(chan struct{})

	server := NewBaseServerTransport(&testServerConnector{}, LinkConfig{})
	server.RegisterHandler(func(_ transport.ILink, _ uint32, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload)
		if len(got) == 50 {
			close(done)
		}
	})
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go server.Serve(context.Background())
	defer server.Close()

	client := NewBaseClientTransport(&testClientConnector{}, LinkConfig{WriteTimeout: time.Second})
	link, err := client.Dial(context.Background(), server.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		if err := link.Send(7, []byte{byte(i)}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	link.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("server received %d of 50 frames", len(got))
	}

	if err := link.Send(7, nil); !errors.Is(err, common.ErrTransport) {
		t.Errorf("expected transport error after close, got %v", err)
	}
	if link.Err() != nil {
		t.Errorf("orderly close should not record an error, got %v", link.Err())
	}
}

func TestLinkDoneOnRemoteClose(t *testing.T) {
	server := startEchoServer(t, LinkConfig{})

	client := NewBaseClientTransport(&testClientConnector{}, LinkConfig{})
	link, err := client.Dial(context.Background(), server.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	server.Close()

	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("link not closed after server shutdown")
	}
}

func TestDialRetries(t *testing.T) {
	// Reserve a port and release it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	connector := &testClientConnector{}
	client := NewBaseClientTransport(connector, LinkConfig{RetryCount: 3})
	if _, err := client.Dial(context.Background(), addr, nil); err == nil {
		t.Fatal("expected dial to fail")
	}
	if connector.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", connector.attempts)
	}
}

func TestDialCancelled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewBaseClientTransport(&testClientConnector{}, LinkConfig{RetryCount: 10})
	start := time.Now()
	if _, err := client.Dial(ctx, addr, nil); err == nil {
		t.Fatal("expected dial to fail")
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancelled dial kept retrying for %s", time.Since(start))
	}
}

func TestServeStopsOnContext(t *testing.T) {
	server := NewBaseServerTransport(&testServerConnector{}, LinkConfig{})
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
