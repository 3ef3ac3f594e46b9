// Package client implements the client side of a sidecar's local endpoint. It is used by
// the dproxy send command and by applications that do not attach to the shared memory
// rings.
//
// Key Components:
//
//   - Client: Holds one link to the local endpoint. Send queues a plain message, Call
//     sends a request and waits for the matching response. Requests are numbered by a
//     client side tracker.Tracker, the sidecar numbers them again for the network leg
//     and maps the response back to the client's sequence number.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoint:   "/tmp/dproxy.sock",
//	  Serializer: "binary",
//	  Timeout:    5 * time.Second,
//	  QueueSize:  64,
//	}
//
//	c, err := client.NewClient(ctx, config, 0x10, unix.NewUnixClientTransport(base.LinkConfig{}))
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer c.Close()
//
//	// fire and forget
//	c.Send(common.NewMessage(0, 0x20, "log", []byte("hello")))
//
//	// request / response
//	rsp, err := c.Call(ctx, common.NewMessage(0, 0x20, "ping", nil))
//
// Failures reported by the sidecar (e.g. an unknown destination) arrive as error
// responses and are returned by Call as common.Error values.
//
// Thread Safety:
//
//	A Client can be used concurrently from multiple goroutines.
package client
