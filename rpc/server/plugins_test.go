package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dProxy/lib/resolver"
	"github.com/ValentinKolb/dProxy/lib/service"
	"github.com/ValentinKolb/dProxy/lib/tracker"
	"github.com/ValentinKolb/dProxy/rpc/common"
)

const self = 0x0A000001

func initPlugin(t *testing.T, p IPlugin) IPlugin {
	t.Helper()
	if err := p.Init(common.NewNodeContext(self, "127.0.0.1:7070")); err != nil {
		t.Fatalf("Init of %s failed: %v", p.Name(), err)
	}
	return p
}

func TestRPCPlugin(t *testing.T) {
	tr := tracker.New(tracker.Config{QueueSize: 4, ExitTimeout: time.Second})
	p := initPlugin(t, NewRPCPlugin(tr))
	ctx := context.Background()

	call, err := tr.Request(ctx)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	req := common.NewRequest(self, 2, call.Seq(), "ping", nil)

	// matching response is consumed and completes the call
	rsp := common.NewResponse(req, "pong", []byte("ok"))
	if out, err := p.Call(ctx, rsp); out != nil || err != nil {
		t.Fatalf("response should be consumed, got %v %v", out, err)
	}
	got, err := call.Wait(ctx)
	if err != nil || string(got.Body) != "ok" {
		t.Fatalf("unexpected result %v %v", got, err)
	}

	// orphan response is consumed as well
	if out, _ := p.Call(ctx, rsp); out != nil {
		t.Error("orphan response should be consumed")
	}

	// notification without a live call continues to the application
	ntf := common.NewNotification(2, self, 99, "event", nil)
	if out, _ := p.Call(ctx, ntf); out != ntf {
		t.Error("unmatched notification should pass")
	}

	// responses for other nodes and group messages pass
	other := common.NewResponse(common.NewRequest(3, 2, 1, "x", nil), "y", nil)
	if out, _ := p.Call(ctx, other); out != other {
		t.Error("response for another node should pass")
	}
	masked := common.NewResponse(req, "pong", nil)
	masked.Header.Mask = 0xFF000000
	if out, _ := p.Call(ctx, masked); out != masked {
		t.Error("masked response should pass")
	}
}

func TestRegistryPlugin(t *testing.T) {
	runtime := resolver.NewLocal()
	p := initPlugin(t, NewRegistryPlugin(runtime))
	ctx := context.Background()

	msg := common.NewMessage(2, self, BodyTypeRegister, []byte("0x10=10.0.0.16:7070, 0x11=10.0.0.17:7070"))
	if out, err := p.Call(ctx, msg); out != nil || err != nil {
		t.Fatalf("registration should be consumed, got %v %v", out, err)
	}
	if addr, ok := runtime.GetNode(0x11); !ok || addr != "10.0.0.17:7070" {
		t.Errorf("node 0x11 not registered: %q %v", addr, ok)
	}

	bad := common.NewMessage(2, self, BodyTypeRegister, []byte("no-address"))
	if _, err := p.Call(ctx, bad); !errors.Is(err, common.ErrProtocol) {
		t.Errorf("expected protocol error, got %v", err)
	}

	// registrations for other nodes are forwarded
	forward := common.NewMessage(2, 3, BodyTypeRegister, []byte("0x12=10.0.0.18:7070"))
	if out, _ := p.Call(ctx, forward); out != forward {
		t.Error("registration for another node should pass")
	}
}

func TestLogPlugin(t *testing.T) {
	if err := NewLogPlugin("").Init(common.NewNodeContext(self, "")); err == nil {
		t.Error("expected an error for an empty prefix")
	}

	p := initPlugin(t, NewLogPlugin("log"))
	ctx := context.Background()

	long := make([]byte, 2*maxLoggedBody)
	if out, _ := p.Call(ctx, common.NewMessage(2, self, "log.debug", long)); out != nil {
		t.Error("log message should be consumed")
	}
	data := common.NewMessage(2, self, "data", nil)
	if out, _ := p.Call(ctx, data); out != data {
		t.Error("data message should pass")
	}
}

func TestRateLimitPlugin(t *testing.T) {
	p := initPlugin(t, NewRateLimitPlugin(0.001, 1))
	ctx := context.Background()

	if !p.Ready() {
		t.Fatal("full bucket should be ready")
	}
	if _, err := p.Call(ctx, common.NewMessage(1, 2, "data", nil)); err != nil {
		t.Fatalf("first message should pass: %v", err)
	}
	if p.Ready() {
		t.Error("empty bucket should not be ready")
	}
	if _, err := p.Call(ctx, common.NewMessage(1, 2, "data", nil)); !errors.Is(err, common.ErrBackpressure) {
		t.Errorf("expected backpressure, got %v", err)
	}
}

func TestBuildPipeline(t *testing.T) {
	var terminal []string
	dispatch := service.Func[common.Message](func(_ context.Context, msg *common.Message) (*common.Message, error) {
		terminal = append(terminal, msg.Header.BodyType)
		return nil, nil
	})

	pipeline, err := BuildPipeline(common.NewNodeContext(self, ""), []IPlugin{
		NewLogPlugin("log"),
		NewRateLimitPlugin(0, 0),
	}, dispatch)
	if err != nil {
		t.Fatalf("BuildPipeline failed: %v", err)
	}

	ctx := context.Background()
	for _, bodyType := range []string{"log.a", "data", "log.b", "metrics"} {
		if _, err := service.ReadyCall(ctx, pipeline, common.NewMessage(1, 2, bodyType, nil)); err != nil {
			t.Fatalf("ReadyCall %s failed: %v", bodyType, err)
		}
	}
	if len(terminal) != 2 || terminal[0] != "data" || terminal[1] != "metrics" {
		t.Errorf("unexpected messages at the terminal stage: %v", terminal)
	}

	_, err = BuildPipeline(common.NewNodeContext(self, ""), []IPlugin{NewLogPlugin("")}, dispatch)
	if err == nil {
		t.Error("expected init error")
	}
}
