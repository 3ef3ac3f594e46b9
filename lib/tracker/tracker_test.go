package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dProxy/lib/exit"
	"github.com/ValentinKolb/dProxy/rpc/common"
)

func response(seq uint32, body string) *common.Message {
	req := common.NewRequest(1, 2, seq, "data", nil)
	return common.NewResponse(req, "data", []byte(body))
}

func TestBackpressureAndMatching(t *testing.T) {
	tr := New(Config{QueueSize: 2, ExitTimeout: time.Second})
	ctx := context.Background()

	first, err := tr.Request(ctx)
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	second, err := tr.Request(ctx)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if first.Seq() == second.Seq() {
		t.Fatalf("live calls must have distinct seqs, both got %d", first.Seq())
	}

	if _, err := tr.Request(ctx); !errors.Is(err, common.ErrBackpressure) {
		t.Fatalf("third request should fail with backpressure, got %v", err)
	}

	if !tr.Deliver(response(first.Seq(), "one")) {
		t.Fatal("response for the first call was not matched")
	}

	msg, err := first.Wait(ctx)
	if err != nil || string(msg.Body) != "one" {
		t.Errorf("first call completed with (%v,%v)", msg, err)
	}
	select {
	case <-second.Done():
		t.Error("second call must not be completed by the first response")
	default:
	}

	// the slot of the first call is free again
	third, err := tr.Request(ctx)
	if err != nil {
		t.Fatalf("request after completion failed: %v", err)
	}
	third.Abandon()
	second.Abandon()

	if s := tr.Stats(); s.Completed != 1 || s.Pending != 0 {
		t.Errorf("unexpected stats %s", s)
	}
}

func TestOrphanDropped(t *testing.T) {
	tr := New(Config{QueueSize: 4, ExitTimeout: time.Second})

	if tr.Deliver(response(4711, "late")) {
		t.Error("unmatched response should not be delivered")
	}
	if tr.Deliver(common.NewMessage(1, 2, "data", nil)) {
		t.Error("plain message should not be delivered")
	}

	call, _ := tr.Request(context.Background())
	if !tr.Deliver(response(call.Seq(), "x")) {
		t.Fatal("matching response was not delivered")
	}
	if tr.Deliver(response(call.Seq(), "again")) {
		t.Error("duplicate response should be an orphan")
	}

	if s := tr.Stats(); s.Orphans != 2 {
		t.Errorf("expected 2 orphans, got %d", s.Orphans)
	}
}

func TestNotificationCompletesCall(t *testing.T) {
	tr := New(Config{QueueSize: 1, ExitTimeout: time.Second})
	call, _ := tr.Request(context.Background())

	if !tr.Deliver(common.NewNotification(2, 1, call.Seq(), "event", []byte("n"))) {
		t.Fatal("notification should complete the call with its seq")
	}
	msg, err := call.Wait(context.Background())
	if err != nil || !msg.Header.IsNtf() {
		t.Errorf("expected the notification, got (%v,%v)", msg, err)
	}
}

func TestCallTimeout(t *testing.T) {
	tr := New(Config{QueueSize: 1, ExitTimeout: time.Second, CallTimeout: 20 * time.Millisecond})
	call, err := tr.Request(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not time out")
	}

	if _, err := call.Wait(context.Background()); !errors.Is(err, common.ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
	if tr.Deliver(response(call.Seq(), "late")) {
		t.Error("response after timeout should be an orphan")
	}
	if s := tr.Stats(); s.TimedOut != 1 || s.Pending != 0 {
		t.Errorf("unexpected stats %s", s)
	}
}

func TestWaitContextCancels(t *testing.T) {
	tr := New(Config{QueueSize: 1, ExitTimeout: time.Second})
	call, _ := tr.Request(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := call.Wait(ctx); !errors.Is(err, common.ErrCancelled) {
		t.Errorf("expected cancelled, got %v", err)
	}
	if _, err := tr.Request(context.Background()); err != nil {
		t.Errorf("slot should be free after cancel: %v", err)
	}
}

func TestDrain(t *testing.T) {
	tr := New(Config{QueueSize: 4, ExitTimeout: 50 * time.Millisecond, CallTimeout: time.Minute})
	ctx := context.Background()

	answered, _ := tr.Request(ctx)
	stuck, _ := tr.Request(ctx)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Deliver(response(answered.Seq(), "ok"))
	}()

	cancelled := tr.Drain(ctx)
	if cancelled != 1 {
		t.Errorf("expected 1 cancelled call, got %d", cancelled)
	}

	if _, err := answered.Wait(ctx); err != nil {
		t.Errorf("answered call should succeed, got %v", err)
	}
	if _, err := stuck.Wait(ctx); !errors.Is(err, common.ErrCancelled) {
		t.Errorf("stuck call should be cancelled, got %v", err)
	}
	if _, err := tr.Request(ctx); !errors.Is(err, common.ErrShuttingDown) {
		t.Errorf("request after drain should fail with shutting down, got %v", err)
	}
}

func TestRequestRacingDrain(t *testing.T) {
	tr := New(Config{QueueSize: 1024, ExitTimeout: 10 * time.Millisecond, CallTimeout: time.Minute})
	ctx := context.Background()

	var wg sync.WaitGroup
	calls := make(chan *PendingCall, 1024)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				call, err := tr.Request(ctx)
				if err != nil {
					if !errors.Is(err, common.ErrShuttingDown) && !errors.Is(err, common.ErrCancelled) {
						t.Errorf("unexpected request error %v", err)
					}
					return
				}
				calls <- call
			}
		}()
	}

	close(start)
	tr.Drain(ctx)
	wg.Wait()
	close(calls)

	// no call may outlive the drain until its own deadline
	for call := range calls {
		select {
		case <-call.Done():
		case <-time.After(time.Second):
			t.Fatalf("call %d still pending after drain", call.Seq())
		}
	}
	if s := tr.Stats(); s.Pending != 0 {
		t.Errorf("expected no pending calls, got %d", s.Pending)
	}
}

func TestRunOnExit(t *testing.T) {
	tr := New(Config{QueueSize: 1, ExitTimeout: 20 * time.Millisecond, CallTimeout: time.Minute})
	coord := exit.New()

	call, _ := tr.Request(context.Background())
	tr.Start(context.Background(), coord)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if pending, err := coord.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed, pending %v: %v", pending, err)
	}

	if _, err := call.Wait(context.Background()); !errors.Is(err, common.ErrCancelled) {
		t.Errorf("pending call should be cancelled by the exit, got %v", err)
	}
	if !tr.IsDraining() {
		t.Error("tracker should be draining after exit")
	}
}

func TestSend(t *testing.T) {
	tr := New(Config{QueueSize: 1, ExitTimeout: time.Second})

	rsp, err := tr.Send(context.Background(), common.NewMessage(1, 2, "data", []byte("ping")), func(req *common.Message) error {
		if !req.Header.IsReq() || !req.Header.HasSeq() {
			t.Errorf("request not stamped: %s", req)
		}
		go tr.Deliver(common.NewResponse(req, "data", []byte("pong")))
		return nil
	})
	if err != nil || string(rsp.Body) != "pong" {
		t.Errorf("Send returned (%v,%v)", rsp, err)
	}

	failed := errors.New("link down")
	if _, err := tr.Send(context.Background(), common.NewMessage(1, 2, "data", nil), func(*common.Message) error { return failed }); !errors.Is(err, failed) {
		t.Errorf("expected send error, got %v", err)
	}
	if s := tr.Stats(); s.Pending != 0 {
		t.Errorf("failed send should not leave a pending call, %s", s)
	}
}
