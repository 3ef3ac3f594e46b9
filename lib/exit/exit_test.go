package exit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNotifyStartWakesWaiters(t *testing.T) {
	c := New()

	if c.IsExiting() {
		t.Fatal("new coordinator should not be exiting")
	}

	got := make(chan State, 3)
	for i := 0; i < 3; i++ {
		go func() {
			s, _ := c.Notified(context.Background())
			got <- s
		}()
	}

	c.NotifyStart()
	c.NotifyStart() // idempotent

	for i := 0; i < 3; i++ {
		select {
		case s := <-got:
			if s != Exiting {
				t.Errorf("expected %s, got %s", Exiting, s)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken by NotifyStart")
		}
	}

	if !c.IsExiting() {
		t.Error("IsExiting() should be true after NotifyStart")
	}

	// late waiters observe the signal immediately
	select {
	case <-c.Started():
	default:
		t.Error("Started() should be closed")
	}
}

func TestNotifiedReportsExited(t *testing.T) {
	c := New()
	c.NotifyFinish()

	s, err := c.Notified(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != Exited {
		t.Errorf("expected %s after NotifyFinish, got %s", Exited, s)
	}
	if !c.IsExiting() {
		t.Error("NotifyFinish should imply NotifyStart")
	}
}

func TestNotifiedContext(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s, err := c.Notified(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if s != Running {
		t.Errorf("expected %s, got %s", Running, s)
	}
}

func TestShutdownWaitsForDrain(t *testing.T) {
	c := New()
	doneA := c.Register("tracker")
	doneB := c.Register("corral")

	go func() {
		<-c.Started()
		time.Sleep(10 * time.Millisecond)
		doneA()
		doneA() // no-op
		doneB()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pending, err := c.Shutdown(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v (pending %v)", err, pending)
	}
	if len(pending) != 0 {
		t.Errorf("expected nothing pending, got %v", pending)
	}
	select {
	case <-c.Finished():
	default:
		t.Error("Finished() should be closed after Shutdown")
	}
}

func TestShutdownTimeout(t *testing.T) {
	c := New()
	c.Register("stuck")
	done := c.Register("fine")
	done()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	pending, err := c.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if len(pending) != 1 || pending[0] != "stuck" {
		t.Errorf("expected [stuck] pending, got %v", pending)
	}
	select {
	case <-c.Finished():
	default:
		t.Error("Shutdown should finish the exit even on timeout")
	}
}
