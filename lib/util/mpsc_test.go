package util

import (
	"sync"
	"testing"
	"time"
)

func TestMPSCOrderSingleProducer(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		v := i
		if !q.Push(&v) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if *val != i {
				t.Errorf("Expected %d, got %d", i, *val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case val := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", *val)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestMPSCConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				v := p*perProducer + i
				q.Push(&v)
			}
		}(p)
	}

	seen := make(map[int]bool)
	lastPerProducer := make(map[int]int)
	timeout := time.After(5 * time.Second)
	for len(seen) < producers*perProducer {
		select {
		case val := <-q.Recv():
			if seen[*val] {
				t.Fatalf("Value %d delivered twice", *val)
			}
			seen[*val] = true
			p := *val / perProducer
			if last, ok := lastPerProducer[p]; ok && *val < last {
				t.Fatalf("Producer %d order violated: %d after %d", p, *val, last)
			}
			lastPerProducer[p] = *val
		case <-timeout:
			t.Fatalf("Timeout, received %d of %d values", len(seen), producers*perProducer)
		}
	}
	wg.Wait()
}

func TestMPSCCloseDrains(t *testing.T) {
	q := NewLockFreeMPSC[string]()

	for _, s := range []string{"a", "b", "c"} {
		s := s
		q.Push(&s)
	}
	q.Close()

	if !q.IsClosed() {
		t.Error("IsClosed() should be true after Close()")
	}
	extra := "d"
	if q.Push(&extra) {
		t.Error("Push after Close should fail")
	}
	if q.Push(nil) {
		t.Error("Push(nil) should fail")
	}

	var got []string
	for v := range q.Recv() {
		got = append(got, *v)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("Expected [a b c] after close, got %v", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len() should be 0 after draining, got %d", q.Len())
	}
}
