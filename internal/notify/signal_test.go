package notify

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSignalWakesAllWaiters(t *testing.T) {
	s := NewSignal()
	ch := s.C()

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			select {
			case <-ch:
			case <-time.After(time.Second):
				t.Error("waiter not woken")
			}
		})
	}
	s.Notify()
	wg.Wait()

	select {
	case <-s.C():
		t.Error("fresh channel should not be closed")
	default:
	}
}

func TestLatch(t *testing.T) {
	l := NewLatch()
	if l.IsOpen() {
		t.Fatal("new latch should be closed")
	}
	l.Open()
	l.Open()
	if !l.IsOpen() {
		t.Fatal("latch should be open")
	}
	select {
	case <-l.C():
	default:
		t.Error("C() should be readable after Open")
	}
}
