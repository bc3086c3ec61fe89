// Package notify provides broadcast notification primitives.
package notify

import "sync"

// Signal wakes every current waiter each time Notify is called. Callers wait
// on C() and must re-call C() after each wakeup to get the next channel.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns a channel that is closed on the next Notify() call.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}

// Latch is a one-shot Signal: once opened it stays open.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch creates a closed latch.
func NewLatch() *Latch { return &Latch{ch: make(chan struct{})} }

// Open releases all current and future waiters. Extra calls are no-ops.
func (l *Latch) Open() {
	l.once.Do(func() { close(l.ch) })
}

// C returns a channel that is closed once the latch opens.
func (l *Latch) C() <-chan struct{} { return l.ch }

// IsOpen reports whether Open has been called.
func (l *Latch) IsOpen() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}
