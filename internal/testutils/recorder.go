package testutils

import (
	"sync"
	"time"
)

// Recorder collects values delivered from any goroutine, typically events
// published by the module under test.
type Recorder[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func NewRecorder[T any]() *Recorder[T] {
	return &Recorder[T]{signal: make(chan struct{}, 1)}
}

// Record appends v. It can be passed directly as a listener.
func (r *Recorder[T]) Record(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// All returns a copy of the recorded values.
func (r *Recorder[T]) All() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *Recorder[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}

// Filter returns the recorded values matching keep.
func (r *Recorder[T]) Filter(keep func(T) bool) []T {
	var out []T
	for _, v := range r.All() {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// WaitFor blocks until cond holds for the recorded values or timeout elapses.
func (r *Recorder[T]) WaitFor(timeout time.Duration, cond func([]T) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if cond(r.All()) {
			return true
		}
		select {
		case <-r.signal:
		case <-deadline.C:
			return cond(r.All())
		}
	}
}
