package eventbus

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
// Producers never block: when the buffer is full the oldest element is
// discarded. Readers use C() like a normal channel.
//
//	rc := eventbus.NewRingChannel[Event](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(ev)
//	}
//	for v := range rc.C() {
//	    // only the last 3 values arrive
//	}
//
// Send after Close is a no-op, so a producer racing with the consumer's
// cancel never panics.
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics ringMetrics
}

// RingMetrics is a snapshot of RingChannel counters.
type RingMetrics struct {
	Written     int64
	Overwritten int64
}

type ringMetrics struct {
	written     atomic.Int64
	overwritten atomic.Int64
}

// NewRingChannel creates a RingChannel with the given capacity (at least 1).
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element when full.
// It reports whether an element was discarded.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}

	dropped := false
	for {
		select {
		case rc.ch <- v:
			rc.metrics.written.Add(1)
			return dropped
		default:
		}
		select {
		case <-rc.ch: // drop oldest
			rc.metrics.overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		rc.metrics.written.Add(1)
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Calling it again is a no-op.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// GetMetrics returns a snapshot of current metrics values.
func (rc *RingChannel[T]) GetMetrics() RingMetrics {
	return RingMetrics{
		Written:     rc.metrics.written.Load(),
		Overwritten: rc.metrics.overwritten.Load(),
	}
}
