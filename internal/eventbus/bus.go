// Package eventbus fans events out from the event loop to application
// listeners without letting a slow listener stall BLE processing.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/groutine"
)

const (
	// DefaultBufferSize is the number of events kept before the oldest are overwritten.
	DefaultBufferSize uint32 = 1024

	// MaxBufferSize guards against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024
)

// Bus lifecycle states.
const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping
)

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Published   int64
	Delivered   int64
	Overwritten int64
	Errors      int64
}

type metrics struct {
	published   atomic.Int64
	delivered   atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

// Bus buffers published events in an overlapped ring buffer and delivers
// them in publishing order to every listener on its own goroutine. When the
// buffer is full the oldest events are overwritten.
//
// All methods are thread-safe.
type Bus[T any] struct {
	name   string
	logger *logrus.Logger
	buffer mpmc.RichOverlappedRingBuffer[T]

	mu        sync.RWMutex
	listeners []*listener[T]
	nextID    uint64

	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	idle   *sync.Cond
	idleMu sync.Mutex
	busy   bool

	state   atomic.Uint32
	metrics metrics
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// New creates a stopped bus. A zero bufferSize selects DefaultBufferSize.
func New[T any](name string, bufferSize uint32, logger *logrus.Logger) (*Bus[T], error) {
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if logger == nil {
		logger = logrus.New()
	}

	b := &Bus[T]{
		name:   name,
		logger: logger,
		buffer: mpmc.NewOverlappedRingBuffer[T](bufferSize),
		wake:   make(chan struct{}, 1),
	}
	b.idle = sync.NewCond(&b.idleMu)
	return b, nil
}

// Subscribe registers fn and returns a function removing it.
// fn runs on the bus goroutine; it must not call Flush.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, &listener[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Listeners returns the number of registered listeners.
func (b *Bus[T]) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Start launches the delivery goroutine.
func (b *Bus[T]) Start() error {
	if !b.state.CompareAndSwap(StateNotRunning, StateRunning) {
		return fmt.Errorf("event bus %s is already running", b.name)
	}

	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	stop, done := b.stop, b.done
	groutine.Go(context.Background(), b.name, func(ctx context.Context) {
		defer func() {
			close(done)
			b.state.Store(StateNotRunning)
		}()
		for {
			select {
			case <-stop:
				b.drain()
				return
			case <-b.wake:
				b.drain()
			}
		}
	})
	return nil
}

// Stop delivers the events already buffered and ends the delivery goroutine.
func (b *Bus[T]) Stop() {
	if !b.state.CompareAndSwap(StateRunning, StateStopping) {
		if b.state.Load() == StateStopping {
			<-b.done
		}
		return
	}
	close(b.stop)
	<-b.done
}

// Publish buffers v for delivery. It never blocks.
func (b *Bus[T]) Publish(v T) {
	overwrites, err := b.buffer.EnqueueM(v)
	if err != nil {
		b.metrics.errors.Add(1)
		b.logger.WithFields(logrus.Fields{
			"bus":   b.name,
			"error": err,
		}).Error("Failed to buffer event")
		return
	}

	b.metrics.published.Add(1)
	if overwrites > 0 {
		b.metrics.overwritten.Add(int64(overwrites))
		b.logger.WithFields(logrus.Fields{
			"bus":     b.name,
			"dropped": overwrites,
		}).Warn("Event buffer full, oldest events overwritten")
	}

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Flush waits until the buffer is empty and no listener is running.
// It returns immediately when the bus is not running.
func (b *Bus[T]) Flush() {
	b.idleMu.Lock()
	defer b.idleMu.Unlock()
	for b.state.Load() == StateRunning && (b.busy || !b.buffer.IsEmpty()) {
		b.idle.Wait()
	}
}

// GetMetrics returns a snapshot of the counters.
func (b *Bus[T]) GetMetrics() Metrics {
	return Metrics{
		Published:   b.metrics.published.Load(),
		Delivered:   b.metrics.delivered.Load(),
		Overwritten: b.metrics.overwritten.Load(),
		Errors:      b.metrics.errors.Load(),
	}
}

// GetState returns the lifecycle state of the bus.
func (b *Bus[T]) GetState() uint32 {
	return b.state.Load()
}

func (b *Bus[T]) drain() {
	b.idleMu.Lock()
	b.busy = true
	b.idleMu.Unlock()

	for !b.buffer.IsEmpty() {
		v, err := b.buffer.Dequeue()
		if err != nil {
			b.metrics.errors.Add(1)
			b.logger.WithFields(logrus.Fields{
				"bus":   b.name,
				"error": err,
			}).Error("Event buffer dequeue error")
			break
		}
		b.deliver(v)
	}

	b.idleMu.Lock()
	b.busy = false
	b.idle.Broadcast()
	b.idleMu.Unlock()
}

func (b *Bus[T]) deliver(v T) {
	b.mu.RLock()
	listeners := make([]*listener[T], len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.call(l, v)
	}
	b.metrics.delivered.Add(1)
}

func (b *Bus[T]) call(l *listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.errors.Add(1)
			b.logger.WithFields(logrus.Fields{
				"bus":   b.name,
				"panic": r,
			}).Error("Recovered panic in event listener")
		}
	}()
	l.fn(v)
}
