package ble

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
)

// DefaultStreamSize is the ring size used when Stream is given 0.
const DefaultStreamSize = 4096

// Stream is an io.ReadCloser over the values pushed by one characteristic.
// Values are buffered in a byte ring; when the reader falls behind the
// newest bytes that do not fit are dropped and counted.
type Stream struct {
	sub *Subscription
	buf *ringbuffer.RingBuffer

	mu     sync.Mutex
	ready  chan struct{}
	closed bool

	dropped atomic.Uint64
}

func newStream(size int) *Stream {
	if size <= 0 {
		size = DefaultStreamSize
	}
	return &Stream{
		buf:   ringbuffer.New(size),
		ready: make(chan struct{}, 1),
	}
}

// push appends pushed bytes. It never blocks.
func (s *Stream) push(value []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// a full or short write reports the bytes that made it in
	written, _ := s.buf.Write(value)
	s.mu.Unlock()

	if written < len(value) {
		s.dropped.Add(uint64(len(value) - written))
	}

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Read blocks until pushed bytes are available. It returns io.EOF once the
// stream is closed and drained.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		n, err := s.buf.TryRead(p)
		closed := s.closed
		s.mu.Unlock()

		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		if closed {
			// let other blocked readers see the close too
			select {
			case s.ready <- struct{}{}:
			default:
			}
			return 0, io.EOF
		}
		<-s.ready
	}
}

// Close unsubscribes and ends the stream. Bytes already buffered can still be read.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}

	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe(context.Background())
}

// Dropped returns the number of bytes lost to overflow.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}
