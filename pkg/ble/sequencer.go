package ble

import (
	"context"
	"sync"

	"github.com/srg/blecore/internal/groutine"
)

// Sequencer runs calls one after another in submission order. A call
// starts only after every previously submitted call has settled.
//
// A caller whose ctx ends while waiting for its turn returns early, but its
// slot is released only once the call ahead of it settles, so later calls
// never overtake one that is still running.
type Sequencer struct {
	mu   sync.Mutex
	tail chan struct{}
}

// Do waits for its turn, then runs fn.
func (s *Sequencer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	prev := s.tail
	done := make(chan struct{})
	s.tail = done
	s.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			groutine.Go(context.WithoutCancel(ctx), "ble-sequencer-release", func(context.Context) {
				<-prev
				close(done)
			})
			return ctx.Err()
		}
	}

	defer close(done)
	return fn(ctx)
}
