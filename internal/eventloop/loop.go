// Package eventloop provides the single serialized execution context of the
// BLE core. Native callbacks, timers and application commands are all posted
// as closures and run one at a time, in posting order, on one goroutine.
package eventloop

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/groutine"
)

// ErrStopped is returned by Call once the loop has been stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted closures sequentially. The queue is unbounded so Post
// never blocks, not even when called from a closure running on the loop.
type Loop struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	started bool
	done    chan struct{}
}

// New creates a stopped loop. Call Start to run it.
func New(name string, logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	groutine.Go(context.Background(), l.name, func(ctx context.Context) {
		defer close(l.done)
		l.run()
	})
}

// Post enqueues fn. It reports false when the loop is stopped and fn was dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits for it to finish, or for ctx to end.
// Must not be called from the loop goroutine itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// fn may have run right before the loop exited
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop runs the closures already queued, then ends the loop goroutine.
// Posts made after Stop are dropped. Stop waits for the goroutine to exit
// and must not be called from the loop goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		if l.started {
			<-l.done
		}
		return
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()

	if !started {
		return
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	for {
		<-l.wake

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				stopped := l.stopped
				l.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.safeRun(fn)
		}
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"loop":  l.name,
				"panic": r,
			}).Error("Recovered panic in event loop task")
		}
	}()
	fn()
}
