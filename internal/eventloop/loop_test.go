package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type LoopTestSuite struct {
	suite.Suite
	loop *Loop
}

func (s *LoopTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.loop = New("test-loop", logger)
	s.loop.Start()
}

func (s *LoopTestSuite) TearDownTest() {
	s.loop.Stop()
}

func (s *LoopTestSuite) TestRunsInPostingOrder() {
	// GOAL: Verify closures run sequentially in FIFO order
	//
	// TEST SCENARIO: Post 100 closures from several goroutines per producer → each producer's order preserved

	var mu sync.Mutex
	seen := map[int][]int{}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				i := i
				s.loop.Post(func() {
					mu.Lock()
					seen[p] = append(seen[p], i)
					mu.Unlock()
				})
			}
		}(p)
	}
	wg.Wait()

	s.Require().NoError(s.loop.Call(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	for p := 0; p < 4; p++ {
		s.Require().Len(seen[p], 25, "MUST run every posted closure")
		for i, v := range seen[p] {
			s.Equal(i, v, "MUST preserve per-producer order")
		}
	}
}

func (s *LoopTestSuite) TestPostFromInsideLoopDoesNotDeadlock() {
	// GOAL: Verify re-entrant posting is deferred, not executed inline
	//
	// TEST SCENARIO: Closure posts another closure → nested runs after outer returns

	var order []string
	done := make(chan struct{})

	s.loop.Post(func() {
		s.loop.Post(func() {
			order = append(order, "inner")
			close(done)
		})
		order = append(order, "outer")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		s.FailNow("nested closure did not run")
	}
	s.Equal([]string{"outer", "inner"}, order, "nested post MUST run after the current closure")
}

func (s *LoopTestSuite) TestPanicDoesNotKillLoop() {
	// GOAL: Verify a panicking closure is recovered
	//
	// TEST SCENARIO: Post panicking closure, then a normal one → normal one runs

	s.loop.Post(func() { panic("boom") })

	ran := false
	s.Require().NoError(s.loop.Call(context.Background(), func() { ran = true }))
	s.True(ran, "loop MUST survive panics")
}

func (s *LoopTestSuite) TestCallHonoursContext() {
	// GOAL: Verify Call returns when its context ends
	//
	// TEST SCENARIO: Block the loop, Call with short timeout → DeadlineExceeded

	release := make(chan struct{})
	s.loop.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.loop.Call(ctx, func() {})
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *LoopTestSuite) TestStopDrainsAndRejects() {
	// GOAL: Verify Stop runs queued closures and rejects new posts
	//
	// TEST SCENARIO: Post, Stop → posted closure ran; Post after Stop → false; Call → ErrStopped

	ran := make(chan struct{}, 1)
	s.loop.Post(func() { ran <- struct{}{} })
	s.loop.Stop()

	select {
	case <-ran:
	default:
		s.Fail("queued closure MUST run before the loop exits")
	}

	s.False(s.loop.Post(func() {}), "post after stop MUST be rejected")
	s.ErrorIs(s.loop.Call(context.Background(), func() {}), ErrStopped)

	select {
	case <-s.loop.Done():
	default:
		s.Fail("Done MUST be closed after Stop")
	}
}

func TestLoopTestSuite(t *testing.T) {
	suite.Run(t, new(LoopTestSuite))
}
