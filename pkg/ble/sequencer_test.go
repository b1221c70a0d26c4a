package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencer_RunsInSubmissionOrder(t *testing.T) {
	var seq Sequencer
	var mu sync.Mutex
	var order []int

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = seq.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = seq.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// give each call time to take its slot
		time.Sleep(10 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order, "calls MUST run in submission order")
}

func TestSequencer_ReturnsCallError(t *testing.T) {
	var seq Sequencer
	boom := errors.New("boom")

	assert.ErrorIs(t, seq.Do(context.Background(), func(context.Context) error { return boom }), boom)
	assert.NoError(t, seq.Do(context.Background(), func(context.Context) error { return nil }), "error MUST NOT poison later calls")
}

func TestSequencer_CanceledWaiterKeepsOrder(t *testing.T) {
	var seq Sequencer

	release := make(chan struct{})
	started := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = seq.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := seq.Do(ctx, func(context.Context) error {
		t.Error("canceled call MUST NOT run")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	thirdRan := make(chan struct{})
	go func() {
		_ = seq.Do(context.Background(), func(context.Context) error {
			close(thirdRan)
			return nil
		})
	}()

	select {
	case <-thirdRan:
		t.Fatal("later call MUST NOT overtake a running one")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-firstDone
	select {
	case <-thirdRan:
	case <-time.After(time.Second):
		t.Fatal("later call did not run")
	}
}
