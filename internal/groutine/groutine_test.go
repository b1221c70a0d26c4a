package groutine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesTheContext(t *testing.T) {
	names := make(chan string, 1)

	Go(context.Background(), "worker-42", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "worker-42", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGo_NilParentContext(t *testing.T) {
	done := make(chan struct{})

	//nolint:staticcheck // nil parent is part of the contract
	Go(nil, "nil-parent", func(ctx context.Context) {
		assert.NotNil(t, ctx)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoSafe_RecoversPanics(t *testing.T) {
	type crash struct {
		name      string
		recovered any
	}
	crashes := make(chan crash, 1)

	GoSafe(context.Background(), "crasher", func(name string, recovered any, stack []byte) {
		assert.NotEmpty(t, stack, "MUST provide the stack")
		crashes <- crash{name, recovered}
	}, func(ctx context.Context) {
		panic("boom")
	})

	select {
	case c := <-crashes:
		assert.Equal(t, "crasher", c.name)
		assert.Equal(t, "boom", c.recovered)
	case <-time.After(time.Second):
		t.Fatal("panic handler was not called")
	}
}

func TestGetName_Empty(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
	//nolint:staticcheck // nil context is part of the contract
	assert.Empty(t, GetName(nil))
}

func TestPanicError(t *testing.T) {
	cause := errors.New("cause")
	err := PanicError(cause)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)

	assert.EqualError(t, PanicError(42), "panic: 42")
}
