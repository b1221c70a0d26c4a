// Package transaction implements the single-flight GATT transaction engine:
// the Transaction lifecycle and the FIFO Queue that executes transactions
// one at a time against the connected link.
package transaction

import (
	"fmt"
	"sync"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
)

// State of a transaction. Succeeded, Failed and Canceled are terminal.
type State int

const (
	Pending State = iota
	Executing
	Succeeded
	Failed
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executing:
		return "executing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Canceled
}

// Transaction is one unit of GATT work executed by the Queue.
//
// Start and OnNativeEvent are only called by the Queue, on the event loop.
// A transaction borrows the link for the duration of Start and its native
// callbacks and never keeps it afterwards.
type Transaction interface {
	ID() string
	Kind() string
	State() State

	// Start moves the transaction to Executing and issues the first native
	// request. It may settle the transaction synchronously.
	Start(link native.Link)

	// OnNativeEvent delivers a native completion. Events that do not belong
	// to the transaction must be ignored.
	OnNativeEvent(ev native.Event)

	// Cancel settles the transaction as Canceled unless it is already terminal.
	Cancel()

	// Fail settles the transaction as Failed unless it is already terminal.
	Fail(err error)

	// Done is closed once the transaction reaches a terminal state.
	Done() <-chan struct{}

	// Err is the failure or cancellation cause, nil on success.
	Err() error

	// OnSettled registers fn to run once the transaction is terminal.
	// fn runs immediately when the transaction is already terminal.
	OnSettled(fn func(Transaction))
}

// Base holds the state shared by every transaction and enforces the
// settle-once rule. Concrete transactions embed *Base and set Self so that
// settle callbacks receive the outer value.
type Base struct {
	id   string
	kind string

	// Self is the embedding transaction passed to OnSettled callbacks.
	Self Transaction

	mu        sync.Mutex
	state     State
	err       error
	result    any
	done      chan struct{}
	onSettled []func(Transaction)
}

// NewBase creates a Pending base. An empty id gets a generated one.
func NewBase(id, kind string) *Base {
	if id == "" {
		id = NewID()
	}
	return &Base{
		id:   id,
		kind: kind,
		done: make(chan struct{}),
	}
}

func (b *Base) ID() string   { return b.id }
func (b *Base) Kind() string { return b.kind }

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) Done() <-chan struct{} {
	return b.done
}

func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Result is the success payload, nil until Succeeded.
func (b *Base) Result() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

// MarkExecuting moves a Pending transaction to Executing.
// It reports false when the transaction is no longer Pending.
func (b *Base) MarkExecuting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Pending {
		return false
	}
	b.state = Executing
	return true
}

// Succeed settles the transaction with result.
func (b *Base) Succeed(result any) bool {
	return b.settle(Succeeded, nil, result)
}

func (b *Base) Fail(err error) {
	if err == nil {
		err = device.NewError(device.KindGenericError, "transaction %s failed", b.id)
	}
	b.settle(Failed, err, nil)
}

func (b *Base) Cancel() {
	b.settle(Canceled, device.NewError(device.KindOperationCanceled, "operation canceled"), nil)
}

func (b *Base) OnSettled(fn func(Transaction)) {
	b.mu.Lock()
	if !b.state.Terminal() {
		b.onSettled = append(b.onSettled, fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn(b.self())
}

// Terminal reports whether the transaction is settled.
func (b *Base) Terminal() bool {
	return b.State().Terminal()
}

func (b *Base) settle(state State, err error, result any) bool {
	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		return false
	}
	b.state = state
	b.err = err
	b.result = result
	callbacks := b.onSettled
	b.onSettled = nil
	close(b.done)
	b.mu.Unlock()

	self := b.self()
	for _, fn := range callbacks {
		fn(self)
	}
	return true
}

func (b *Base) self() Transaction {
	if b.Self != nil {
		return b.Self
	}
	return baseOnly{b}
}

// baseOnly lets a bare Base satisfy Transaction in settle callbacks.
type baseOnly struct{ *Base }

func (baseOnly) Start(native.Link)          {}
func (baseOnly) OnNativeEvent(native.Event) {}

// Resolved returns a transaction that has already succeeded with result.
// It is used for requests that need no native work.
func Resolved(id, kind string, result any) Transaction {
	w := NewWaiter(id, kind)
	w.Succeed(result)
	return w
}

// Waiter is a transaction with no native work of its own. It stays Pending
// until the code owning the work it waits for settles it, or its caller
// cancels it.
type Waiter struct {
	*Base
}

func NewWaiter(id, kind string) *Waiter {
	w := &Waiter{Base: NewBase(id, kind)}
	w.Self = w
	return w
}

func (*Waiter) Start(native.Link)          {}
func (*Waiter) OnNativeEvent(native.Event) {}
