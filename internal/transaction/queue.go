package transaction

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/tracing"
)

// DefaultTimeout bounds a single GATT operation. The timer is re-armed on
// every native event delivered to the executing transaction.
const DefaultTimeout = 10 * time.Second

// Options configure a Queue.
type Options struct {
	// Timeout per native step. Zero means DefaultTimeout, negative disables it.
	Timeout time.Duration

	// Post schedules fn on the event loop that owns the queue. Timeouts fire
	// through it. When nil, fn runs on the timer goroutine.
	Post func(fn func())

	// Link returns the link transactions execute against, nil when disconnected.
	Link func() native.Link

	Logger *logrus.Logger
}

type entry struct {
	tx   Transaction
	span trace.Span
}

// Queue is a single-flight FIFO of transactions. At most one transaction is
// Executing at any time. The Queue is not safe for concurrent use: every
// method must be called from the owning event loop.
type Queue struct {
	timeout time.Duration
	post    func(fn func())
	link    func() native.Link
	logger  *logrus.Logger

	items      []*entry
	current    *entry
	processing bool

	timer    *time.Timer
	timerGen uint64
}

// NewQueue creates an empty queue.
func NewQueue(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	if opts.Link == nil {
		opts.Link = func() native.Link { return nil }
	}
	return &Queue{
		timeout: opts.Timeout,
		post:    opts.Post,
		link:    opts.Link,
		logger:  opts.Logger,
	}
}

// Add appends tx to the tail of the queue and runs the scheduler.
func (q *Queue) Add(tx Transaction) {
	_, span := tracing.StartSpan(context.Background(), "ble.transaction", trace.WithAttributes(
		tracing.StringAttr("ble.tx.id", tx.ID()),
		tracing.StringAttr("ble.tx.kind", tx.Kind()),
	))

	e := &entry{tx: tx, span: span}
	q.items = append(q.items, e)

	q.logger.WithFields(logrus.Fields{
		"tx":     tx.ID(),
		"kind":   tx.Kind(),
		"queued": len(q.items),
	}).Debug("Transaction queued")

	tx.OnSettled(func(Transaction) { q.settled(e) })
	q.Process()
}

// Cancel cancels the transaction with the given id wherever it sits in the
// queue. It is a no-op for unknown or already terminal transactions; the
// entry itself is removed on the next scheduler pass.
func (q *Queue) Cancel(id string) bool {
	for _, e := range q.items {
		if e.tx.ID() != id {
			continue
		}
		if !e.tx.State().Terminal() {
			q.logger.WithField("tx", id).Debug("Canceling transaction")
			e.tx.Cancel()
		}
		q.Process()
		return true
	}
	return false
}

// Flush fails every queued transaction with err and empties the queue.
func (q *Queue) Flush(err error) {
	items := q.items
	q.items = nil
	q.current = nil
	q.stopTimer()

	if len(items) > 0 {
		q.logger.WithFields(logrus.Fields{
			"count": len(items),
			"error": err,
		}).Debug("Flushing transaction queue")
	}

	for _, e := range items {
		e.tx.Fail(err)
	}
}

// Process runs the scheduler: drop terminal heads, start the next Pending
// one, stop at an Executing head. Nested calls return immediately; the
// outermost call observes their effects on its next iteration.
func (q *Queue) Process() {
	if q.processing {
		return
	}
	q.processing = true
	defer func() { q.processing = false }()

	for len(q.items) > 0 {
		head := q.items[0]
		state := head.tx.State()

		switch {
		case state.Terminal():
			q.items[0] = nil
			q.items = q.items[1:]
		case state == Executing:
			return
		default:
			q.start(head)
		}
	}
}

// Dispatch delivers a native event to the executing transaction.
// It reports false when nothing is executing.
func (q *Queue) Dispatch(ev native.Event) bool {
	e := q.current
	if e == nil || e.tx.State() != Executing {
		q.logger.WithField("event", ev.String()).Debug("Native event with no executing transaction, ignored")
		return false
	}

	q.armTimer(e)
	q.guard(e, func() { e.tx.OnNativeEvent(ev) })
	q.Process()
	return true
}

// Executing returns the head transaction if it is Executing, else nil.
func (q *Queue) Executing() Transaction {
	if len(q.items) == 0 {
		return nil
	}
	if tx := q.items[0].tx; tx.State() == Executing {
		return tx
	}
	return nil
}

// Len returns the number of queued entries, terminal ones not yet drained included.
func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) start(e *entry) {
	link := q.link()
	if link == nil {
		e.tx.Fail(device.NewError(device.KindNotConnected, "not connected"))
		return
	}

	q.current = e
	q.armTimer(e)
	e.span.AddEvent("start")

	q.logger.WithFields(logrus.Fields{
		"tx":   e.tx.ID(),
		"kind": e.tx.Kind(),
		"link": link.ID(),
	}).Debug("Starting transaction")

	q.guard(e, func() { e.tx.Start(link) })

	if e.tx.State() == Pending {
		e.tx.Fail(device.NewError(device.KindGenericError, "transaction %s did not start", e.tx.ID()))
	}
}

// guard runs fn, converting a panic into a GenericError failure of e.
func (q *Queue) guard(e *entry, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := groutine.PanicError(r)
			q.logger.WithFields(logrus.Fields{
				"tx":    e.tx.ID(),
				"kind":  e.tx.Kind(),
				"panic": r,
			}).Error("Transaction panicked")
			e.tx.Fail(device.WrapError(device.KindGenericError, err, "transaction %s crashed", e.tx.ID()))
		}
	}()
	fn()
}

func (q *Queue) settled(e *entry) {
	if q.current == e {
		q.current = nil
		q.stopTimer()
	}

	state := e.tx.State()
	e.span.SetAttributes(tracing.StringAttr("ble.tx.state", state.String()))
	if err := e.tx.Err(); err != nil && state == Failed {
		tracing.RecordError(e.span, err)
	} else if state == Succeeded {
		tracing.SetOK(e.span)
	}
	e.span.End()

	q.logger.WithFields(logrus.Fields{
		"tx":    e.tx.ID(),
		"kind":  e.tx.Kind(),
		"state": state,
		"error": e.tx.Err(),
	}).Debug("Transaction settled")

	q.Process()
}

func (q *Queue) armTimer(e *entry) {
	q.stopTimer()
	if q.timeout < 0 {
		return
	}

	q.timerGen++
	gen := q.timerGen
	q.timer = time.AfterFunc(q.timeout, func() {
		q.post(func() { q.expire(gen, e) })
	})
}

func (q *Queue) stopTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.timerGen++
}

func (q *Queue) expire(gen uint64, e *entry) {
	if gen != q.timerGen || q.current != e {
		return
	}
	q.logger.WithFields(logrus.Fields{
		"tx":      e.tx.ID(),
		"kind":    e.tx.Kind(),
		"timeout": q.timeout,
	}).Warn("Transaction timed out")
	e.tx.Fail(device.NewError(device.KindGattError, "operation timed out"))
}
