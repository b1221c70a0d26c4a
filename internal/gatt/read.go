package gatt

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/transaction"
)

// EOF is the one-byte chunk a peripheral sends to signal the end of a
// chunked read.
const EOF byte = 0xFF

// ChunkedReadState reassembles a value delivered over successive reads.
//
// A chunk that is exactly [0xFF] ends the read whatever the expected total,
// so a one-byte payload of 0xFF cannot be transferred as data. An empty chunk
// also ends the read. With total > 0 the read also ends once total bytes are
// accumulated, and bytes past total are dropped. With total == 0 only the
// sentinel or an empty chunk ends it.
type ChunkedReadState struct {
	total   int
	buf     []byte
	dropped int
	eof     bool
}

// NewChunkedReadState creates a state expecting total bytes (0 = unbounded).
func NewChunkedReadState(total int) *ChunkedReadState {
	if total < 0 {
		total = 0
	}
	capacity := total
	if capacity == 0 || capacity > 64*1024 {
		capacity = 512
	}
	return &ChunkedReadState{total: total, buf: make([]byte, 0, capacity)}
}

// Feed appends chunk and reports whether more data is expected.
func (s *ChunkedReadState) Feed(chunk []byte) bool {
	if s.eof {
		return false
	}
	if len(chunk) == 0 || (len(chunk) == 1 && chunk[0] == EOF) {
		s.eof = true
		return false
	}

	if s.total == 0 {
		s.buf = append(s.buf, chunk...)
		return true
	}

	room := s.total - len(s.buf)
	if len(chunk) > room {
		s.dropped += len(chunk) - room
		chunk = chunk[:room]
	}
	s.buf = append(s.buf, chunk...)

	if len(s.buf) >= s.total {
		s.eof = true
		return false
	}
	return true
}

// Bytes returns the accumulated value.
func (s *ChunkedReadState) Bytes() []byte { return s.buf }

// Len returns the number of accumulated bytes.
func (s *ChunkedReadState) Len() int { return len(s.buf) }

// Total returns the expected size, 0 when unbounded.
func (s *ChunkedReadState) Total() int { return s.total }

// Dropped returns the number of overflow bytes discarded so far.
func (s *ChunkedReadState) Dropped() int { return s.dropped }

// ReadChar reads a characteristic value, chunk by chunk, until the
// ChunkedReadState is complete. The result is the reassembled []byte.
type ReadChar struct {
	*transaction.Base

	service        string
	characteristic string
	lookup         LookupFunc
	progress       ProgressFunc
	logger         *logrus.Logger

	target target
	state  *ChunkedReadState
	link   native.Link
}

// NewReadChar creates a read of up to total bytes (0 = until EOF).
func NewReadChar(id, service, characteristic string, total int, lookup LookupFunc, progress ProgressFunc, logger *logrus.Logger) *ReadChar {
	r := &ReadChar{
		Base:           transaction.NewBase(id, KindRead),
		service:        service,
		characteristic: characteristic,
		lookup:         lookup,
		progress:       progress,
		logger:         loggerOrDefault(logger),
		state:          NewChunkedReadState(total),
	}
	r.Self = r
	return r
}

// Value returns the read value once the transaction succeeded.
func (r *ReadChar) Value() []byte {
	v, _ := r.Result().([]byte)
	return v
}

func (r *ReadChar) Start(link native.Link) {
	if !r.MarkExecuting() {
		return
	}

	t, c, err := resolve(r.lookup, r.service, r.characteristic)
	if err != nil {
		r.Fail(err)
		return
	}
	if !c.Properties.CanRead() {
		r.Fail(device.NewError(device.KindOperationNotAllowed,
			"characteristic %q is not readable (properties: %s)", t.characteristic, c.Properties))
		return
	}

	r.target = t
	r.link = link
	r.issue()
}

func (r *ReadChar) OnNativeEvent(ev native.Event) {
	if r.Terminal() {
		return
	}
	if ev.Kind != native.KindCharRead || !ev.Matches(r.target.service, r.target.characteristic) {
		r.logger.WithFields(logrus.Fields{
			"tx":    r.ID(),
			"event": ev.String(),
		}).Debug("Ignoring event not addressed to this read")
		return
	}
	if !ev.OK() {
		r.Fail(device.GattStatusError("read", ev.Status, ev.Err))
		return
	}

	before := r.state.Dropped()
	more := r.state.Feed(ev.Value)
	if dropped := r.state.Dropped() - before; dropped > 0 {
		r.logger.WithFields(logrus.Fields{
			"tx":      r.ID(),
			"dropped": dropped,
			"total":   r.state.Total(),
		}).Warn("Peripheral sent more data than expected, extra bytes dropped")
	}

	if !more {
		r.Succeed(r.state.Bytes())
		return
	}

	if r.progress != nil {
		r.progress(Progress{
			TransactionID:  r.ID(),
			Service:        r.target.service,
			Characteristic: r.target.characteristic,
			Current:        r.state.Len(),
			Total:          r.state.Total(),
		})
	}

	// canceled from the progress callback
	if r.Terminal() {
		return
	}
	r.issue()
}

func (r *ReadChar) issue() {
	if err := r.link.Read(r.target.service, r.target.characteristic); err != nil {
		r.Fail(rejected("read", err))
	}
}
