package gatt

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/transaction"
)

// MaxChunkSize is the largest attribute value a single write may carry.
const MaxChunkSize = 512

// ChunkedWriteState fragments a payload into sequential chunks.
// Chunks carry no framing: the peripheral concatenates them.
type ChunkedWriteState struct {
	data      []byte
	chunkSize int
	offset    int
}

// NewChunkedWriteState creates a state over data. A chunkSize outside
// 1..MaxChunkSize is replaced by MaxChunkSize.
func NewChunkedWriteState(data []byte, chunkSize int) *ChunkedWriteState {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	return &ChunkedWriteState{data: data, chunkSize: chunkSize}
}

// Next returns the chunk at the cursor without advancing it.
func (s *ChunkedWriteState) Next() []byte {
	end := s.offset + s.chunkSize
	if end > len(s.data) {
		end = len(s.data)
	}
	return s.data[s.offset:end]
}

// Advance moves the cursor forward by n bytes, never past the end.
func (s *ChunkedWriteState) Advance(n int) {
	if n < 0 {
		return
	}
	s.offset += n
	if s.offset > len(s.data) {
		s.offset = len(s.data)
	}
}

// Done reports whether every byte was written.
func (s *ChunkedWriteState) Done() bool { return s.offset >= len(s.data) }

func (s *ChunkedWriteState) Offset() int    { return s.offset }
func (s *ChunkedWriteState) Len() int       { return len(s.data) }
func (s *ChunkedWriteState) ChunkSize() int { return s.chunkSize }

// WriteChar writes a payload to a characteristic in chunks.
type WriteChar struct {
	*transaction.Base

	service        string
	characteristic string
	lookup         LookupFunc
	progress       ProgressFunc
	logger         *logrus.Logger

	target       target
	state        *ChunkedWriteState
	withResponse bool
	inflight     int
	link         native.Link
}

// NewWriteChar creates a chunked write of data.
func NewWriteChar(id, service, characteristic string, data []byte, chunkSize int, lookup LookupFunc, progress ProgressFunc, logger *logrus.Logger) *WriteChar {
	w := &WriteChar{
		Base:           transaction.NewBase(id, KindWrite),
		service:        service,
		characteristic: characteristic,
		lookup:         lookup,
		progress:       progress,
		logger:         loggerOrDefault(logger),
		state:          NewChunkedWriteState(data, chunkSize),
	}
	w.Self = w
	return w
}

func (w *WriteChar) Start(link native.Link) {
	if !w.MarkExecuting() {
		return
	}

	t, c, err := resolve(w.lookup, w.service, w.characteristic)
	if err != nil {
		w.Fail(err)
		return
	}
	if !c.Properties.CanWrite() {
		w.Fail(device.NewError(device.KindOperationNotAllowed,
			"characteristic %q is not writable (properties: %s)", t.characteristic, c.Properties))
		return
	}

	w.target = t
	w.link = link
	w.withResponse = c.Properties.Has(device.PropWrite)

	if w.state.Done() {
		w.Succeed(nil)
		return
	}
	w.issue()
}

func (w *WriteChar) OnNativeEvent(ev native.Event) {
	if w.Terminal() {
		return
	}
	if ev.Kind != native.KindCharWritten || !ev.Matches(w.target.service, w.target.characteristic) {
		w.logger.WithFields(logrus.Fields{
			"tx":    w.ID(),
			"event": ev.String(),
		}).Debug("Ignoring event not addressed to this write")
		return
	}
	if !ev.OK() {
		w.Fail(device.GattStatusError("write", ev.Status, ev.Err))
		return
	}

	w.state.Advance(w.inflight)
	w.inflight = 0
	if w.state.Done() {
		w.Succeed(nil)
		return
	}

	if w.progress != nil {
		w.progress(Progress{
			TransactionID:  w.ID(),
			Service:        w.target.service,
			Characteristic: w.target.characteristic,
			Current:        w.state.Offset(),
			Total:          w.state.Len(),
		})
	}

	if w.Terminal() {
		return
	}
	w.issue()
}

func (w *WriteChar) issue() {
	chunk := w.state.Next()
	w.inflight = len(chunk)
	if err := w.link.Write(w.target.service, w.target.characteristic, chunk, w.withResponse); err != nil {
		w.Fail(rejected("write", err))
	}
}
