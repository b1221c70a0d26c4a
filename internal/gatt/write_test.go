package gatt

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/testutils"
	"github.com/srg/blecore/internal/transaction"
)

func TestChunkedWriteState(t *testing.T) {
	data := []byte("0123456789")

	s := NewChunkedWriteState(data, 4)
	var chunks []string
	for !s.Done() {
		chunk := s.Next()
		chunks = append(chunks, string(chunk))
		prev := s.Offset()
		s.Advance(len(chunk))
		assert.GreaterOrEqual(t, s.Offset(), prev, "offset MUST be monotonic")
	}
	assert.Equal(t, []string{"0123", "4567", "89"}, chunks)
	assert.Equal(t, len(data), s.Offset())

	s.Advance(100)
	assert.Equal(t, len(data), s.Offset(), "MUST NOT advance past the end")
	s.Advance(-3)
	assert.Equal(t, len(data), s.Offset(), "MUST NOT move backwards")

	assert.True(t, NewChunkedWriteState(nil, 4).Done())
}

func TestChunkedWriteState_ChunkSize(t *testing.T) {
	tests := []struct {
		requested int
		want      int
	}{
		{0, MaxChunkSize},
		{-1, MaxChunkSize},
		{20, 20},
		{512, 512},
		{4096, MaxChunkSize},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.requested), func(t *testing.T) {
			assert.Equal(t, tt.want, NewChunkedWriteState([]byte{1}, tt.requested).ChunkSize())
		})
	}
}

func (s *GattSuite) TestWriteChar() {
	s.Run("fragments payload", func() {
		// GOAL: Verify chunking, progress before each next chunk and write-with-response selection
		//
		// TEST SCENARIO: 50 bytes in 20-byte chunks → 3 native writes, 2 progress events, peer value concatenated

		payload := make([]byte, 50)
		for i := range payload {
			payload[i] = byte(i)
		}
		s.Driver.ResetCalls()

		w := s.write(dataSvc, dataChar, payload, 20)

		s.Equal(transaction.Succeeded, w.State())
		writes := s.Driver.CallsOf("Write")
		s.Require().Len(writes, 3)
		s.Equal(payload[:20], writes[0].Data)
		s.Equal(payload[20:40], writes[1].Data)
		s.Equal(payload[40:], writes[2].Data)
		for _, c := range writes {
			s.True(c.WithResponse, "MUST write with response when supported")
		}

		s.Require().Len(s.progress, 2)
		s.Equal(20, s.progress[0].Current)
		s.Equal(40, s.progress[1].Current)
		s.Equal(50, s.progress[1].Total)

		s.Equal(payload, s.Peripheral.Value(dataSvc, dataChar))
	})

	s.Run("write without response", func() {
		s.Driver.ResetCalls()
		w := s.write(dataSvc, wnrChar, []byte{1, 2, 3}, 0)

		s.Equal(transaction.Succeeded, w.State())
		writes := s.Driver.CallsOf("Write")
		s.Require().Len(writes, 1)
		s.False(writes[0].WithResponse)
	})

	s.Run("not writable", func() {
		w := s.write(battSvc, battChar, []byte{1}, 0)
		s.True(device.IsKind(w.Err(), device.KindOperationNotAllowed))
	})

	s.Run("native error", func() {
		s.Peripheral.RespondWithStatus("Write", native.StatusFailure)
		defer s.Peripheral.RespondWithStatus("Write", native.StatusSuccess)

		w := s.write(dataSvc, dataChar, []byte{1, 2}, 0)
		s.Equal(transaction.Failed, w.State())
		s.True(device.IsKind(w.Err(), device.KindGattError))
		s.Contains(w.Err().Error(), "status: 257")
	})

	s.Run("rejected request", func() {
		s.Driver.FailOn("Write", errors.New("adapter busy"))
		defer s.Driver.FailOn("Write", nil)

		w := s.write(dataSvc, dataChar, []byte{1}, 0)
		s.True(device.IsKind(w.Err(), device.KindGattError))
		s.ErrorContains(w.Err(), "adapter busy")
	})
}

func (s *GattSuite) TestEOFRoundTrip() {
	// GOAL: Verify a chunked write followed by a sized read reproduces the payload
	//
	// TEST SCENARIO: chunk size c=20, len ∈ {0, 1, c-1, c, c+1, 10c}, peripheral reads served in 7-byte pieces

	const c = 20
	s.Peripheral.ReadChunk = 7

	for _, n := range []int{0, 1, c - 1, c, c + 1, 10 * c} {
		s.Run(fmt.Sprintf("len=%d", n), func() {
			s.Peripheral.SetValue(dataSvc, dataChar, nil)
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			w := s.write(dataSvc, dataChar, payload, c)
			s.Require().Equal(transaction.Succeeded, w.State(), "write MUST succeed: %v", w.Err())

			r := s.read(dataSvc, dataChar, n)
			s.Require().Equal(transaction.Succeeded, r.State(), "read MUST succeed: %v", r.Err())
			s.Equal(payload, r.Value(), "MUST reproduce the written bytes")
		})
	}
}

func TestWriteChar_EmptyPayloadMakesNoNativeCall(t *testing.T) {
	link := testutils.NewMockLink("AA")
	catalog := device.NewCatalog([]device.Service{{
		UUID:            battSvc,
		Characteristics: []device.Characteristic{{UUID: battChar, Properties: device.PropWrite}},
	}})

	w := NewWriteChar("tx", battSvc, battChar, nil, 0, catalog.Lookup, nil, nil)
	w.Start(link)

	assert.Equal(t, transaction.Succeeded, w.State())
	link.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReadChar_IssuesNormalizedRead(t *testing.T) {
	link := testutils.NewMockLink("AA")
	link.On("Read", "0000180f-0000-1000-8000-00805f9b34fb", "00002a19-0000-1000-8000-00805f9b34fb").Return(nil).Once()
	catalog := device.NewCatalog([]device.Service{{
		UUID:            battSvc,
		Characteristics: []device.Characteristic{{UUID: battChar, Properties: device.PropRead}},
	}})

	r := NewReadChar("tx", "180f", "2a19", 0, catalog.Lookup, nil, nil)
	r.Start(link)

	require.Equal(t, transaction.Executing, r.State())
	link.AssertExpectations(t)
}
