package gatt

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/testutils"
	"github.com/srg/blecore/internal/transaction"
)

const (
	dataSvc   = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	dataChar  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	wnrChar   = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	battSvc   = "180F"
	battChar  = "2A19"
	peerID    = testutils.DefaultPeripheralID
	otherChar = "2A1A"
)

// GattSuite drives transactions through a real Queue against the fake driver.
// Native completions are buffered and delivered by Drain, one at a time.
type GattSuite struct {
	testutils.PeripheralSuite

	queue    *transaction.Queue
	link     native.Link
	catalog  *device.Catalog
	pending  []native.Event
	progress []Progress
}

func (s *GattSuite) SetupTest() {
	s.PeripheralSuite.SetupTest()

	s.pending = nil
	s.progress = nil
	s.Require().NoError(s.Driver.Init(func(ev native.Event) { s.pending = append(s.pending, ev) }))

	link, err := s.Driver.Open(peerID)
	s.Require().NoError(err)
	s.link = link
	s.catalog = device.NewCatalog(s.Peripheral.Services)

	s.queue = transaction.NewQueue(transaction.Options{
		Timeout: -1,
		Link:    func() native.Link { return s.link },
		Logger:  s.Logger,
	})
}

func (s *GattSuite) lookup(service, characteristic string) (device.Characteristic, error) {
	return s.catalog.Lookup(service, characteristic)
}

func (s *GattSuite) onProgress(p Progress) {
	s.progress = append(s.progress, p)
}

// Drain delivers buffered native events until none are left.
func (s *GattSuite) Drain() {
	for len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.queue.Dispatch(ev)
	}
}

func (s *GattSuite) read(service, characteristic string, total int) *ReadChar {
	r := NewReadChar("", service, characteristic, total, s.lookup, s.onProgress, s.Logger)
	s.queue.Add(r)
	s.Drain()
	return r
}

func (s *GattSuite) write(service, characteristic string, data []byte, chunkSize int) *WriteChar {
	w := NewWriteChar("", service, characteristic, data, chunkSize, s.lookup, s.onProgress, s.Logger)
	s.queue.Add(w)
	s.Drain()
	return w
}

func TestGattSuite(t *testing.T) {
	suite.Run(t, new(GattSuite))
}
