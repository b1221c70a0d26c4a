package gatt

import (
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/transaction"
)

func (s *GattSuite) TestReadRSSI() {
	s.Peripheral.RSSI = -48

	r := NewReadRSSI("", s.Logger)
	s.queue.Add(r)
	s.Drain()

	s.Equal(transaction.Succeeded, r.State())
	s.Equal(-48, r.RSSI())

	s.Run("native error", func() {
		s.Peripheral.RespondWithStatus("ReadRSSI", 8)
		defer s.Peripheral.RespondWithStatus("ReadRSSI", native.StatusSuccess)

		r := NewReadRSSI("", s.Logger)
		s.queue.Add(r)
		s.Drain()
		s.True(device.IsKind(r.Err(), device.KindGattError))
		s.Contains(r.Err().Error(), "status: 8")
	})
}

func (s *GattSuite) TestSetNotify() {
	s.Run("enable and disable", func() {
		on := NewSetNotify("", battSvc, battChar, native.Notify, true, s.lookup, s.Logger)
		s.queue.Add(on)
		s.Drain()
		s.Equal(transaction.Succeeded, on.State())
		s.True(s.Peripheral.Notifying(battSvc, battChar))

		off := NewSetNotify("", battSvc, battChar, native.Notify, false, s.lookup, s.Logger)
		s.queue.Add(off)
		s.Drain()
		s.Equal(transaction.Succeeded, off.State())
		s.False(s.Peripheral.Notifying(battSvc, battChar))
	})

	s.Run("characteristic without notify", func() {
		n := NewSetNotify("", dataSvc, wnrChar, native.Notify, true, s.lookup, s.Logger)
		s.queue.Add(n)
		s.True(device.IsKind(n.Err(), device.KindInvalidArguments))
	})

	s.Run("native failure", func() {
		s.Peripheral.RespondWithStatus("SetNotify", native.StatusFailure)
		defer s.Peripheral.RespondWithStatus("SetNotify", native.StatusSuccess)

		n := NewSetNotify("", dataSvc, dataChar, native.Indicate, true, s.lookup, s.Logger)
		s.queue.Add(n)
		s.Drain()
		s.True(device.IsKind(n.Err(), device.KindGattError))
		s.Contains(n.Err().Error(), "enable indicate failed")
	})
}
