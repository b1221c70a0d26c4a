package gatt

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/transaction"
)

// ReadRSSI reads the signal strength of the link. The result is an int.
type ReadRSSI struct {
	*transaction.Base
	logger *logrus.Logger
}

func NewReadRSSI(id string, logger *logrus.Logger) *ReadRSSI {
	r := &ReadRSSI{Base: transaction.NewBase(id, KindRSSI), logger: loggerOrDefault(logger)}
	r.Self = r
	return r
}

// RSSI returns the value once the transaction succeeded.
func (r *ReadRSSI) RSSI() int {
	v, _ := r.Result().(int)
	return v
}

func (r *ReadRSSI) Start(link native.Link) {
	if !r.MarkExecuting() {
		return
	}
	if err := link.ReadRSSI(); err != nil {
		r.Fail(rejected("rssi", err))
	}
}

func (r *ReadRSSI) OnNativeEvent(ev native.Event) {
	if r.Terminal() {
		return
	}
	if ev.Kind != native.KindRSSIRead {
		r.logger.WithFields(logrus.Fields{
			"tx":    r.ID(),
			"event": ev.String(),
		}).Debug("Ignoring event not addressed to this RSSI read")
		return
	}
	if !ev.OK() {
		r.Fail(device.GattStatusError("read RSSI", ev.Status, ev.Err))
		return
	}
	r.Succeed(ev.RSSI)
}
