package gatt

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/transaction"
)

// SetNotify enables or disables value-change pushes on a characteristic.
// The caller picks the mode; properties are validated again against the catalog.
type SetNotify struct {
	*transaction.Base

	service        string
	characteristic string
	mode           native.NotifyMode
	enable         bool
	lookup         LookupFunc
	logger         *logrus.Logger

	target target
	issued bool
}

func NewSetNotify(id, service, characteristic string, mode native.NotifyMode, enable bool, lookup LookupFunc, logger *logrus.Logger) *SetNotify {
	n := &SetNotify{
		Base:           transaction.NewBase(id, KindNotify),
		service:        service,
		characteristic: characteristic,
		mode:           mode,
		enable:         enable,
		lookup:         lookup,
		logger:         loggerOrDefault(logger),
	}
	n.Self = n
	return n
}

// Enable reports whether the transaction enables pushes.
func (n *SetNotify) Enable() bool { return n.enable }

func (n *SetNotify) Mode() native.NotifyMode { return n.mode }

// Issued reports whether the native toggle was sent to the peripheral. A
// transaction canceled after that may still have taken effect.
func (n *SetNotify) Issued() bool { return n.issued }

func (n *SetNotify) Start(link native.Link) {
	if !n.MarkExecuting() {
		return
	}

	t, c, err := resolve(n.lookup, n.service, n.characteristic)
	if err != nil {
		n.Fail(err)
		return
	}
	if !c.Properties.CanNotify() {
		n.Fail(device.NewError(device.KindInvalidArguments,
			"characteristic %q supports neither notify nor indicate", t.characteristic))
		return
	}

	n.target = t
	n.issued = true
	if err := link.SetNotify(t.service, t.characteristic, n.mode, n.enable); err != nil {
		n.Fail(rejected(n.op(), err))
	}
}

func (n *SetNotify) OnNativeEvent(ev native.Event) {
	if n.Terminal() {
		return
	}
	if ev.Kind != native.KindNotifyChanged || !ev.Matches(n.target.service, n.target.characteristic) {
		n.logger.WithFields(logrus.Fields{
			"tx":    n.ID(),
			"event": ev.String(),
		}).Debug("Ignoring event not addressed to this notify toggle")
		return
	}
	if !ev.OK() {
		n.Fail(device.GattStatusError(n.op(), ev.Status, ev.Err))
		return
	}
	n.Succeed(nil)
}

func (n *SetNotify) op() string {
	if n.enable {
		return "enable " + n.mode.String()
	}
	return "disable " + n.mode.String()
}
