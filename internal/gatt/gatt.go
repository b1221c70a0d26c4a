// Package gatt holds the concrete GATT transactions executed by the
// transaction queue: chunked characteristic reads and writes, RSSI reads
// and notification toggles.
package gatt

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
)

// Transaction kinds.
const (
	KindRead   = "read"
	KindWrite  = "write"
	KindRSSI   = "rssi"
	KindNotify = "notify"
)

// Progress reports a chunk boundary of a multi-chunk transfer.
type Progress struct {
	TransactionID  string `json:"transactionId"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Current        int    `json:"current"`
	Total          int    `json:"total"`
}

// ProgressFunc receives progress reports. It runs on the event loop.
type ProgressFunc func(Progress)

// LookupFunc resolves a characteristic in the current service catalog.
type LookupFunc func(service, characteristic string) (device.Characteristic, error)

// target is the validated (service, characteristic) pair of a transaction.
type target struct {
	service        string
	characteristic string
}

// resolve normalizes both UUIDs and looks the characteristic up.
func resolve(lookup LookupFunc, service, characteristic string) (target, device.Characteristic, error) {
	svc, err := device.ParseUUID(service)
	if err != nil {
		return target{}, device.Characteristic{}, err
	}
	char, err := device.ParseUUID(characteristic)
	if err != nil {
		return target{}, device.Characteristic{}, err
	}
	if lookup == nil {
		return target{}, device.Characteristic{}, device.NotFound("service", svc)
	}
	c, err := lookup(svc, char)
	if err != nil {
		return target{}, device.Characteristic{}, err
	}
	return target{service: svc, characteristic: char}, c, nil
}

// rejected classifies a synchronous refusal of a native request.
// Classified driver errors keep their kind, anything else is a GattError.
func rejected(op string, err error) error {
	if device.KindOf(err) != device.KindGenericError {
		return device.AsError(err)
	}
	return device.WrapError(device.KindGattError, err, "%s request rejected", op)
}

func loggerOrDefault(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return logrus.New()
	}
	return logger
}
