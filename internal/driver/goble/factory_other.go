//go:build !darwin && !linux

package goble

import (
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/blecore/internal/device"
)

func newDevice() (ble.Device, error) {
	return nil, device.NewError(device.KindNotSupported, "bluetooth is not supported on %s", runtime.GOOS)
}
