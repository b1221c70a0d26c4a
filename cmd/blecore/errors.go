package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blecore/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was still using it.
	ErrConnectionLost = errors.New("connection lost")
)

// userHints are one-line explanations shown after the raw error message.
var userHints = map[device.ErrorKind]string{
	device.KindNotSupported:       "Bluetooth LE is not supported on this host",
	device.KindMissingPermissions: "missing Bluetooth permissions (on Linux run with CAP_NET_ADMIN or as root)",
	device.KindNotEnabled:         "Bluetooth is turned off",
	device.KindNotConnected:       "the device is not connected",
	device.KindDeviceNotFound:     "the device could not be reached; make sure it is powered and advertising",
	device.KindGattError:          "the device rejected or did not answer the request",
}

// FormatUserError turns an error into a single line for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("operation timed out: %v", err)
	}
	if errors.Is(err, ErrConnectionLost) {
		return "connection to the device was lost"
	}

	kind := device.KindOf(err)
	msg := err.Error()

	switch kind {
	case device.KindServiceNotFound, device.KindCharacteristicNotFound:
		return fmt.Sprintf("%s (run 'blecore inspect' to list the GATT profile)", msg)
	case device.KindInvalidArguments:
		return fmt.Sprintf("invalid arguments: %s", msg)
	}

	if hint, ok := userHints[kind]; ok {
		return fmt.Sprintf("%s: %s", hint, msg)
	}
	return msg
}
