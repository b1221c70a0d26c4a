package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/blecore/internal/device"
)

// NormalizeError maps go-ble errors to classified device errors.
// It matches on messages, so it keeps working if upstream changes its
// error types; the original error stays reachable through errors.Unwrap.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var classified *device.Error
	if errors.As(err, &classified) {
		return err
	}
	if isPermissionError(err) {
		return device.WrapError(device.KindMissingPermissions, err, "missing bluetooth permission")
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "have=4 want=5"), containsIgnoreCase(msg, "bluetooth is turned off"):
		return device.WrapError(device.KindNotEnabled, err, "bluetooth is turned off")
	case containsIgnoreCase(msg, "have=3 want=5"), containsIgnoreCase(msg, "unauthorized"):
		return device.WrapError(device.KindMissingPermissions, err, "bluetooth access is not authorized")
	case containsIgnoreCase(msg, "have=2 want=5"), containsIgnoreCase(msg, "not supported"):
		return device.WrapError(device.KindNotSupported, err, "bluetooth is not supported")
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return device.WrapError(device.KindNotConnected, err, "device not connected")
	case containsIgnoreCase(msg, "device already connected"):
		return device.WrapError(device.KindAlreadyConnected, err, "device already connected")
	case containsIgnoreCase(msg, "connection is not initialized"):
		return device.WrapError(device.KindNotInitialized, err, "connection is not initialized")
	case errors.Is(err, context.Canceled):
		return device.WrapError(device.KindOperationCanceled, err, "operation canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return device.WrapError(device.KindGattError, err, "operation timed out")
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
