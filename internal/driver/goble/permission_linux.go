//go:build linux

package goble

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isPermissionError reports HCI socket errors caused by missing capabilities
// (CAP_NET_ADMIN / CAP_NET_RAW).
func isPermissionError(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) ||
		containsIgnoreCase(err.Error(), "operation not permitted")
}
