//go:build !linux

package goble

func isPermissionError(err error) bool {
	return containsIgnoreCase(err.Error(), "operation not permitted")
}
