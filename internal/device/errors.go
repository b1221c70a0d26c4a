package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure. The string value is the code carried by
// error events and promise rejections.
type ErrorKind string

const (
	KindNotInitialized         ErrorKind = "BleNotInitializedError"
	KindNotSupported           ErrorKind = "BleNotSupportedError"
	KindMissingPermissions     ErrorKind = "BleMissingPermissionError"
	KindNotEnabled             ErrorKind = "BleNotEnabledError"
	KindNotConnected           ErrorKind = "BleNotConnectedError"
	KindAlreadyConnected       ErrorKind = "BleAlreadyConnectedError"
	KindInvalidState           ErrorKind = "BleInvalidStateError"
	KindInvalidArguments       ErrorKind = "BleInvalidArgumentsError"
	KindDeviceNotFound         ErrorKind = "BleDeviceNotFoundError"
	KindCharacteristicNotFound ErrorKind = "BleCharacteristicNotFoundError"
	KindServiceNotFound        ErrorKind = "BleServiceNotFoundError"
	KindOperationCanceled      ErrorKind = "BleOperationCanceledError"
	KindOperationNotAllowed    ErrorKind = "BleOperationNotAllowedError"
	KindScanError              ErrorKind = "BleScanError"
	KindGattError              ErrorKind = "BleGATTError"
	KindGenericError           ErrorKind = "BleGenericError"
)

// Kinds lists every known error kind.
var Kinds = []ErrorKind{
	KindNotInitialized, KindNotSupported, KindMissingPermissions, KindNotEnabled,
	KindNotConnected, KindAlreadyConnected, KindInvalidState, KindInvalidArguments,
	KindDeviceNotFound, KindCharacteristicNotFound, KindServiceNotFound,
	KindOperationCanceled, KindOperationNotAllowed, KindScanError, KindGattError,
	KindGenericError,
}

// Error is a classified BLE failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error // optional cause
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind. Compare with errors.Is.
var (
	ErrNotInitialized         = &Error{Kind: KindNotInitialized}
	ErrNotSupported           = &Error{Kind: KindNotSupported}
	ErrMissingPermissions     = &Error{Kind: KindMissingPermissions}
	ErrNotEnabled             = &Error{Kind: KindNotEnabled}
	ErrNotConnected           = &Error{Kind: KindNotConnected}
	ErrAlreadyConnected       = &Error{Kind: KindAlreadyConnected}
	ErrInvalidState           = &Error{Kind: KindInvalidState}
	ErrInvalidArguments       = &Error{Kind: KindInvalidArguments}
	ErrDeviceNotFound         = &Error{Kind: KindDeviceNotFound}
	ErrCharacteristicNotFound = &Error{Kind: KindCharacteristicNotFound}
	ErrServiceNotFound        = &Error{Kind: KindServiceNotFound}
	ErrOperationCanceled      = &Error{Kind: KindOperationCanceled}
	ErrOperationNotAllowed    = &Error{Kind: KindOperationNotAllowed}
	ErrScan                   = &Error{Kind: KindScanError}
	ErrGatt                   = &Error{Kind: KindGattError}
	ErrGeneric                = &Error{Kind: KindGenericError}
)

// NewError creates an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies cause under kind, keeping it reachable through errors.Unwrap.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// GattStatusError reports a failed native GATT operation with its status code.
func GattStatusError(op string, status int, cause error) *Error {
	return &Error{
		Kind: KindGattError,
		Msg:  fmt.Sprintf("%s failed (status: %d)", op, status),
		Err:  cause,
	}
}

// NotFound builds a ServiceNotFound / CharacteristicNotFound error.
// uuids are ordered from parent to child, e.g. [service, characteristic].
func NotFound(resource string, uuids ...string) *Error {
	kind := KindGenericError
	switch resource {
	case "service":
		kind = KindServiceNotFound
	case "characteristic":
		kind = KindCharacteristicNotFound
	case "device":
		kind = KindDeviceNotFound
	}

	var msg string
	switch len(uuids) {
	case 0:
		msg = fmt.Sprintf("%s not found", resource)
	case 1:
		msg = fmt.Sprintf("%s %q not found", resource, uuids[0])
	default:
		msg = fmt.Sprintf("%s %q not found in service %q", resource, uuids[len(uuids)-1], uuids[0])
	}
	return &Error{Kind: kind, Msg: msg}
}

// KindOf classifies any error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindOperationCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindGattError
	default:
		return KindGenericError
	}
}

// AsError returns err as *Error, classifying it with KindOf when needed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Msg: err.Error(), Err: err}
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ParseKind maps a code back to its ErrorKind. Unknown codes map to KindGenericError.
func ParseKind(code string) ErrorKind {
	for _, k := range Kinds {
		if strings.EqualFold(string(k), code) {
			return k
		}
	}
	return KindGenericError
}
