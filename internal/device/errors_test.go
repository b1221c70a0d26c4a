package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsComparesKind(t *testing.T) {
	err := NewError(KindNotConnected, "device has disconnected (unexpectedly)")

	assert.True(t, errors.Is(err, ErrNotConnected), "MUST match the sentinel of the same kind")
	assert.False(t, errors.Is(err, ErrGatt), "MUST NOT match a sentinel of another kind")

	wrapped := fmt.Errorf("read failed: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotConnected), "MUST match through fmt wrapping")
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "kind only",
			err:      &Error{Kind: KindNotInitialized},
			expected: "BleNotInitializedError",
		},
		{
			name:     "message",
			err:      NewError(KindInvalidArguments, "bad chunk size %d", -1),
			expected: "bad chunk size -1",
		},
		{
			name:     "message with cause",
			err:      WrapError(KindGattError, errors.New("att error 0x0e"), "write failed"),
			expected: "write failed: att error 0x0e",
		},
		{
			name:     "gatt status",
			err:      GattStatusError("read", 133, nil),
			expected: "read failed (status: 133)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestNotFound(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		uuids    []string
		kind     ErrorKind
		expected string
	}{
		{"service", "service", []string{"180f"}, KindServiceNotFound, `service "180f" not found`},
		{"characteristic", "characteristic", []string{"180f", "2a19"}, KindCharacteristicNotFound, `characteristic "2a19" not found in service "180f"`},
		{"device", "device", []string{"AA:BB:CC:DD:EE:FF"}, KindDeviceNotFound, `device "AA:BB:CC:DD:EE:FF" not found`},
		{"no uuids", "service", nil, KindServiceNotFound, "service not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NotFound(tt.resource, tt.uuids...)
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"nil", nil, ""},
		{"typed", ErrScan, KindScanError},
		{"wrapped typed", fmt.Errorf("ctx: %w", ErrOperationNotAllowed), KindOperationNotAllowed},
		{"context canceled", context.Canceled, KindOperationCanceled},
		{"deadline", context.DeadlineExceeded, KindGattError},
		{"plain", errors.New("boom"), KindGenericError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	plain := errors.New("boom")
	e := AsError(plain)
	assert.Equal(t, KindGenericError, e.Kind)
	assert.ErrorIs(t, e, plain, "MUST keep the cause reachable")

	typed := NewError(KindScanError, "scan failed")
	assert.Same(t, typed, AsError(fmt.Errorf("wrapped: %w", typed)))
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		assert.Equal(t, k, ParseKind(string(k)))
	}
	assert.Equal(t, KindGenericError, ParseKind("SomethingElse"))
}
