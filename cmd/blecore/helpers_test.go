package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/internal/device"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "not enabled",
			err:      device.NewError(device.KindNotEnabled, "adapter powered off"),
			expected: "Bluetooth is turned off: adapter powered off",
		},
		{
			name:     "wrapped gatt error keeps context",
			err:      fmt.Errorf("failed to read characteristic 2a19: %w", device.NewError(device.KindGattError, "read failed (status: 5)")),
			expected: "the device rejected or did not answer the request: failed to read characteristic 2a19: read failed (status: 5)",
		},
		{
			name:     "characteristic not found",
			err:      device.NotFound("characteristic", "2a00"),
			expected: `characteristic "2a00" not found (run 'blecore inspect' to list the GATT profile)`,
		},
		{
			name:     "invalid arguments",
			err:      device.NewError(device.KindInvalidArguments, "empty UUID"),
			expected: "invalid arguments: empty UUID",
		},
		{
			name:     "timeout",
			err:      fmt.Errorf("connect: %w", context.DeadlineExceeded),
			expected: "operation timed out: connect: context deadline exceeded",
		},
		{
			name:     "connection lost",
			err:      ErrConnectionLost,
			expected: "connection to the device was lost",
		},
		{
			name:     "plain error",
			err:      errors.New("boom"),
			expected: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatUserError(tt.err))
		})
	}
	assert.Empty(t, FormatUserError(nil))
}

func TestParseWriteData(t *testing.T) {
	// GOAL: Verify hex data parsing handles various input formats correctly
	//
	// TEST SCENARIO: Parse hex with different separators → decoded bytes → matches expected output

	defer func() { writeHex = false }()

	tests := []struct {
		name     string
		hex      bool
		input    string
		expected []byte
	}{
		{name: "raw string", input: "hi", expected: []byte("hi")},
		{name: "simple hex", hex: true, input: "0102", expected: []byte{0x01, 0x02}},
		{name: "hex with spaces", hex: true, input: "01 02 03", expected: []byte{0x01, 0x02, 0x03}},
		{name: "hex with colons", hex: true, input: "01:02:03", expected: []byte{0x01, 0x02, 0x03}},
		{name: "hex with 0x prefix", hex: true, input: "0x01 0x02", expected: []byte{0x01, 0x02}},
		{name: "mixed separators", hex: true, input: "0x01:02-03 04", expected: []byte{0x01, 0x02, 0x03, 0x04}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeHex = tt.hex
			result, err := parseWriteData(tt.input)
			require.NoError(t, err, "MUST parse valid data")
			assert.Equal(t, tt.expected, result, "decoded bytes MUST match expected")
		})
	}

	writeHex = true
	result, err := parseWriteData("ZZZZ")
	assert.Error(t, err, "MUST fail on invalid hex characters")
	assert.Nil(t, result, "result MUST be nil on error")
}

func TestParseStreamMode(t *testing.T) {
	for input, expected := range map[string]streamMode{
		"live":       streamLive,
		"EVERY":      streamLive,
		"batched":    streamBatched,
		"batch":      streamBatched,
		"latest":     streamLatest,
		"aggregated": streamLatest,
	} {
		mode, err := parseStreamMode(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, mode, input)
	}

	_, err := parseStreamMode("sometimes")
	assert.Error(t, err)
}

func TestParseCSVUUIDs(t *testing.T) {
	assert.Equal(t, []string{"2a37"}, parseCSVUUIDs("2a37"))
	assert.Equal(t, []string{"2a37", "2a38", "2a19"}, parseCSVUUIDs("2a37, 2a38 ,,2a19"))
	assert.Empty(t, parseCSVUUIDs(" , "))
}

func TestResolveTarget(t *testing.T) {
	// GOAL: Verify characteristic resolution against the discovered profile
	//
	// TEST SCENARIO: unique UUID auto-resolves; shared UUID needs --service; unknown UUIDs fail by kind

	services := []device.Service{
		{UUID: "180f", Characteristics: []device.Characteristic{{UUID: "2a19", Properties: device.PropRead}}},
		{UUID: "180d", Characteristics: []device.Characteristic{
			{UUID: "2a37", Properties: device.PropNotify},
			{UUID: "2a19", Properties: device.PropRead | device.PropNotify},
		}},
		{UUID: "180a", Characteristics: []device.Characteristic{{UUID: "2a29", Properties: device.PropRead}}},
	}

	t.Run("auto-resolve", func(t *testing.T) {
		target, err := resolveTarget(services, "2A37", "")
		require.NoError(t, err)
		assert.Equal(t, device.NormalizeUUID("180d"), target.Service)
		assert.Equal(t, device.NormalizeUUID("2a37"), target.Characteristic.UUID)
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := resolveTarget(services, "2a19", "")
		require.Error(t, err)
		assert.True(t, device.IsKind(err, device.KindInvalidArguments))
		assert.Contains(t, err.Error(), "specify --service")
	})

	t.Run("explicit service", func(t *testing.T) {
		target, err := resolveTarget(services, "2a19", "180d")
		require.NoError(t, err)
		assert.Equal(t, device.PropRead|device.PropNotify, target.Characteristic.Properties)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := resolveTarget(services, "2a00", "")
		assert.True(t, device.IsKind(err, device.KindCharacteristicNotFound))

		_, err = resolveTarget(services, "2a19", "1800")
		assert.True(t, device.IsKind(err, device.KindServiceNotFound))

		_, err = resolveTarget(services, "xyz", "")
		assert.True(t, device.IsKind(err, device.KindInvalidArguments))
	})

	t.Run("list", func(t *testing.T) {
		targets, err := resolveTargets(services, "2a37,2a29", "")
		require.NoError(t, err)
		require.Len(t, targets, 2)
		assert.Equal(t, device.NormalizeUUID("180a"), targets[1].Service)

		_, err = resolveTargets(services, " ", "")
		assert.True(t, device.IsKind(err, device.KindInvalidArguments))
	})
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestProgressPrinter_SilentOffTerminal(t *testing.T) {
	// GOAL: Verify the progress line is never drawn into non-terminal output
	//
	// TEST SCENARIO: Start/SetPhase/Transfer/Stop on a buffer → buffer stays empty; Stop twice is safe

	var buf bytes.Buffer
	p := NewCountdownProgressPrinter(&buf, "Scanning", "Scanning", 0)
	p.Start()
	p.SetPhase("Reading")
	p.Transfer(20, 40)
	p.Stop()
	p.Stop()

	assert.Empty(t, buf.String())
	assert.Equal(t, "20/40 bytes", p.phase.Load())
	assert.Panics(t, p.Start, "Start MUST NOT be callable twice")
}
