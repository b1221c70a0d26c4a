package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/testutils"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func (s *CommandsTestSuite) emitScanResults() {
	s.When(func() bool { return s.Driver.Count("StartScan") > 0 }, func() {
		s.Driver.Emit(native.Event{
			Kind: native.KindScanResult,
			Devices: []device.DeviceInfo{
				s.Peripheral.DeviceInfo(),
				{ID: "11:22:33:44:55:66", RSSI: -90, IsAvailable: true, TxPower: 4},
			},
		})
		// a later advertisement of the same device replaces the first
		s.Driver.Emit(native.Event{
			Kind:    native.KindScanResult,
			Devices: []device.DeviceInfo{{ID: "11:22:33:44:55:66", RSSI: -80, IsAvailable: true, TxPower: 4}},
		})
	})
}

func (s *CommandsTestSuite) TestScan_JSON() {
	// GOAL: Verify scan collects deduplicated devices and prints them as JSON
	//
	// TEST SCENARIO: Scan 300ms, driver reports 2 devices (one twice) → JSON list of 2 in discovery order

	s.emitScanResults()

	out, _, err := s.ExecuteCommand("scan", "-d", "300ms", "-f", "json")
	s.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(out, `[
		{"id": "AA:BB:CC:DD:EE:FF", "name": "blecore-test", "rssi": -60, "isConnectable": true},
		{"id": "11:22:33:44:55:66", "name": "", "rssi": -80, "isConnectable": false, "txPower": 4}
	]`)
	s.Equal(1, s.Driver.Count("StopScan"), "scan MUST be stopped once the duration elapsed")
}

func (s *CommandsTestSuite) TestScan_Table() {
	// GOAL: Verify the default table output
	//
	// TEST SCENARIO: Scan with service filter → filter forwarded normalized; table lists both devices

	s.emitScanResults()

	out, _, err := s.ExecuteCommand("scan", "-d", "300ms", "-s", "180F")
	s.Require().NoError(err, "scan MUST succeed")

	calls := s.Driver.CallsOf("StartScan")
	s.Require().Len(calls, 1)
	s.Equal([]string{"0000180f-0000-1000-8000-00805f9b34fb"}, calls[0].ServiceUUIDs, "service filter MUST be normalized")

	row := "%-19s%-19s%-9s%-13s%s\n"
	expected := fmt.Sprintf(row, "NAME", "ADDRESS", "RSSI", "CONNECTABLE", "TX POWER") +
		fmt.Sprintf(row, "blecore-test", "AA:BB:CC:DD:EE:FF", "-60 dBm", "yes", "-") +
		fmt.Sprintf(row, "11:22:33:44:55:66", "11:22:33:44:55:66", "-80 dBm", "no", "4 dBm")
	testutils.NewTextAsserter(s.T()).Assert(out, expected)
}

func (s *CommandsTestSuite) TestScan_NothingFound() {
	// GOAL: Verify empty scans are reported, not failed
	//
	// TEST SCENARIO: Scan with no results → "No devices discovered"

	out, _, err := s.ExecuteCommand("scan", "-d", "50ms")
	s.Require().NoError(err)
	s.Equal("No devices discovered\n", out)
}

func (s *CommandsTestSuite) TestScan_InvalidArguments() {
	// GOAL: Verify argument validation happens before the adapter is touched
	//
	// TEST SCENARIO: Invalid format / invalid service UUID → error, driver never initialized

	_, _, err := s.ExecuteCommand("scan", "-f", "xml")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid format 'xml'")

	_, _, err = s.ExecuteCommand("scan", "-f", "table", "-s", "not-a-uuid")
	s.Require().Error(err)
	s.True(device.IsKind(err, device.KindInvalidArguments), "bad UUID MUST be InvalidArguments")

	s.Zero(s.Driver.Count("Init"), "driver MUST NOT be initialized for invalid arguments")
}

func (s *CommandsTestSuite) TestScan_AdapterUnavailable() {
	// GOAL: Verify init failures surface with their kind
	//
	// TEST SCENARIO: Driver Init fails with NotEnabled → command fails with NotEnabled and a friendly message

	s.Driver.FailOn("Init", device.NewError(device.KindNotEnabled, "adapter powered off"))

	_, _, err := s.ExecuteCommand("scan", "-d", "50ms")
	s.Require().Error(err)
	s.True(device.IsKind(err, device.KindNotEnabled))
	s.Equal("Bluetooth is turned off: adapter powered off", FormatUserError(err))
}

func (s *CommandsTestSuite) TestRead_Hex() {
	// GOAL: Verify a single characteristic read with hex output
	//
	// TEST SCENARIO: read 2a19 --hex → "32"; connection and read go through the driver; link closed afterwards

	out, _, err := s.ExecuteCommand("read", testutils.DefaultPeripheralID, "2a19", "--hex")
	s.Require().NoError(err, "read MUST succeed")
	s.Equal("32\n", out)

	s.Equal(2, s.Driver.Count("Read"), "chunked read MUST stop at the end marker")
	s.Equal(1, s.Driver.Count("Disconnect"), "command MUST disconnect on exit")
	s.Equal(1, s.Driver.Count("Close"), "command MUST release the adapter on exit")
}

func (s *CommandsTestSuite) TestRead_RawChunked() {
	// GOAL: Verify multi-chunk values are reassembled and --size truncates
	//
	// TEST SCENARIO: 50-byte value → raw output equals value; --size 25 → first 25 bytes

	value := []byte("0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMN")
	s.Peripheral.SetValue(dataService, dataChar, value)

	out, _, err := s.ExecuteCommand("read", testutils.DefaultPeripheralID, dataChar)
	s.Require().NoError(err)
	s.Equal(string(value), out, "raw output MUST be the reassembled value")

	s.SetupTest()
	s.Peripheral.SetValue(dataService, dataChar, value)
	out, _, err = s.ExecuteCommand("read", testutils.DefaultPeripheralID, dataChar, "--size", "25")
	s.Require().NoError(err)
	s.Equal(string(value[:25]), out, "read MUST stop at --size bytes")
}

func (s *CommandsTestSuite) TestRead_Multiple() {
	// GOAL: Verify comma-separated reads print one prefixed line each
	//
	// TEST SCENARIO: --char 2a19,<data char> --hex → "2a19: 32" then the data characteristic

	s.Peripheral.SetValue(dataService, dataChar, []byte("hi"))

	out, _, err := s.ExecuteCommand("read", testutils.DefaultPeripheralID, "--char", "2a19,"+dataChar, "--hex")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, "2a19: 32\n"+dataChar+": 6869\n")
}

func (s *CommandsTestSuite) TestRead_Errors() {
	// GOAL: Verify resolution and validation errors
	//
	// TEST SCENARIO: Unknown characteristic → CharacteristicNotFound with hint; watch with 2 chars → argument error; no UUID → argument error

	_, _, err := s.ExecuteCommand("read", testutils.DefaultPeripheralID, "2a00")
	s.Require().Error(err)
	s.True(device.IsKind(err, device.KindCharacteristicNotFound))
	s.Contains(FormatUserError(err), "blecore inspect")

	s.SetupTest()
	_, _, err = s.ExecuteCommand("read", testutils.DefaultPeripheralID, "2a19,2a00", "--watch")
	s.Require().Error(err)
	s.Contains(err.Error(), "watch mode requires a single characteristic")

	_, _, err = s.ExecuteCommand("read", testutils.DefaultPeripheralID)
	s.Require().Error(err)
	s.Contains(err.Error(), "UUID required")
}

func (s *CommandsTestSuite) TestWrite_Chunked() {
	// GOAL: Verify writes are split into acknowledged chunks
	//
	// TEST SCENARIO: write 11 bytes with --chunk 4 → 3 native writes, device holds the value, "Write successful"

	out, _, err := s.ExecuteCommand("write", testutils.DefaultPeripheralID, dataChar, "hello world", "--chunk", "4")
	s.Require().NoError(err, "write MUST succeed")
	s.Equal("Write successful\n", out)

	writes := s.Driver.CallsOf("Write")
	s.Require().Len(writes, 3, "11 bytes in 4-byte chunks MUST take 3 writes")
	s.Equal([]byte("hell"), writes[0].Data)
	s.True(writes[0].WithResponse, "writable characteristic MUST be written with response")
	s.Equal([]byte("hello world"), s.Peripheral.Value(dataService, dataChar))
}

func (s *CommandsTestSuite) TestWrite_Hex() {
	// GOAL: Verify --hex parsing reaches the device
	//
	// TEST SCENARIO: write "0x01:02 03" --hex → device value [1 2 3]

	_, _, err := s.ExecuteCommand("write", testutils.DefaultPeripheralID, dataChar, "0x01:02 03", "--hex")
	s.Require().NoError(err)
	s.Equal([]byte{1, 2, 3}, s.Peripheral.Value(dataService, dataChar))
}

func (s *CommandsTestSuite) TestWrite_NotWritable() {
	// GOAL: Verify read-only characteristics are refused before any write
	//
	// TEST SCENARIO: write to 2a19 (read,notify) → OperationNotAllowed, no native write

	_, _, err := s.ExecuteCommand("write", testutils.DefaultPeripheralID, "2a19", "x")
	s.Require().Error(err)
	s.True(device.IsKind(err, device.KindOperationNotAllowed))
	s.Zero(s.Driver.Count("Write"))
}

func (s *CommandsTestSuite) TestWrite_GattFailure() {
	// GOAL: Verify native write failures are reported as GATT errors
	//
	// TEST SCENARIO: Peripheral answers writes with status 3 → GattError

	s.Peripheral.RespondWithStatus("Write", 3)

	_, _, err := s.ExecuteCommand("write", testutils.DefaultPeripheralID, dataChar, "x")
	s.Require().Error(err)
	s.True(device.IsKind(err, device.KindGattError), "failed write MUST be a GATT error, got %v", err)
}

func (s *CommandsTestSuite) TestSubscribe_Live() {
	// GOAL: Verify notifications are streamed while subscribed
	//
	// TEST SCENARIO: subscribe --hex for 300ms, device pushes 2 values → both printed in order; notifications disabled on exit

	s.When(func() bool { return s.Peripheral.Notifying(dataService, dataChar) }, func() {
		s.Driver.Emit(s.Peripheral.ValueChanged(dataService, dataChar, []byte{0x01, 0x02}))
		s.Driver.Emit(s.Peripheral.ValueChanged(dataService, dataChar, []byte{0x03, 0x04}))
	})

	out, _, err := s.ExecuteCommand("subscribe", testutils.DefaultPeripheralID, dataChar, "--hex", "--duration", "300ms")
	s.Require().NoError(err, "subscribe MUST end cleanly when the duration elapses")
	s.Equal("0102\n0304\n", out)

	calls := s.Driver.CallsOf("SetNotify")
	s.Require().Len(calls, 2, "MUST enable then disable notifications")
	s.True(calls[0].Enable)
	s.False(calls[1].Enable)
}

func (s *CommandsTestSuite) TestSubscribe_Latest() {
	// GOAL: Verify latest mode keeps one value per characteristic
	//
	// TEST SCENARIO: 3 pushes on one characteristic within one rate window → only the last is printed

	s.When(func() bool { return s.Peripheral.Notifying(dataService, dataChar) }, func() {
		for _, v := range []byte{1, 2, 3} {
			s.Driver.Emit(s.Peripheral.ValueChanged(dataService, dataChar, []byte{v}))
		}
	})

	out, _, err := s.ExecuteCommand("subscribe", testutils.DefaultPeripheralID, dataChar,
		"--hex", "--mode", "latest", "--rate", "1h", "--duration", "300ms")
	s.Require().NoError(err)
	s.Equal("03\n", out)
}

func (s *CommandsTestSuite) TestSubscribe_ConnectionLost() {
	// GOAL: Verify an unexpected disconnect ends the stream with ErrConnectionLost
	//
	// TEST SCENARIO: Subscribed, link drops → ErrConnectionLost

	s.When(func() bool { return s.Peripheral.Notifying(dataService, dataChar) }, func() {
		s.Driver.Emit(native.Event{
			Kind:   native.KindDisconnected,
			LinkID: testutils.DefaultPeripheralID,
			Status: native.StatusFailure,
			Err:    device.NewError(device.KindNotConnected, "connection lost"),
		})
	})

	cfg := s.WriteConfig("ble:\n  auto_reconnect: false\n")
	_, _, err := s.ExecuteCommand("subscribe", testutils.DefaultPeripheralID, dataChar, "--config", cfg, "--duration", "5s")
	s.Require().ErrorIs(err, ErrConnectionLost)
	s.Equal("connection to the device was lost", FormatUserError(err))
}

func (s *CommandsTestSuite) TestSubscribe_InvalidMode() {
	_, _, err := s.ExecuteCommand("subscribe", testutils.DefaultPeripheralID, "2a19", "--mode", "sometimes")
	s.Require().Error(err)
	s.Contains(err.Error(), `invalid mode "sometimes"`)
}

func (s *CommandsTestSuite) TestRSSI() {
	// GOAL: Verify the rssi command
	//
	// TEST SCENARIO: rssi → "-60 dBm"

	out, _, err := s.ExecuteCommand("rssi", testutils.DefaultPeripheralID)
	s.Require().NoError(err)
	s.Equal("-60 dBm\n", out)
}

func (s *CommandsTestSuite) TestInspect_Text() {
	// GOAL: Verify inspect lists the profile and reads readable characteristics
	//
	// TEST SCENARIO: inspect → both services, properties, battery value; write-only characteristic not read

	out, _, err := s.ExecuteCommand("inspect", testutils.DefaultPeripheralID)
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `Device AA:BB:CC:DD:EE:FF (-60 dBm)
Service 180f
  2a19  [read|notify]  = 32
Service 6e400001-b5a3-f393-e0a9-e50e24dcca9e
  6e400002-b5a3-f393-e0a9-e50e24dcca9e  [read|write|notify|indicate]
  6e400003-b5a3-f393-e0a9-e50e24dcca9e  [write-without-response]
`)
	for _, c := range s.Driver.CallsOf("Read") {
		s.NotEqual("6e400003-b5a3-f393-e0a9-e50e24dcca9e", c.Characteristic, "write-only characteristic MUST NOT be read")
	}
}

func (s *CommandsTestSuite) TestInspect_JSON() {
	// GOAL: Verify the JSON report and read failures per characteristic
	//
	// TEST SCENARIO: Reads fail with status 5 → JSON report still lists every characteristic with an error

	s.Peripheral.RespondWithStatus("Read", 5)

	out, _, err := s.ExecuteCommand("inspect", testutils.DefaultPeripheralID, "--json")
	s.Require().NoError(err, "read failures MUST NOT fail the inspection")

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"id": "AA:BB:CC:DD:EE:FF",
		"rssi": -60,
		"services": [
			{"uuid": "0000180f-0000-1000-8000-00805f9b34fb", "characteristics": [
				{"uuid": "00002a19-0000-1000-8000-00805f9b34fb", "properties": "read|notify", "error": "<<PRESENCE>>"}
			]},
			{"uuid": "6e400001-b5a3-f393-e0a9-e50e24dcca9e", "characteristics": [
				{"uuid": "6e400002-b5a3-f393-e0a9-e50e24dcca9e", "properties": "read|write|notify|indicate", "error": "<<PRESENCE>>"},
				{"uuid": "6e400003-b5a3-f393-e0a9-e50e24dcca9e", "properties": "write-without-response"}
			]}
		]
	}`)
}

func (s *CommandsTestSuite) TestConfigFile() {
	// GOAL: Verify the config file drives the module
	//
	// TEST SCENARIO: connect_attempts 1 + failing connect → exactly one native connect; invalid file → validation error

	s.Peripheral.RespondWithStatus("Connect", native.StatusFailure)
	cfg := s.WriteConfig("ble:\n  connect_attempts: 1\n  mtu: 0\n")

	_, _, err := s.ExecuteCommand("rssi", testutils.DefaultPeripheralID, "--config", cfg)
	s.Require().Error(err, "failing connect MUST fail the command")
	s.Equal(1, s.Driver.Count("Connect"), "connect_attempts MUST bound native attempts")
	s.Zero(s.Driver.Count("RequestMTU"))

	bad := s.WriteConfig("ble:\n  mtu: 9000\n")
	_, _, err = s.ExecuteCommand("rssi", testutils.DefaultPeripheralID, "--config", bad)
	s.Require().Error(err)
	s.Contains(err.Error(), "ble.mtu")
}

func (s *CommandsTestSuite) TestInvalidLogLevel() {
	_, _, err := s.ExecuteCommand("rssi", testutils.DefaultPeripheralID, "--log-level", "loud")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid log level: loud")
	s.Zero(s.Driver.Count("Init"))
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}
