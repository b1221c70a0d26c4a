package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// DefaultPeripheralID is the address of the peripheral set up by PeripheralSuite.
const DefaultPeripheralID = "AA:BB:CC:DD:EE:FF"

// PeripheralSuite provides a reusable test suite backed by a FakeDriver with
// one fake peripheral attached.
//
// Basic usage (battery service peripheral):
//
//	type SimpleSuite struct {
//	    testutils.PeripheralSuite
//	}
//
//	func TestSimpleSuite(t *testing.T) {
//	    suite.Run(t, new(SimpleSuite))
//	}
//
// Custom profile usage:
//
//	func (s *HeartRateSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.PeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type PeripheralSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	PeripheralBuilder *PeripheralBuilder
	Driver            *FakeDriver
	Peripheral        *FakePeripheral
}

// SetupSuite is called once before all tests in the suite.
func (s *PeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
	s.Logger.Debug("Suite setup completed")
}

// SetupTest builds a fresh driver and peripheral before each test.
func (s *PeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = createDefaultPeripheralBuilder()
	}

	s.Peripheral = s.PeripheralBuilder.Build()
	s.Driver = NewFakeDriver().AddPeripheral(s.Peripheral)

	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest resets the peripheral builder after each test.
func (s *PeripheralSuite) TearDownTest() {
	s.PeripheralBuilder = nil
	s.Peripheral = nil
	s.Driver = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration.
// Call it before PeripheralSuite.SetupTest.
func (s *PeripheralSuite) WithPeripheral() *PeripheralBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralBuilder(DefaultPeripheralID)
	}
	return s.PeripheralBuilder
}

// WaitUntil waits for cond using the suite timeout.
func (s *PeripheralSuite) WaitUntil(cond func() bool, msgAndArgs ...interface{}) {
	s.Require().Eventually(cond, s.TestTimeout, 5*time.Millisecond, msgAndArgs...)
}

// createDefaultPeripheralBuilder describes a peripheral with the Battery
// Service (180F), Battery Level (2A19) at 50% and a read/write/notify data
// characteristic on a custom service.
func createDefaultPeripheralBuilder() *PeripheralBuilder {
	return NewPeripheralBuilder(DefaultPeripheralID).
		FromJSON(`
		{
			"name": "blecore-test",
			"services": [
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "properties": "read,notify", "value": [50] }
					]
				},
				{
					"uuid": "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
					"characteristics": [
						{ "uuid": "6e400002-b5a3-f393-e0a9-e50e24dcca9e", "properties": "read,write,notify,indicate" },
						{ "uuid": "6e400003-b5a3-f393-e0a9-e50e24dcca9e", "properties": "write-without-response" }
					]
				}
			]
		}`)
}
