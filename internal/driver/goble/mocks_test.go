package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// mockDevice mocks the ble.Device calls made by the driver. Unused methods
// fall through to the nil embedded interface.
type mockDevice struct {
	ble.Device
	mock.Mock
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	client, _ := args.Get(0).(ble.Client)
	return client, args.Error(1)
}

func (m *mockDevice) Stop() error {
	return m.Called().Error(0)
}

type mockClient struct {
	ble.Client
	mock.Mock
}

func (m *mockClient) ExchangeMTU(rxMTU int) (int, error) {
	args := m.Called(rxMTU)
	return args.Int(0), args.Error(1)
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) ReadRSSI() int {
	return m.Called().Int(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.Called().Get(0).(<-chan struct{})
}

// fakeAdvertisement implements the ble.Advertisement accessors read by the driver.
type fakeAdvertisement struct {
	ble.Advertisement
	addr     string
	name     string
	rssi     int
	services []ble.UUID
}

func (a *fakeAdvertisement) Addr() ble.Addr       { return ble.NewAddr(a.addr) }
func (a *fakeAdvertisement) LocalName() string    { return a.name }
func (a *fakeAdvertisement) RSSI() int            { return a.rssi }
func (a *fakeAdvertisement) Connectable() bool    { return true }
func (a *fakeAdvertisement) TxPowerLevel() int    { return 127 }
func (a *fakeAdvertisement) Services() []ble.UUID { return a.services }
