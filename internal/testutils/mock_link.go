package testutils

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/srg/blecore/internal/native"
)

// MockLink is a testify mock of native.Link for call expectation tests.
type MockLink struct {
	mock.Mock
	LinkID string
}

func NewMockLink(id string) *MockLink {
	return &MockLink{LinkID: id}
}

func (m *MockLink) ID() string { return m.LinkID }

func (m *MockLink) Connect(timeout time.Duration) error {
	return m.Called(timeout).Error(0)
}

func (m *MockLink) RequestMTU(mtu int) error {
	return m.Called(mtu).Error(0)
}

func (m *MockLink) DiscoverServices() error {
	return m.Called().Error(0)
}

func (m *MockLink) Read(service, characteristic string) error {
	return m.Called(service, characteristic).Error(0)
}

func (m *MockLink) Write(service, characteristic string, data []byte, withResponse bool) error {
	return m.Called(service, characteristic, data, withResponse).Error(0)
}

func (m *MockLink) SetNotify(service, characteristic string, mode native.NotifyMode, enable bool) error {
	return m.Called(service, characteristic, mode, enable).Error(0)
}

func (m *MockLink) ReadRSSI() error {
	return m.Called().Error(0)
}

func (m *MockLink) Disconnect() error {
	return m.Called().Error(0)
}
