package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blecore/internal/device"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Name     string          `json:"name,omitempty"`
	RSSI     int             `json:"rssi,omitempty"`
	MTU      int             `json:"mtu,omitempty"`
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder builds a FakePeripheral with its GATT profile.
type PeripheralBuilder struct {
	id        string
	profile   DeviceProfileConfig
	readChunk int
}

func NewPeripheralBuilder(id string) *PeripheralBuilder {
	return &PeripheralBuilder{
		id:      id,
		profile: DeviceProfileConfig{Services: []ServiceConfig{}},
	}
}

// WithName sets the advertised name.
func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.profile.Name = name
	return b
}

// WithMTU caps the MTU the peripheral accepts.
func (b *PeripheralBuilder) WithMTU(mtu int) *PeripheralBuilder {
	b.profile.MTU = mtu
	return b
}

// WithReadChunk sets how many bytes each read response carries.
func (b *PeripheralBuilder) WithReadChunk(n int) *PeripheralBuilder {
	b.readChunk = n
	return b
}

// WithService adds a service to the device profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// parseCharacteristicProperties converts a property list, defaulting to read|write|notify.
func parseCharacteristicProperties(props string) device.Property {
	if props == "" {
		return device.PropRead | device.PropWrite | device.PropNotify
	}
	p, err := device.ParseProperties(props)
	if err != nil {
		panic(fmt.Sprintf("PeripheralBuilder: %v", err))
	}
	return p
}

// Build creates the FakePeripheral.
func (b *PeripheralBuilder) Build() *FakePeripheral {
	p := NewFakePeripheral(b.id)
	p.Name = b.profile.Name
	p.MaxMTU = b.profile.MTU
	if b.profile.RSSI != 0 {
		p.RSSI = b.profile.RSSI
	}
	if b.readChunk > 0 {
		p.ReadChunk = b.readChunk
	}

	for _, svcConfig := range b.profile.Services {
		svc := device.Service{UUID: svcConfig.UUID, IsPrimary: true}
		for _, charConfig := range svcConfig.Characteristics {
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				UUID:       charConfig.UUID,
				Properties: parseCharacteristicProperties(charConfig.Properties),
			})
			if charConfig.Value != nil {
				p.SetValue(svcConfig.UUID, charConfig.UUID, charConfig.Value)
			}
		}
		p.Services = append(p.Services, svc)
	}
	return p
}

// GetServices returns the configured services
func (b *PeripheralBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}
