package testutils

import (
	"errors"
	"sync"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
)

// DefaultReadChunk is the number of bytes a FakePeripheral returns per read.
const DefaultReadChunk = 20

type charKey struct{ service, characteristic string }

func keyOf(service, characteristic string) charKey {
	return charKey{device.NormalizeUUID(service), device.NormalizeUUID(characteristic)}
}

// FakePeripheral answers link requests the way a GATT server running the
// chunked transfer convention would: reads return the stored value in
// ReadChunk sized pieces followed by the 0xFF EOF sentinel, writes are
// concatenated onto the stored value.
type FakePeripheral struct {
	ID        string
	Name      string
	RSSI      int
	MaxMTU    int
	ReadChunk int
	Services  []device.Service

	mu        sync.Mutex
	values    map[charKey][]byte
	cursors   map[charKey]int
	notifying map[charKey]bool
	statuses  map[string]int
	muted     map[string]bool
}

func NewFakePeripheral(id string) *FakePeripheral {
	return &FakePeripheral{
		ID:        id,
		RSSI:      -60,
		ReadChunk: DefaultReadChunk,
		values:    make(map[charKey][]byte),
		cursors:   make(map[charKey]int),
		notifying: make(map[charKey]bool),
		statuses:  make(map[string]int),
		muted:     make(map[string]bool),
	}
}

// SetValue replaces the stored value of a characteristic and rewinds its read cursor.
func (p *FakePeripheral) SetValue(service, characteristic string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := keyOf(service, characteristic)
	p.values[k] = append([]byte(nil), value...)
	p.cursors[k] = 0
}

// Value returns the stored value of a characteristic.
func (p *FakePeripheral) Value(service, characteristic string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.values[keyOf(service, characteristic)]...)
}

// Notifying reports whether pushes are enabled on a characteristic.
func (p *FakePeripheral) Notifying(service, characteristic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifying[keyOf(service, characteristic)]
}

// RespondWithStatus makes responses to method carry status (0 restores success).
func (p *FakePeripheral) RespondWithStatus(method string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[method] = status
}

// Mute makes the peripheral ignore method, so the request never completes.
func (p *FakePeripheral) Mute(method string, muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted[method] = muted
}

// ValueChanged builds the push event for a characteristic.
func (p *FakePeripheral) ValueChanged(service, characteristic string, value []byte) native.Event {
	return native.Event{
		Kind:           native.KindValueChanged,
		LinkID:         p.ID,
		Service:        service,
		Characteristic: characteristic,
		Value:          value,
	}
}

// DeviceInfo returns the scan record of the peripheral.
func (p *FakePeripheral) DeviceInfo() device.DeviceInfo {
	return device.DeviceInfo{
		ID:            p.ID,
		Name:          p.Name,
		RSSI:          p.RSSI,
		IsAvailable:   true,
		IsConnectable: true,
		TxPower:       device.TxPowerUnavailable,
	}
}

func (p *FakePeripheral) respond(c Call, emit func(native.Event)) {
	p.mu.Lock()
	if p.muted[c.Method] {
		p.mu.Unlock()
		return
	}
	status := p.statuses[c.Method]
	ev, ok := p.reply(c, status)
	p.mu.Unlock()

	if !ok {
		return
	}
	ev.LinkID = p.ID
	ev.Status = status
	if status != native.StatusSuccess && ev.Err == nil {
		ev.Err = errors.New("simulated native failure")
	}
	emit(ev)
}

// reply computes the completion of c. Must be called with p.mu held.
func (p *FakePeripheral) reply(c Call, status int) (native.Event, bool) {
	switch c.Method {
	case "Connect":
		if status != native.StatusSuccess {
			return native.Event{Kind: native.KindDisconnected}, true
		}
		return native.Event{Kind: native.KindConnected}, true

	case "RequestMTU":
		mtu := c.MTU
		if p.MaxMTU > 0 && mtu > p.MaxMTU {
			mtu = p.MaxMTU
		}
		return native.Event{Kind: native.KindMTUChanged, MTU: mtu}, true

	case "DiscoverServices":
		services := make([]device.Service, len(p.Services))
		copy(services, p.Services)
		return native.Event{Kind: native.KindServicesDiscovered, Services: services}, true

	case "Read":
		ev := native.Event{Kind: native.KindCharRead, Service: c.Service, Characteristic: c.Characteristic}
		if status == native.StatusSuccess {
			ev.Value = p.nextChunk(keyOf(c.Service, c.Characteristic))
		}
		return ev, true

	case "Write":
		k := keyOf(c.Service, c.Characteristic)
		if status == native.StatusSuccess {
			p.values[k] = append(p.values[k], c.Data...)
			p.cursors[k] = 0
		}
		return native.Event{Kind: native.KindCharWritten, Service: c.Service, Characteristic: c.Characteristic}, true

	case "SetNotify":
		if status == native.StatusSuccess {
			p.notifying[keyOf(c.Service, c.Characteristic)] = c.Enable
		}
		return native.Event{
			Kind:           native.KindNotifyChanged,
			Service:        c.Service,
			Characteristic: c.Characteristic,
			Enabled:        c.Enable,
		}, true

	case "ReadRSSI":
		return native.Event{Kind: native.KindRSSIRead, RSSI: p.RSSI}, true

	case "Disconnect":
		return native.Event{Kind: native.KindDisconnected}, true
	}
	return native.Event{}, false
}

// nextChunk serves the stored value chunk by chunk, then the EOF sentinel.
func (p *FakePeripheral) nextChunk(k charKey) []byte {
	value := p.values[k]
	cursor := p.cursors[k]
	if cursor >= len(value) {
		p.cursors[k] = 0
		return []byte{0xFF}
	}

	size := p.ReadChunk
	if size <= 0 {
		size = DefaultReadChunk
	}
	end := cursor + size
	if end > len(value) {
		end = len(value)
	}
	p.cursors[k] = end
	return append([]byte(nil), value[cursor:end]...)
}
