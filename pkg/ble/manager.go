package ble

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/connection"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/subscription"
	"github.com/srg/blecore/internal/transaction"
)

// ScanState is the scanner lifecycle tracked by the Manager.
type ScanState string

const (
	ScanStopped  ScanState = "stopped"
	ScanStarting ScanState = "starting"
	ScanScanning ScanState = "scanning"
	ScanStopping ScanState = "stopping"
)

// State is a snapshot of everything the Manager knows.
type State struct {
	Ready      bool               `json:"ready"`
	Scan       ScanSnapshot       `json:"scan"`
	Connection ConnectionSnapshot `json:"connection"`
	Error      *ErrorEvent        `json:"error,omitempty"`
}

type ScanSnapshot struct {
	State             ScanState           `json:"state"`
	ServiceUUIDs      []string            `json:"serviceUuids,omitempty"`
	DiscoveredDevices []device.DeviceInfo `json:"discoveredDevices"`
}

type ConnectionSnapshot struct {
	State    connection.State `json:"state"`
	ID       string           `json:"id,omitempty"`
	RSSI     int              `json:"rssi,omitempty"`
	Services []device.Service `json:"services,omitempty"`
}

// ProgressFunc receives chunk progress of a Read or Write.
type ProgressFunc func(current, total int)

// Manager is the application API over a Module: generated transaction ids,
// per-call progress callbacks, sequenced connect/disconnect, subscription
// handles and a state snapshot.
type Manager struct {
	module *Module
	logger *logrus.Logger
	seq    Sequencer

	mu             sync.RWMutex
	state          State
	devices        *hashmap.Map[string, device.DeviceInfo]
	deviceOrder    []string
	subscribers    map[subscription.Key][]*Subscription
	stateListeners map[uint64]func(State)
	nextListener   uint64

	progress *hashmap.Map[string, ProgressFunc]

	removeListener func()
}

func NewManager(module *Module) *Manager {
	m := &Manager{
		module: module,
		logger: module.logger,
		state: State{
			Scan:       ScanSnapshot{State: ScanStopped},
			Connection: ConnectionSnapshot{State: connection.Disconnected},
		},
		devices:        hashmap.New[string, device.DeviceInfo](),
		subscribers:    make(map[subscription.Key][]*Subscription),
		stateListeners: make(map[uint64]func(State)),
		progress:       hashmap.New[string, ProgressFunc](),
	}
	m.removeListener = module.AddListener(m.onEvent)
	return m
}

// Module returns the underlying command surface.
func (m *Manager) Module() *Module {
	return m.module
}

func (m *Manager) Init(ctx context.Context) error {
	if err := m.module.Init(ctx); err != nil {
		m.update(func(s *State) { s.Error = errorEvent(err) })
		return err
	}
	m.update(func(s *State) {
		s.Ready = true
		s.Error = nil
	})
	return nil
}

func (m *Manager) Dispose() error {
	err := m.module.Dispose()
	m.removeListener()
	m.update(func(s *State) {
		s.Ready = false
		s.Scan = ScanSnapshot{State: ScanStopped}
		s.Connection = ConnectionSnapshot{State: connection.Disconnected}
	})
	return err
}

// Scan starts discovery. Devices found by a previous scan are forgotten.
func (m *Manager) Scan(ctx context.Context, serviceUUIDs []string) error {
	m.mu.Lock()
	m.devices = hashmap.New[string, device.DeviceInfo]()
	m.deviceOrder = nil
	m.mu.Unlock()

	m.update(func(s *State) {
		s.Scan = ScanSnapshot{State: ScanStarting, ServiceUUIDs: device.NormalizeUUIDs(serviceUUIDs)}
	})
	if err := m.module.ScanStart(ctx, serviceUUIDs); err != nil {
		m.update(func(s *State) {
			s.Scan.State = ScanStopped
			s.Error = errorEvent(err)
		})
		return err
	}
	m.update(func(s *State) { s.Scan.State = ScanScanning })
	return nil
}

// StopScan stops discovery. Results reported before the scan stopped are
// in State when it returns. Like ConnectAndWait it must not be called from
// a listener.
func (m *Manager) StopScan(ctx context.Context) error {
	m.update(func(s *State) { s.Scan.State = ScanStopping })
	err := m.module.ScanStop(ctx)
	if err == nil {
		err = m.module.settle(ctx)
	}
	m.update(func(s *State) {
		s.Scan.State = ScanStopped
		if err != nil {
			s.Error = errorEvent(err)
		}
	})
	return err
}

// Connect starts a connection once every earlier Connect/Disconnect settled.
// It returns when the request was accepted.
func (m *Manager) Connect(ctx context.Context, id string, mtu int) error {
	return m.seq.Do(ctx, func(ctx context.Context) error {
		return m.connect(ctx, id, mtu)
	})
}

// ConnectAndWait is Connect followed by waiting for the link to be ready.
// On success State already reports the connection and its services.
// It must not be called from a listener or a subscription handler.
func (m *Manager) ConnectAndWait(ctx context.Context, id string, mtu int) error {
	return m.seq.Do(ctx, func(ctx context.Context) error {
		if err := m.connect(ctx, id, mtu); err != nil {
			return err
		}
		if err := m.module.AwaitReady(ctx); err != nil {
			return err
		}
		return m.module.settle(ctx)
	})
}

func (m *Manager) connect(ctx context.Context, id string, mtu int) error {
	if err := m.module.Connect(ctx, id, mtu); err != nil {
		return err
	}
	m.update(func(s *State) {
		if s.Scan.State != ScanStopped {
			s.Scan.State = ScanStopped
		}
		s.Connection.ID = id
	})
	return nil
}

func (m *Manager) Disconnect(ctx context.Context) error {
	return m.seq.Do(ctx, func(ctx context.Context) error {
		return m.module.Disconnect(ctx)
	})
}

// Read reads a characteristic. progress, when set, sees every chunk boundary.
func (m *Manager) Read(ctx context.Context, service, characteristic string, size int, progress ProgressFunc) ([]byte, error) {
	txID := m.track(progress)
	defer m.progress.Del(txID)

	value, err := m.module.Read(ctx, txID, service, characteristic, size)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(value)
}

// Write writes data in chunks of chunkSize bytes (0 selects the default).
func (m *Manager) Write(ctx context.Context, service, characteristic string, data []byte, chunkSize int, progress ProgressFunc) error {
	txID := m.track(progress)
	defer m.progress.Del(txID)

	return m.module.Write(ctx, txID, service, characteristic, base64.StdEncoding.EncodeToString(data), chunkSize)
}

func (m *Manager) RSSI(ctx context.Context) (int, error) {
	rssi, err := m.module.ReadRSSI(ctx, transaction.NewID())
	if err != nil {
		return 0, err
	}
	m.update(func(s *State) { s.Connection.RSSI = rssi })
	return rssi, nil
}

// Subscription is one subscriber of a characteristic. Several handles may
// share the same native subscription.
type Subscription struct {
	manager *Manager
	key     subscription.Key
	fn      func([]byte)

	once sync.Once
	err  error
}

// Service and Characteristic return the normalized UUIDs.
func (s *Subscription) Service() string        { return s.key.Service }
func (s *Subscription) Characteristic() string { return s.key.Characteristic }

// Unsubscribe stops delivery to this handle and releases its reference.
// Calling it again returns the first result.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(func() {
		s.manager.detach(s)
		s.err = s.manager.module.Unsubscribe(ctx, transaction.NewID(), s.key.Service, s.key.Characteristic)
	})
	return s.err
}

// Subscribe calls fn with every value pushed by the characteristic until the
// returned Subscription is released. fn runs on the event bus goroutine.
func (m *Manager) Subscribe(ctx context.Context, service, characteristic string, fn func([]byte)) (*Subscription, error) {
	key, err := subscription.KeyOf(service, characteristic)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{manager: m, key: key, fn: fn}
	m.attach(sub)

	if err := m.module.Subscribe(ctx, transaction.NewID(), service, characteristic); err != nil {
		m.detach(sub)
		return nil, err
	}
	return sub, nil
}

// Stream subscribes to a characteristic and exposes the pushed bytes as an
// io.ReadCloser buffered in a ring of size bytes.
func (m *Manager) Stream(ctx context.Context, service, characteristic string, size int) (*Stream, error) {
	st := newStream(size)
	sub, err := m.Subscribe(ctx, service, characteristic, st.push)
	if err != nil {
		return nil, err
	}
	st.sub = sub
	return st, nil
}

// State returns a snapshot.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot()
}

// OnStateChange registers fn for every snapshot change.
func (m *Manager) OnStateChange(fn func(State)) (remove func()) {
	m.mu.Lock()
	m.nextListener++
	id := m.nextListener
	m.stateListeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.stateListeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) track(progress ProgressFunc) string {
	txID := transaction.NewID()
	if progress != nil {
		m.progress.Set(txID, progress)
	}
	return txID
}

func (m *Manager) attach(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[sub.key] = append(m.subscribers[sub.key], sub)
}

func (m *Manager) detach(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sub.key]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(m.subscribers, sub.key)
		return
	}
	m.subscribers[sub.key] = subs
}

// onEvent runs on the event bus goroutine.
func (m *Manager) onEvent(ev Event) {
	switch p := ev.Payload.(type) {
	case ProgressEvent:
		if fn, ok := m.progress.Get(p.TransactionID); ok {
			fn(p.Current, p.Total)
		}

	case ValueChangedEvent:
		key, err := subscription.KeyOf(p.Service, p.Characteristic)
		if err != nil {
			return
		}
		m.mu.RLock()
		subs := append([]*Subscription(nil), m.subscribers[key]...)
		m.mu.RUnlock()

		value := p.Value()
		for _, s := range subs {
			s.fn(append([]byte(nil), value...))
		}

	case ScanResultEvent:
		m.mu.Lock()
		for _, d := range p.Devices {
			if _, existed := m.devices.Get(d.ID); !existed {
				m.deviceOrder = append(m.deviceOrder, d.ID)
				m.logger.WithFields(logrus.Fields{
					"device": d.DisplayName(),
					"rssi":   d.RSSI,
				}).Debug("Discovered new device")
			}
			m.devices.Set(d.ID, d)
		}
		m.mu.Unlock()
		m.notify()

	case ConnectionStateEvent:
		m.update(func(s *State) {
			s.Connection.State = p.State
			if p.DeviceID != "" {
				s.Connection.ID = p.DeviceID
			}
			switch p.State {
			case connection.Connected:
				s.Connection.Services = p.Services
			case connection.Disconnected:
				s.Connection.Services = nil
				s.Connection.RSSI = 0
			}
			if p.Error != nil {
				s.Error = p.Error
			}
		})

	case ErrorEvent:
		m.update(func(s *State) {
			e := p
			s.Error = &e
			if p.Code == device.KindScanError || p.Code == device.KindNotEnabled {
				s.Scan.State = ScanStopped
			}
		})
	}
}

func (m *Manager) update(fn func(s *State)) {
	m.mu.Lock()
	fn(&m.state)
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	m.mu.RLock()
	snap := m.snapshot()
	listeners := make([]func(State), 0, len(m.stateListeners))
	for _, fn := range m.stateListeners {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// snapshot must be called with m.mu held.
func (m *Manager) snapshot() State {
	s := m.state
	s.Scan.ServiceUUIDs = append([]string(nil), m.state.Scan.ServiceUUIDs...)
	s.Connection.Services = append([]device.Service(nil), m.state.Connection.Services...)
	s.Scan.DiscoveredDevices = make([]device.DeviceInfo, 0, len(m.deviceOrder))
	for _, id := range m.deviceOrder {
		if d, ok := m.devices.Get(id); ok {
			s.Scan.DiscoveredDevices = append(s.Scan.DiscoveredDevices, d)
		}
	}
	if m.state.Error != nil {
		e := *m.state.Error
		s.Error = &e
	}
	return s
}
