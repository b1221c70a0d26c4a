package goble

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/internal/native"
)

// linkQueueSize bounds requests waiting for the link worker. The core keeps
// at most one GATT request in flight, so this only absorbs bursts of
// connect/disconnect requests.
const linkQueueSize = 16

// link serializes the blocking go-ble calls of one peripheral.
type link struct {
	id     string
	dev    ble.Device
	emit   func(native.Event)
	logger *logrus.Logger

	ops  chan func()
	stop chan struct{}
	once sync.Once

	mu         sync.Mutex
	client     ble.Client
	profile    *ble.Profile
	dialCancel context.CancelFunc
	epoch      uint64 // incremented per connection
	expected   bool   // the current connection is being closed on request

	// released is closed once the current session (dial and connection)
	// is over and its final event was emitted. nil while idle.
	released  chan struct{}
	releaseFn func()

	// prev is the link this one replaced; dialing waits until it is released.
	prev *link
}

func newLink(id string, dev ble.Device, emit func(native.Event), logger *logrus.Logger) *link {
	l := &link{
		id:     id,
		dev:    dev,
		emit:   emit,
		logger: logger,
		ops:    make(chan func(), linkQueueSize),
		stop:   make(chan struct{}),
	}
	groutine.Go(context.Background(), "ble-link-"+id, func(ctx context.Context) {
		for {
			select {
			case op := <-l.ops:
				op()
			case <-l.stop:
				return
			}
		}
	})
	return l
}

func (l *link) ID() string { return l.id }

func (l *link) submit(op func()) error {
	select {
	case <-l.stop:
		return device.NewError(device.KindNotInitialized, "bluetooth adapter is closed")
	default:
	}
	select {
	case l.ops <- op:
		return nil
	default:
		return device.NewError(device.KindInvalidState, "too many pending requests on %s", l.id)
	}
}

// hold starts a session. Must be called with l.mu held; the returned
// release must be called without it.
func (l *link) hold() func() {
	ch := make(chan struct{})
	release := sync.OnceFunc(func() {
		l.mu.Lock()
		if l.released == ch {
			l.released, l.releaseFn = nil, nil
		}
		l.mu.Unlock()
		close(ch)
	})
	l.released, l.releaseFn = ch, release
	return release
}

// retiring reports a disconnect requested while a session is still open.
func (l *link) retiring() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expected && l.released != nil
}

// waitReleased blocks until the current session of l is over.
func (l *link) waitReleased(ctx context.Context) error {
	l.mu.Lock()
	ch := l.released
	l.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-l.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) Connect(timeout time.Duration) error {
	l.mu.Lock()
	if l.client != nil {
		l.mu.Unlock()
		return device.NewError(device.KindAlreadyConnected, "device %s already connected", l.id)
	}
	l.expected = false
	release := l.hold()
	l.mu.Unlock()

	err := l.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		l.mu.Lock()
		if l.expected {
			l.mu.Unlock()
			release()
			return
		}
		l.dialCancel = cancel
		prev := l.prev
		l.mu.Unlock()

		if prev != nil {
			if err := prev.waitReleased(ctx); err != nil {
				l.mu.Lock()
				l.dialCancel = nil
				aborted := l.expected
				l.mu.Unlock()
				release()
				if !aborted {
					l.emit(l.event(native.Failed(native.KindDisconnected,
						device.WrapError(device.KindNotConnected, err, "previous connection to %s is still closing", l.id))))
				}
				return
			}
			prev.close()
			l.mu.Lock()
			l.prev = nil
			l.mu.Unlock()
		}

		l.logger.WithFields(logrus.Fields{
			"address": l.id,
			"timeout": timeout,
		}).Debug("Dialing BLE device...")

		client, err := l.dev.Dial(ctx, ble.NewAddr(l.id))

		l.mu.Lock()
		l.dialCancel = nil
		aborted := l.expected
		var epoch uint64
		if err == nil && !aborted {
			l.client = client
			l.profile = nil
			l.epoch++
			epoch = l.epoch
		}
		l.mu.Unlock()

		switch {
		case aborted:
			// Disconnect already reported the outcome
			if client != nil {
				_ = client.CancelConnection()
			}
			release()
		case err != nil:
			l.logger.WithFields(logrus.Fields{
				"address": l.id,
				"error":   err,
			}).Warn("Failed to dial BLE device")
			release()
			l.emit(l.event(native.Failed(native.KindDisconnected, NormalizeError(err))))
		default:
			l.monitor(client, epoch, release)
			l.emit(l.event(native.Event{Kind: native.KindConnected}))
		}
	})
	if err != nil {
		release()
	}
	return err
}

// monitor reports a disconnection the host did not ask for. The session
// is released after the Disconnected event went out.
func (l *link) monitor(client ble.Client, epoch uint64, release func()) {
	groutine.Go(context.Background(), "ble-link-monitor-"+l.id, func(ctx context.Context) {
		defer release()

		select {
		case <-client.Disconnected():
		case <-l.stop:
			return
		}

		l.mu.Lock()
		if l.epoch != epoch || l.client == nil {
			l.mu.Unlock()
			return
		}
		expected := l.expected
		l.client = nil
		l.profile = nil
		l.mu.Unlock()

		if expected {
			l.emit(l.event(native.Event{Kind: native.KindDisconnected}))
			return
		}
		l.logger.WithField("address", l.id).Warn("Peripheral dropped the connection")
		l.emit(l.event(native.Failed(native.KindDisconnected,
			device.NewError(device.KindNotConnected, "connection lost"))))
	})
}

func (l *link) RequestMTU(mtu int) error {
	client, err := l.connected()
	if err != nil {
		return err
	}
	return l.submit(func() {
		txMTU, err := client.ExchangeMTU(mtu)
		if err != nil {
			l.emit(l.event(native.Event{Kind: native.KindMTUChanged, MTU: mtu, Status: native.StatusFailure, Err: NormalizeError(err)}))
			return
		}
		l.emit(l.event(native.Event{Kind: native.KindMTUChanged, MTU: txMTU}))
	})
}

func (l *link) DiscoverServices() error {
	client, err := l.connected()
	if err != nil {
		return err
	}
	return l.submit(func() {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			l.emit(l.event(native.Failed(native.KindServicesDiscovered, NormalizeError(err))))
			return
		}

		l.mu.Lock()
		l.profile = profile
		l.mu.Unlock()

		l.emit(l.event(native.Event{Kind: native.KindServicesDiscovered, Services: services(profile)}))
	})
}

func (l *link) Read(service, characteristic string) error {
	client, c, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	return l.submit(func() {
		ev := native.Event{Kind: native.KindCharRead, Service: service, Characteristic: characteristic}
		value, err := client.ReadCharacteristic(c)
		if err != nil {
			ev.Status, ev.Err = native.StatusFailure, NormalizeError(err)
		}
		ev.Value = value
		l.emit(l.event(ev))
	})
}

func (l *link) Write(service, characteristic string, data []byte, withResponse bool) error {
	client, c, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	data = append([]byte(nil), data...)
	return l.submit(func() {
		ev := native.Event{Kind: native.KindCharWritten, Service: service, Characteristic: characteristic}
		if err := client.WriteCharacteristic(c, data, !withResponse); err != nil {
			ev.Status, ev.Err = native.StatusFailure, NormalizeError(err)
		}
		l.emit(l.event(ev))
	})
}

func (l *link) SetNotify(service, characteristic string, mode native.NotifyMode, enable bool) error {
	client, c, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	indicate := mode == native.Indicate
	return l.submit(func() {
		ev := native.Event{Kind: native.KindNotifyChanged, Service: service, Characteristic: characteristic, Enabled: enable}

		var err error
		if enable {
			err = client.Subscribe(c, indicate, func(value []byte) {
				l.emit(l.event(native.Event{
					Kind:           native.KindValueChanged,
					Service:        service,
					Characteristic: characteristic,
					Value:          append([]byte(nil), value...),
				}))
			})
		} else {
			err = client.Unsubscribe(c, indicate)
		}
		if err != nil {
			ev.Status, ev.Err = native.StatusFailure, NormalizeError(err)
		}
		l.emit(l.event(ev))
	})
}

func (l *link) ReadRSSI() error {
	client, err := l.connected()
	if err != nil {
		return err
	}
	return l.submit(func() {
		l.emit(l.event(native.Event{Kind: native.KindRSSIRead, RSSI: client.ReadRSSI()}))
	})
}

// Disconnect cancels the connection, or a pending dial.
func (l *link) Disconnect() error {
	l.mu.Lock()
	client := l.client
	cancelDial := l.dialCancel
	l.expected = true
	l.mu.Unlock()

	if client == nil {
		if cancelDial != nil {
			cancelDial()
		}
		l.emit(l.event(native.Event{Kind: native.KindDisconnected}))
		return nil
	}
	// bypasses the worker, which may be blocked on the peripheral
	groutine.Go(context.Background(), "ble-link-disconnect-"+l.id, func(ctx context.Context) {
		if err := client.CancelConnection(); err != nil {
			l.logger.WithFields(logrus.Fields{
				"address": l.id,
				"error":   err,
			}).Warn("BLE device disconnected with errors")
		}
	})
	return nil
}

func (l *link) close() {
	l.once.Do(func() {
		l.mu.Lock()
		client := l.client
		l.client = nil
		l.expected = true
		release := l.releaseFn
		prev := l.prev
		l.prev = nil
		l.mu.Unlock()

		close(l.stop)
		if client != nil {
			_ = client.CancelConnection()
		}
		if release != nil {
			release()
		}
		if prev != nil {
			prev.close()
		}
	})
}

func (l *link) connected() (ble.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, device.NewError(device.KindNotConnected, "device %s not connected", l.id)
	}
	return l.client, nil
}

// characteristic resolves a discovered characteristic by normalized UUIDs.
func (l *link) characteristic(service, characteristic string) (ble.Client, *ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client == nil {
		return nil, nil, device.NewError(device.KindNotConnected, "device %s not connected", l.id)
	}
	if l.profile == nil {
		return nil, nil, device.NewError(device.KindInvalidState, "services of %s not discovered", l.id)
	}

	svcUUID := device.NormalizeUUID(service)
	charUUID := device.NormalizeUUID(characteristic)
	for _, s := range l.profile.Services {
		if device.NormalizeUUID(s.UUID.String()) != svcUUID {
			continue
		}
		for _, c := range s.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == charUUID {
				return l.client, c, nil
			}
		}
		return nil, nil, device.NotFound("characteristic", service, characteristic)
	}
	return nil, nil, device.NotFound("service", service)
}

func (l *link) event(ev native.Event) native.Event {
	ev.LinkID = l.id
	return ev
}

// services converts a go-ble profile, sorted by UUID for consistent ordering.
func services(p *ble.Profile) []device.Service {
	result := make([]device.Service, 0, len(p.Services))
	for _, s := range p.Services {
		svc := device.Service{UUID: device.NormalizeUUID(s.UUID.String()), IsPrimary: true}
		for _, c := range s.Characteristics {
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				UUID:       device.NormalizeUUID(c.UUID.String()),
				Properties: device.Property(c.Property),
			})
		}
		sort.Slice(svc.Characteristics, func(i, j int) bool {
			return svc.Characteristics[i].UUID < svc.Characteristics[j].UUID
		})
		result = append(result, svc)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UUID < result[j].UUID
	})
	return result
}
