// Package goble implements the native driver on top of github.com/go-ble/ble.
//
// go-ble calls block until the peripheral answers. The driver turns them into
// the initiate-then-callback shape of native.Driver: each link runs its
// requests one at a time on a worker goroutine and reports every outcome
// through the registered native.Handler.
package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/internal/native"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = newDevice

// Driver is a native.Driver over one go-ble device.
type Driver struct {
	logger *logrus.Logger

	mu      sync.Mutex
	dev     ble.Device
	handler native.Handler
	closed  bool
	links   map[string]*link

	scanCancel context.CancelFunc
	scanDone   chan struct{}
	seen       *hashmap.Map[string, device.DeviceInfo]
}

var _ native.Driver = (*Driver)(nil)

func New(logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Driver{
		logger: logger,
		links:  make(map[string]*link),
	}
}

// Init opens the adapter. Unclassified factory failures are reported as NotSupported.
func (d *Driver) Init(handler native.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dev == nil {
		dev, err := DeviceFactory()
		if err != nil {
			err = NormalizeError(err)
			if device.KindOf(err) == device.KindGenericError {
				err = device.WrapError(device.KindNotSupported, err, "failed to open bluetooth adapter")
			}
			d.logger.WithError(err).Error("Failed to create BLE device")
			return err
		}
		d.dev = dev
	}
	d.handler = handler
	d.closed = false
	return nil
}

// StartScan scans until StopScan. Every advertisement is reported unless it
// repeats the previous record of the same peripheral.
func (d *Driver) StartScan(serviceUUIDs []string) error {
	d.stopScan()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dev == nil {
		return device.NewError(device.KindNotInitialized, "bluetooth adapter is not initialized")
	}

	filter := make([]string, 0, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		n, err := device.ParseUUID(u)
		if err != nil {
			return err
		}
		filter = append(filter, n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	seen := hashmap.New[string, device.DeviceInfo]()
	d.scanCancel, d.scanDone, d.seen = cancel, done, seen
	dev := d.dev

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		defer close(done)
		err := dev.Scan(ctx, true, func(adv ble.Advertisement) {
			d.onAdvertisement(seen, filter, adv)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			d.logger.WithError(err).Error("Scan failed")
			d.emit(native.Failed(native.KindScanFailed, NormalizeError(err)))
		}
	})

	d.logger.WithField("services", filter).Debug("Scanning...")
	return nil
}

func (d *Driver) StopScan() error {
	d.stopScan()
	return nil
}

// stopScan waits for the scan goroutine outside d.mu, which emit takes.
func (d *Driver) stopScan() {
	d.mu.Lock()
	cancel, done := d.scanCancel, d.scanDone
	d.scanCancel, d.scanDone = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Open returns the link of peripheral id, creating it on first use. A link
// still closing after a requested disconnect is replaced by a new one that
// dials only once the old connection is gone.
func (d *Driver) Open(id string) (native.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dev == nil {
		return nil, device.NewError(device.KindNotInitialized, "bluetooth adapter is not initialized")
	}
	old, ok := d.links[id]
	if ok && !old.retiring() {
		return old, nil
	}
	l := newLink(id, d.dev, d.emit, d.logger)
	if ok {
		l.prev = old
		d.logger.WithField("address", id).Debug("Replacing a closing link")
	}
	d.links[id] = l
	return l, nil
}

// Close stops scanning, drops every link and releases the adapter.
func (d *Driver) Close() error {
	d.stopScan()

	d.mu.Lock()
	d.closed = true
	links := d.links
	d.links = make(map[string]*link)
	dev := d.dev
	d.dev = nil
	d.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

func (d *Driver) emit(ev native.Event) {
	d.mu.Lock()
	h := d.handler
	closed := d.closed
	d.mu.Unlock()

	if h == nil || closed {
		return
	}
	h(ev)
}

func (d *Driver) onAdvertisement(seen *hashmap.Map[string, device.DeviceInfo], filter []string, adv ble.Advertisement) {
	info := deviceInfo(adv)

	prev, existing := seen.Get(info.ID)
	if !existing && !advertisesAny(adv, filter) {
		return
	}
	if existing && prev == info {
		return
	}
	seen.Set(info.ID, info)

	if !existing {
		d.logger.WithFields(logrus.Fields{
			"device":  info.DisplayName(),
			"address": info.ID,
			"rssi":    info.RSSI,
		}).Debug("Discovered new device")
	}
	d.emit(native.Event{Kind: native.KindScanResult, Devices: []device.DeviceInfo{info}})
}

func deviceInfo(adv ble.Advertisement) device.DeviceInfo {
	return device.DeviceInfo{
		ID:            adv.Addr().String(),
		Name:          adv.LocalName(),
		RSSI:          adv.RSSI(),
		IsAvailable:   true,
		IsConnectable: adv.Connectable(),
		TxPower:       adv.TxPowerLevel(),
	}
}

// advertisesAny applies the service filter. An empty filter accepts everything.
func advertisesAny(adv ble.Advertisement, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range adv.Services() {
		advertised := device.NormalizeUUID(u.String())
		for _, want := range filter {
			if advertised == want {
				return true
			}
		}
	}
	return false
}
