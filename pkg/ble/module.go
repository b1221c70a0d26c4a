// Package ble is the command and event surface of the BLE core.
//
// A Module is one explicit BLE context: it owns the event loop, the
// transaction queue, the connection state machine and the subscription
// manager for a single native driver. Commands are request/response calls;
// everything the peripheral or the stack does on its own is pushed as an
// Event to listeners.
//
// Manager builds the application-facing API (state snapshot, progress
// callbacks, subscription handles, streams) on top of a Module.
package ble

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/connection"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/eventbus"
	"github.com/srg/blecore/internal/eventloop"
	"github.com/srg/blecore/internal/gatt"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/subscription"
	"github.com/srg/blecore/internal/transaction"
)

// Module is safe for concurrent use. Commands are serialized on the module
// event loop.
type Module struct {
	driver   native.Driver
	settings settings
	logger   *logrus.Logger

	loop *eventloop.Loop
	bus  *eventbus.Bus[Event]

	queue   *transaction.Queue
	machine *connection.Machine
	subs    *subscription.Manager

	// confined to the loop
	initialized bool
	disposed    bool
	scanning    bool
	scanFilter  []string
}

// NewModule creates a module for driver. Call Init before any other command.
func NewModule(driver native.Driver, opts ...Option) (*Module, error) {
	if driver == nil {
		return nil, device.NewError(device.KindInvalidArguments, "native driver is required")
	}

	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
	}

	bus, err := eventbus.New[Event]("ble-events", s.eventBuffer, s.logger)
	if err != nil {
		return nil, device.WrapError(device.KindInvalidArguments, err, "invalid event buffer")
	}

	m := &Module{
		driver:   driver,
		settings: s,
		logger:   s.logger,
		loop:     eventloop.New("ble-event-loop", s.logger),
		bus:      bus,
	}
	post := func(fn func()) { m.loop.Post(fn) }

	m.queue = transaction.NewQueue(transaction.Options{
		Timeout: s.operationTimeout,
		Post:    post,
		Link:    func() native.Link { return m.machine.Link() },
		Logger:  s.logger,
	})
	m.machine = connection.NewMachine(connection.Options{
		Driver:               driver,
		Queue:                m.queue,
		Post:                 post,
		OnChange:             m.onConnectionChange,
		ConnectTimeout:       s.connectTimeout,
		ConnectAttempts:      s.connectAttempts,
		DisconnectTimeout:    s.disconnectTimeout,
		DisableAutoReconnect: !s.autoReconnect,
		ReconnectInterval:    s.reconnectInterval,
		BreakerMaxFailures:   s.breakerMaxFailures,
		BreakerOpenTimeout:   s.breakerOpenTimeout,
		Logger:               s.logger,
	})
	m.subs = subscription.NewManager(subscription.Options{
		Queue:   m.queue,
		Lookup:  m.machine.Lookup,
		OnValue: func(v subscription.ValueChanged) { m.publish(newValueChangedEvent(v)) },
		Logger:  s.logger,
	})

	m.loop.Start()
	if err := m.bus.Start(); err != nil {
		m.loop.Stop()
		return nil, err
	}
	return m, nil
}

// Init prepares the adapter. It fails with NotSupported, MissingPermissions
// or NotEnabled. Calling Init on an initialized module is a no-op.
func (m *Module) Init(ctx context.Context) error {
	var err error
	if callErr := m.loop.Call(ctx, func() { err = m.init() }); callErr != nil {
		return m.callError(callErr)
	}
	return err
}

func (m *Module) init() error {
	switch {
	case m.disposed:
		return device.NewError(device.KindNotInitialized, "module disposed")
	case m.initialized:
		return nil
	}

	if err := m.driver.Init(func(ev native.Event) {
		m.loop.Post(func() { m.onNative(ev) })
	}); err != nil {
		m.logger.WithError(err).Error("Failed to initialize BLE adapter")
		return device.AsError(err)
	}

	m.initialized = true
	m.logger.Info("BLE module initialized")
	return nil
}

// Dispose fails every queued transaction with NotInitialized, stops
// scanning, drops the link and releases the driver. The module cannot be
// used afterwards. Calling Dispose again is a no-op.
func (m *Module) Dispose() error {
	var err error
	callErr := m.loop.Call(context.Background(), func() { err = m.dispose() })
	if callErr != nil && !errors.Is(callErr, eventloop.ErrStopped) {
		return callErr
	}

	m.loop.Stop()
	m.bus.Stop()
	return err
}

func (m *Module) dispose() error {
	if m.disposed {
		return nil
	}
	m.disposed = true
	m.queue.Flush(device.NewError(device.KindNotInitialized, "module disposed"))

	if !m.initialized {
		return nil
	}
	m.initialized = false

	if m.scanning {
		m.scanning = false
		if err := m.driver.StopScan(); err != nil {
			m.logger.WithError(err).Warn("Failed to stop scan while disposing")
		}
	}
	m.subs.Reset()
	m.machine.Disconnect(nil)

	m.logger.Info("BLE module disposed")
	if err := m.driver.Close(); err != nil {
		return device.WrapError(device.KindGenericError, err, "failed to release BLE adapter")
	}
	return nil
}

// ScanStart starts discovery, optionally filtered by service UUIDs. A scan
// already running is restarted with the new filter.
func (m *Module) ScanStart(ctx context.Context, serviceUUIDs []string) error {
	filter := make([]string, 0, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		n, err := device.ParseUUID(u)
		if err != nil {
			return err
		}
		filter = append(filter, n)
	}

	return m.do(ctx, func() error {
		if m.scanning {
			m.logger.Debug("Restarting active scan")
			if err := m.driver.StopScan(); err != nil {
				m.logger.WithError(err).Warn("Failed to stop the previous scan")
			}
			m.scanning = false
		}

		if err := m.driver.StartScan(filter); err != nil {
			return scanError(err, "failed to start scan")
		}
		m.scanning = true
		m.scanFilter = filter
		m.logger.WithField("services", filter).Info("Scan started")
		return nil
	})
}

// ScanStop stops discovery. Stopping when idle succeeds.
func (m *Module) ScanStop(ctx context.Context) error {
	return m.do(ctx, m.stopScan)
}

func (m *Module) stopScan() error {
	if !m.scanning {
		return nil
	}
	m.scanning = false
	m.scanFilter = nil
	if err := m.driver.StopScan(); err != nil {
		return scanError(err, "failed to stop scan")
	}
	m.logger.Info("Scan stopped")
	return nil
}

// Connect starts connecting to the peripheral id, requesting mtu when it
// is positive. It returns once the request was accepted; the outcome is
// reported by onConnectionStateChanged events and by AwaitReady.
// An active scan is stopped first.
func (m *Module) Connect(ctx context.Context, id string, mtu int) error {
	return m.do(ctx, func() error {
		if m.scanning {
			if err := m.stopScan(); err != nil {
				m.logger.WithError(err).Warn("Failed to stop scan before connecting")
			}
		}
		m.subs.Reset()
		return m.machine.Connect(id, mtu)
	})
}

// AwaitReady waits until the pending connection is established.
func (m *Module) AwaitReady(ctx context.Context) error {
	result := make(chan error, 1)
	if err := m.do(ctx, func() error {
		m.machine.AwaitReady(func(err error) { result <- err })
		return nil
	}); err != nil {
		return err
	}
	return m.await(ctx, result)
}

// Disconnect tears the link down and waits for Disconnected. Without a
// link it succeeds immediately.
func (m *Module) Disconnect(ctx context.Context) error {
	result := make(chan error, 1)
	if err := m.do(ctx, func() error {
		m.machine.Disconnect(func(err error) { result <- err })
		return nil
	}); err != nil {
		return err
	}
	return m.await(ctx, result)
}

// Read reads a characteristic and returns its value base64 encoded. With
// size > 0 the transfer ends once size bytes arrived; size 0 reads until
// the EOF sentinel.
func (m *Module) Read(ctx context.Context, txID, service, characteristic string, size int) (string, error) {
	if size < 0 {
		return "", device.NewError(device.KindInvalidArguments, "invalid read size %d", size)
	}

	tx, err := m.run(ctx, func() (transaction.Transaction, error) {
		r := gatt.NewReadChar(txID, service, characteristic, size, m.machine.Lookup, m.publishProgress, m.logger)
		m.queue.Add(r)
		return r, nil
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(tx.(*gatt.ReadChar).Value()), nil
}

// Write writes the base64 encoded value in chunks of chunkSize bytes.
// A chunkSize of 0 selects the configured default.
func (m *Module) Write(ctx context.Context, txID, service, characteristic, valueBase64 string, chunkSize int) error {
	data, err := base64.StdEncoding.DecodeString(valueBase64)
	if err != nil {
		return device.WrapError(device.KindInvalidArguments, err, "value is not valid base64")
	}
	if chunkSize == 0 {
		chunkSize = m.settings.chunkSize
	}

	_, err = m.run(ctx, func() (transaction.Transaction, error) {
		w := gatt.NewWriteChar(txID, service, characteristic, data, chunkSize, m.machine.Lookup, m.publishProgress, m.logger)
		m.queue.Add(w)
		return w, nil
	})
	return err
}

// Subscribe enables value-change pushes on a characteristic. Pushed values
// arrive as onCharValueChanged events.
func (m *Module) Subscribe(ctx context.Context, txID, service, characteristic string) error {
	_, err := m.run(ctx, func() (transaction.Transaction, error) {
		return m.subs.Subscribe(txID, service, characteristic)
	})
	return err
}

// Unsubscribe releases one subscription of a characteristic.
func (m *Module) Unsubscribe(ctx context.Context, txID, service, characteristic string) error {
	_, err := m.run(ctx, func() (transaction.Transaction, error) {
		return m.subs.Unsubscribe(txID, service, characteristic)
	})
	return err
}

// ReadRSSI reads the signal strength of the connected peripheral.
func (m *Module) ReadRSSI(ctx context.Context, txID string) (int, error) {
	tx, err := m.run(ctx, func() (transaction.Transaction, error) {
		r := gatt.NewReadRSSI(txID, m.logger)
		m.queue.Add(r)
		return r, nil
	})
	if err != nil {
		return 0, err
	}
	return tx.(*gatt.ReadRSSI).RSSI(), nil
}

// Cancel cancels a queued or executing transaction. Unknown or finished
// transactions are ignored.
func (m *Module) Cancel(ctx context.Context, txID string) error {
	return m.do(ctx, func() error {
		if !m.queue.Cancel(txID) && !m.subs.Cancel(txID) {
			m.logger.WithField("tx", txID).Debug("Cancel of an unknown or finished transaction ignored")
		}
		return nil
	})
}

// AddListener registers fn for every event. fn runs on the event bus
// goroutine, never on the event loop. The returned function removes it.
func (m *Module) AddListener(fn func(Event)) (remove func()) {
	return m.bus.Subscribe(fn)
}

// Events returns a channel of events holding at most buffer undelivered
// events; older ones are dropped when the reader falls behind. cancel
// removes the subscription and closes the channel.
func (m *Module) Events(buffer int) (events <-chan Event, cancel func()) {
	rc := eventbus.NewRingChannel[Event](buffer)
	remove := m.bus.Subscribe(func(ev Event) { rc.Send(ev) })
	return rc.C(), func() {
		remove()
		rc.Close()
	}
}

// run builds and enqueues a transaction on the loop, then waits for it.
// When ctx ends first the transaction is canceled.
func (m *Module) run(ctx context.Context, build func() (transaction.Transaction, error)) (transaction.Transaction, error) {
	var tx transaction.Transaction
	if err := m.do(ctx, func() error {
		t, err := build()
		if err != nil {
			return err
		}
		tx = t
		return nil
	}); err != nil {
		if ctx.Err() != nil {
			// the build may have run after Call gave up
			m.loop.Post(func() {
				if tx != nil && !m.queue.Cancel(tx.ID()) {
					tx.Cancel()
				}
			})
		}
		return nil, err
	}

	select {
	case <-tx.Done():
		return tx, tx.Err()
	case <-ctx.Done():
	}

	m.loop.Post(func() {
		if !m.queue.Cancel(tx.ID()) {
			tx.Cancel()
		}
	})
	select {
	case <-tx.Done():
		return tx, tx.Err()
	case <-m.loop.Done():
		return nil, device.NewError(device.KindNotInitialized, "module disposed")
	}
}

// do runs fn on the loop once the module is initialized. fn is skipped when
// ctx has ended by the time the loop reaches it.
func (m *Module) do(ctx context.Context, fn func() error) error {
	var err error
	if callErr := m.loop.Call(ctx, func() {
		switch {
		case ctx.Err() != nil:
			err = device.WrapError(device.KindOperationCanceled, ctx.Err(), "operation canceled")
		case !m.initialized:
			err = device.NewError(device.KindNotInitialized, "module is not initialized")
		default:
			err = fn()
		}
	}); callErr != nil {
		return m.callError(callErr)
	}
	return err
}

func (m *Module) await(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return device.WrapError(device.KindOperationCanceled, ctx.Err(), "operation canceled")
	case <-m.loop.Done():
		return device.NewError(device.KindNotInitialized, "module disposed")
	}
}

func (m *Module) callError(err error) error {
	if errors.Is(err, eventloop.ErrStopped) {
		return device.NewError(device.KindNotInitialized, "module disposed")
	}
	return device.WrapError(device.KindOperationCanceled, err, "operation canceled")
}

// settle waits until the loop processed everything posted so far and the
// resulting events reached the listeners.
func (m *Module) settle(ctx context.Context) error {
	if err := m.loop.Call(ctx, func() {}); err != nil {
		return m.callError(err)
	}
	m.bus.Flush()
	return nil
}

func (m *Module) onNative(ev native.Event) {
	switch ev.Kind {
	case native.KindScanResult:
		if !m.scanning {
			m.logger.WithField("event", ev.String()).Debug("Scan result after scan stop, dropped")
			return
		}
		m.publish(newScanResultEvent(ev.Devices))

	case native.KindScanFailed:
		m.scanning = false
		m.scanFilter = nil
		m.publish(newErrorEvent(scanError(ev.Err, "scan failed (status: %d)", ev.Status)))

	case native.KindAdapterStateChanged:
		m.logger.WithField("powered", ev.Powered).Info("Adapter state changed")
		if !ev.Powered {
			m.scanning = false
			m.publish(newErrorEvent(device.NewError(device.KindNotEnabled, "bluetooth adapter is powered off")))
		}

	case native.KindConnected, native.KindDisconnected, native.KindMTUChanged, native.KindServicesDiscovered:
		m.machine.OnEvent(ev)

	case native.KindValueChanged:
		m.subs.HandleValueChanged(ev)

	default:
		if !m.queue.Dispatch(ev) {
			m.logger.WithField("event", ev.String()).Debug("No transaction waiting for native event")
		}
	}
}

func (m *Module) onConnectionChange(c connection.Change) {
	if c.State == connection.Disconnected {
		m.subs.Reset()
	}
	m.publish(newConnectionStateEvent(c))
}

func (m *Module) publishProgress(p gatt.Progress) {
	m.publish(newProgressEvent(p))
}

func (m *Module) publish(ev Event) {
	m.bus.Publish(ev)
}

// scanError keeps classified driver errors and files the rest as ScanError.
func scanError(err error, format string, args ...any) error {
	if err != nil && device.KindOf(err) != device.KindGenericError {
		return device.AsError(err)
	}
	return device.WrapError(device.KindScanError, err, format, args...)
}
