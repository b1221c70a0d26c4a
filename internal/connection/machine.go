// Package connection drives the link to one peripheral through connect,
// MTU negotiation, service discovery, ready and disconnect, including
// automatic reconnection after an unexpected loss.
package connection

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
)

const (
	DefaultConnectTimeout    = 15 * time.Second
	DefaultConnectAttempts   = 3
	DefaultDisconnectTimeout = 5 * time.Second

	// connectGrace lets the driver report its own connect timeout first.
	connectGrace = time.Second
)

// Flush messages, also seen by callers whose transactions were aborted.
const (
	msgNewConnection = "a new connection is starting"
	msgUnexpected    = "device has disconnected (unexpectedly)"
	msgExpected      = "device has disconnected (expectedly)"
	msgDisconnecting = "device is disconnecting"
)

// Flusher fails every queued transaction. Implemented by transaction.Queue.
type Flusher interface {
	Flush(err error)
}

// Options configure a Machine.
type Options struct {
	Driver native.Driver
	Queue  Flusher

	// Post schedules fn on the event loop that owns the machine.
	Post func(fn func())

	// OnChange receives every state transition, on the event loop.
	OnChange func(Change)

	ConnectTimeout    time.Duration
	ConnectAttempts   int
	DisconnectTimeout time.Duration

	DisableAutoReconnect bool
	ReconnectInterval    time.Duration
	BreakerMaxFailures   uint32
	BreakerOpenTimeout   time.Duration

	Logger *logrus.Logger
}

// Machine is the connection state machine. It exclusively owns the link
// handle and the service catalog. It is not safe for concurrent use: every
// method must be called from the owning event loop.
type Machine struct {
	opts   Options
	logger *logrus.Logger
	policy *retryPolicy

	state    State
	link     native.Link
	deviceID string
	mtuReq   int
	mtu      int
	catalog  *device.Catalog

	attempt      int
	reconnecting bool

	// disconnects still expected from links torn down by a new connect
	stale map[string]int

	ready       []func(error)
	disconnects []func(error)

	timer    *time.Timer
	timerGen uint64
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = DefaultConnectAttempts
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}

	return &Machine{
		opts:   opts,
		logger: opts.Logger,
		policy: newRetryPolicy(opts.ReconnectInterval, opts.BreakerMaxFailures, opts.BreakerOpenTimeout, opts.Logger),
		state:  Disconnected,
		stale:  make(map[string]int),
	}
}

func (m *Machine) State() State             { return m.state }
func (m *Machine) DeviceID() string         { return m.deviceID }
func (m *Machine) MTU() int                 { return m.mtu }
func (m *Machine) Catalog() *device.Catalog { return m.catalog }
func (m *Machine) Reconnecting() bool       { return m.reconnecting }

// Link returns the link usable for GATT operations: only while Connected.
// The result is a nil interface otherwise.
func (m *Machine) Link() native.Link {
	if m.state != Connected || m.link == nil {
		return nil
	}
	return m.link
}

// Lookup resolves a characteristic in the current catalog.
func (m *Machine) Lookup(service, characteristic string) (device.Characteristic, error) {
	if m.state != Connected {
		return device.Characteristic{}, device.NewError(device.KindNotConnected, "not connected")
	}
	return m.catalog.Lookup(service, characteristic)
}

// Connect starts connecting to id, tearing down any existing link first.
// It returns once the native stack accepted the request; AwaitReady
// reports the outcome.
func (m *Machine) Connect(id string, mtu int) error {
	if id == "" {
		return device.NewError(device.KindInvalidArguments, "device id is required")
	}
	if mtu < 0 {
		return device.NewError(device.KindInvalidArguments, "invalid mtu %d", mtu)
	}

	if m.link != nil {
		m.teardown()
	}

	link, err := m.opts.Driver.Open(id)
	if err != nil {
		return device.AsError(err)
	}

	m.link = link
	m.deviceID = id
	m.mtuReq = mtu
	m.mtu = 0
	m.attempt = 0
	m.reconnecting = false

	m.logger.WithFields(logrus.Fields{
		"device": id,
		"mtu":    mtu,
	}).Info("Connecting to device")

	m.setState(ConnectingToDevice, nil, "connecting")
	if err := m.tryConnect(); err != nil {
		m.settleDisconnected(err, "connection request rejected")
		return err
	}
	return nil
}

// AwaitReady registers fn to be called once the pending connection attempt
// ends: with nil on Connected, with the failure otherwise.
func (m *Machine) AwaitReady(fn func(error)) {
	switch {
	case m.state == Connected:
		fn(nil)
	case m.link == nil:
		fn(device.NewError(device.KindNotConnected, "not connected"))
	default:
		m.ready = append(m.ready, fn)
	}
}

// Disconnect tears the link down. done is called once Disconnected is
// reached. Without a link it succeeds immediately and makes no native call.
func (m *Machine) Disconnect(done func(error)) {
	m.flush(msgDisconnecting)
	m.rejectReady(device.NewError(device.KindNotConnected, "disconnect requested"))

	if m.link == nil {
		if done != nil {
			done(nil)
		}
		return
	}

	if done != nil {
		m.disconnects = append(m.disconnects, done)
	}
	if m.state == Disconnecting {
		return
	}

	m.reconnecting = false
	m.catalog = nil
	m.setState(Disconnecting, nil, "disconnecting")
	m.arm(m.opts.DisconnectTimeout, func() {
		m.logger.WithField("device", m.deviceID).Warn("Disconnect timed out, dropping the link")
		m.settleDisconnected(nil, "disconnected")
	})

	if err := m.link.Disconnect(); err != nil {
		m.logger.WithFields(logrus.Fields{
			"device": m.deviceID,
			"error":  err,
		}).Warn("Native disconnect failed, dropping the link")
		m.settleDisconnected(nil, "disconnected")
	}
}

// OnEvent routes a link-level native event. Events for other links are ignored.
func (m *Machine) OnEvent(ev native.Event) {
	if ev.Kind == native.KindDisconnected && m.stale[ev.LinkID] > 0 {
		m.stale[ev.LinkID]--
		m.logger.WithField("link", ev.LinkID).Debug("Disconnect of a replaced link, ignored")
		return
	}
	if m.link == nil || (ev.LinkID != "" && ev.LinkID != m.link.ID()) {
		m.logger.WithField("event", ev.String()).Debug("Event for an inactive link, ignored")
		return
	}

	switch ev.Kind {
	case native.KindConnected:
		m.onConnected()
	case native.KindMTUChanged:
		m.onMTUChanged(ev)
	case native.KindServicesDiscovered:
		m.onServicesDiscovered(ev)
	case native.KindDisconnected:
		m.onDisconnected(ev)
	}
}

func (m *Machine) onConnected() {
	if m.state != ConnectingToDevice {
		m.logger.WithField("state", m.state).Debug("Unexpected connected event, ignored")
		return
	}
	m.disarm()
	clear(m.stale)

	if m.mtuReq <= 0 {
		m.discover()
		return
	}

	m.setState(RequestingMTU, nil, "requesting mtu")
	m.arm(m.opts.ConnectTimeout, func() {
		m.logger.WithField("device", m.deviceID).Warn("MTU request timed out, continuing with the default MTU")
		m.discover()
	})
	if err := m.link.RequestMTU(m.mtuReq); err != nil {
		m.logger.WithFields(logrus.Fields{
			"mtu":   m.mtuReq,
			"error": err,
		}).Warn("MTU request rejected, continuing with the default MTU")
		m.discover()
	}
}

func (m *Machine) onMTUChanged(ev native.Event) {
	if m.state != RequestingMTU {
		return
	}
	if ev.OK() {
		m.mtu = ev.MTU
		m.logger.WithField("mtu", ev.MTU).Debug("MTU negotiated")
	} else {
		m.logger.WithFields(logrus.Fields{
			"status": ev.Status,
			"error":  ev.Err,
		}).Warn("MTU negotiation failed, continuing with the default MTU")
	}
	m.discover()
}

func (m *Machine) discover() {
	m.setState(DiscoveringServices, nil, "discovering services")
	m.arm(m.opts.ConnectTimeout, func() {
		m.discoveryFailed(device.NewError(device.KindGattError, "service discovery timed out"))
	})
	if err := m.link.DiscoverServices(); err != nil {
		m.discoveryFailed(device.WrapError(device.KindGattError, err, "service discovery rejected"))
	}
}

func (m *Machine) onServicesDiscovered(ev native.Event) {
	if m.state != DiscoveringServices {
		return
	}
	m.disarm()

	if !ev.OK() {
		m.discoveryFailed(device.GattStatusError("discover services", ev.Status, ev.Err))
		return
	}

	m.catalog = device.NewCatalog(ev.Services)
	if m.reconnecting {
		m.policy.record(nil)
		m.reconnecting = false
	}

	m.logger.WithFields(logrus.Fields{
		"device":   m.deviceID,
		"services": m.catalog.Len(),
		"mtu":      m.mtu,
	}).Info("Device connected")

	m.setState(Connected, nil, "connected")

	waiters := m.ready
	m.ready = nil
	for _, fn := range waiters {
		fn(nil)
	}
}

func (m *Machine) discoveryFailed(err error) {
	m.logger.WithFields(logrus.Fields{
		"device": m.deviceID,
		"error":  err,
	}).Error("Service discovery failed")

	if m.reconnecting {
		m.policy.record(err)
		m.reconnecting = false
	}
	m.rejectReady(err)
	m.flush(msgDisconnecting)
	m.catalog = nil

	m.setState(Disconnecting, err, "service discovery failed")
	m.arm(m.opts.DisconnectTimeout, func() {
		m.settleDisconnected(err, "service discovery failed")
	})
	if derr := m.link.Disconnect(); derr != nil {
		m.settleDisconnected(err, "service discovery failed")
	}
}

func (m *Machine) onDisconnected(ev native.Event) {
	switch {
	case m.state == Disconnecting:
		m.settleDisconnected(m.pendingErr(ev), "disconnected")

	case m.state == ConnectingToDevice:
		m.connectAttemptFailed(disconnectCause(ev, "connection failed"))

	case ev.OK():
		m.logger.WithField("device", m.deviceID).Info("Device disconnected")
		m.flush(msgExpected)
		m.settleDisconnected(nil, msgExpected)

	case m.state == RequestingMTU || m.state == DiscoveringServices:
		m.setupFailed(disconnectCause(ev, "connection failed"))

	default:
		m.lost(disconnectCause(ev, msgUnexpected))
	}
}

// setupFailed handles a link dropped before it became Connected. It is a
// failed connection, not a loss, so it never starts a reconnect.
func (m *Machine) setupFailed(cause error) {
	m.logger.WithFields(logrus.Fields{
		"device": m.deviceID,
		"state":  m.state,
		"error":  cause,
	}).Error("Link dropped during connection setup")

	if m.reconnecting {
		m.policy.record(cause)
	}
	m.flush(msgUnexpected)
	m.settleDisconnected(cause, "connection failed")
}

// lost handles an unexpected link loss: flush, report, then reconnect
// unless disabled or the breaker is open.
func (m *Machine) lost(cause error) {
	m.logger.WithFields(logrus.Fields{
		"device": m.deviceID,
		"state":  m.state,
		"error":  cause,
	}).Warn("Device disconnected unexpectedly")

	m.disarm()
	m.flush(msgUnexpected)
	m.catalog = nil
	m.mtu = 0

	if m.opts.DisableAutoReconnect || !m.policy.allowReconnect() {
		if !m.opts.DisableAutoReconnect {
			m.logger.WithField("device", m.deviceID).Warn("Reconnect circuit open, giving up")
		}
		m.settleDisconnected(cause, msgUnexpected)
		return
	}

	m.setState(Disconnected, cause, msgUnexpected)

	m.reconnecting = true
	m.attempt = 0
	m.setState(ConnectingToDevice, nil, "reconnecting")
	if err := m.tryConnect(); err != nil {
		m.connectAttemptFailed(err)
	}
}

// tryConnect issues one native connect attempt guarded by a timer.
func (m *Machine) tryConnect() error {
	m.attempt++
	m.logger.WithFields(logrus.Fields{
		"device":  m.deviceID,
		"attempt": m.attempt,
		"of":      m.opts.ConnectAttempts,
	}).Debug("Connection attempt")

	m.arm(m.opts.ConnectTimeout+connectGrace, func() {
		m.connectAttemptFailed(device.NewError(device.KindGattError, "connection attempt timed out"))
	})
	if err := m.link.Connect(m.opts.ConnectTimeout); err != nil {
		m.disarm()
		return device.AsError(err)
	}
	return nil
}

func (m *Machine) connectAttemptFailed(err error) {
	if m.state != ConnectingToDevice {
		return
	}
	m.disarm()

	if m.attempt < m.opts.ConnectAttempts {
		delay := m.policy.delay()
		m.logger.WithFields(logrus.Fields{
			"device":  m.deviceID,
			"attempt": m.attempt,
			"retryIn": delay,
			"error":   err,
		}).Warn("Connection attempt failed, retrying")

		m.arm(delay, func() {
			if m.state != ConnectingToDevice {
				return
			}
			if err := m.tryConnect(); err != nil {
				m.connectAttemptFailed(err)
			}
		})
		return
	}

	m.logger.WithFields(logrus.Fields{
		"device":   m.deviceID,
		"attempts": m.attempt,
		"error":    err,
	}).Error("Connection failed")

	if m.reconnecting {
		m.policy.record(err)
	}
	m.flush(msgUnexpected)
	m.settleDisconnected(err, "connection failed")
}

// teardown drops the current link before a new connection, best effort.
func (m *Machine) teardown() {
	old := m.link
	m.disarm()
	m.flush(msgNewConnection)
	m.rejectReady(device.NewError(device.KindNotConnected, msgNewConnection))

	m.stale[old.ID()]++
	if err := old.Disconnect(); err != nil {
		m.stale[old.ID()]--
		m.logger.WithFields(logrus.Fields{
			"link":  old.ID(),
			"error": err,
		}).Debug("Ignoring disconnect error of the replaced link")
	}

	m.link = nil
	m.catalog = nil
	m.reconnecting = false
	m.resolveDisconnects()
}

// settleDisconnected clears the link and publishes Disconnected.
func (m *Machine) settleDisconnected(err error, message string) {
	m.disarm()
	m.link = nil
	m.catalog = nil
	m.mtu = 0
	m.reconnecting = false

	m.rejectReady(readyError(err, message))
	m.setState(Disconnected, err, message)
	m.resolveDisconnects()
}

func (m *Machine) resolveDisconnects() {
	done := m.disconnects
	m.disconnects = nil
	for _, fn := range done {
		fn(nil)
	}
}

func (m *Machine) rejectReady(err error) {
	waiters := m.ready
	m.ready = nil
	for _, fn := range waiters {
		fn(err)
	}
}

func (m *Machine) flush(message string) {
	if m.opts.Queue != nil {
		m.opts.Queue.Flush(device.NewError(device.KindNotConnected, "%s", message))
	}
}

func (m *Machine) setState(state State, err error, message string) {
	m.state = state

	change := Change{
		State:    state,
		Err:      err,
		Message:  message,
		DeviceID: m.deviceID,
		MTU:      m.mtu,
	}
	if state == Connected {
		change.Services = m.catalog.Services()
	}

	m.logger.WithFields(logrus.Fields{
		"device": m.deviceID,
		"state":  state,
		"error":  err,
	}).Debug("Connection state changed")

	if m.opts.OnChange != nil {
		m.opts.OnChange(change)
	}
}

// arm replaces the phase timer. fn runs on the event loop unless the timer
// was replaced or disarmed in the meantime.
func (m *Machine) arm(d time.Duration, fn func()) {
	m.disarm()
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() {
		m.opts.Post(func() {
			if gen != m.timerGen {
				return
			}
			m.timer = nil
			fn()
		})
	})
}

func (m *Machine) disarm() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

// pendingErr keeps a failure cause of a disconnect initiated by discovery failure.
func (m *Machine) pendingErr(ev native.Event) error {
	if ev.OK() {
		return nil
	}
	return disconnectCause(ev, "disconnected with error")
}

func disconnectCause(ev native.Event, message string) error {
	if ev.Err != nil {
		if e := device.AsError(ev.Err); e.Kind != device.KindGenericError {
			return e
		}
	}
	return device.WrapError(device.KindNotConnected, ev.Err, "%s (status: %d)", message, ev.Status)
}

func readyError(err error, message string) error {
	if err != nil {
		return err
	}
	return device.NewError(device.KindNotConnected, "%s", message)
}
