// Package subscription reference-counts value-change subscriptions per
// characteristic and turns the first subscribe and the last unsubscribe into
// queued notification toggles. Pushed values are routed to the application
// outside of the transaction queue.
package subscription

import (
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/gatt"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/transaction"
)

// ValueChanged is a value pushed by the peripheral on a subscribed characteristic.
type ValueChanged struct {
	Service        string
	Characteristic string
	Value          []byte
}

// Enqueuer accepts transactions for execution. Implemented by transaction.Queue.
type Enqueuer interface {
	Add(tx transaction.Transaction)
}

type Options struct {
	Queue   Enqueuer
	Lookup  gatt.LookupFunc
	OnValue func(ValueChanged)
	Logger  *logrus.Logger
}

// Manager owns the subscription Registry. Like the queue it is confined to
// the event loop.
type Manager struct {
	queue   Enqueuer
	lookup  gatt.LookupFunc
	onValue func(ValueChanged)
	logger  *logrus.Logger

	registry *Registry

	// enables still in flight, joined by later subscribers
	enabling map[Key]*pendingEnable
	// bumped by Reset; older sessions no longer touch the registry
	gen uint64
}

// pendingEnable is a native enable in flight and the subscribers waiting
// for it. refs counts the registry references held by its members.
type pendingEnable struct {
	tx      *gatt.SetNotify
	owned   bool // tx carries the first subscriber's request id
	waiters []*transaction.Waiter
	refs    int
	gen     uint64
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Manager{
		queue:    opts.Queue,
		lookup:   opts.Lookup,
		onValue:  opts.OnValue,
		logger:   opts.Logger,
		registry: NewRegistry(),
		enabling: make(map[Key]*pendingEnable),
	}
}

// Subscribe adds a subscriber to a characteristic. Only the first subscriber
// queues a native enable; later ones arriving while it is in flight wait
// for its outcome. Validation failures are returned synchronously and
// never reach the queue.
//
// Canceling one subscriber's request only removes that subscriber: the
// others keep waiting for pushes to be enabled.
func (m *Manager) Subscribe(txID, service, characteristic string) (transaction.Transaction, error) {
	k, mode, err := m.validate(service, characteristic)
	if err != nil {
		return nil, err
	}

	if !m.registry.Acquire(k, mode) {
		m.logger.WithFields(logrus.Fields{
			"characteristic": k.String(),
			"subscribers":    m.registry.Count(k),
		}).Debug("Joining existing subscription")

		if p, ok := m.enabling[k]; ok {
			return m.join(k, p, txID), nil
		}
		return transaction.Resolved(txID, gatt.KindNotify, nil), nil
	}

	m.logger.WithFields(logrus.Fields{
		"characteristic": k.String(),
		"mode":           mode.String(),
	}).Info("Subscribing")
	return m.enable(k, mode, txID, true, nil).tx, nil
}

// enable queues a native enable for k on behalf of waiters and, when owned,
// of the caller whose request id it carries.
func (m *Manager) enable(k Key, mode native.NotifyMode, txID string, owned bool, waiters []*transaction.Waiter) *pendingEnable {
	p := &pendingEnable{
		tx:      gatt.NewSetNotify(txID, k.Service, k.Characteristic, mode, true, m.lookup, m.logger),
		owned:   owned,
		waiters: waiters,
		refs:    len(waiters),
		gen:     m.gen,
	}
	if owned {
		p.refs++
	}
	m.enabling[k] = p
	p.tx.OnSettled(func(transaction.Transaction) { m.enableSettled(k, p) })
	m.queue.Add(p.tx)
	return p
}

func (m *Manager) join(k Key, p *pendingEnable, txID string) transaction.Transaction {
	w := transaction.NewWaiter(txID, gatt.KindNotify)
	p.waiters = append(p.waiters, w)
	p.refs++
	w.OnSettled(func(transaction.Transaction) {
		if w.State() != transaction.Canceled {
			return
		}
		// the caller left before the enable completed; the waiter may have
		// moved to a re-issued enable since it joined
		cur, ok := m.enabling[k]
		if !ok || !slices.Contains(cur.waiters, w) {
			return
		}
		cur.waiters = slices.DeleteFunc(cur.waiters, func(o *transaction.Waiter) bool { return o == w })
		cur.refs--
		m.release(k, cur.gen)
	})
	return w
}

// Cancel cancels a subscriber still waiting on another subscriber's enable.
// It reports false when no such subscriber exists.
func (m *Manager) Cancel(txID string) bool {
	for _, p := range m.enabling {
		for _, w := range p.waiters {
			if w.ID() == txID {
				w.Cancel()
				return true
			}
		}
	}
	return false
}

func (m *Manager) enableSettled(k Key, p *pendingEnable) {
	if m.enabling[k] == p {
		delete(m.enabling, k)
	}
	waiters := p.waiters
	p.waiters = nil
	current := p.gen == m.gen

	switch p.tx.State() {
	case transaction.Succeeded:
		for _, w := range waiters {
			w.Succeed(nil)
		}
		if current && m.registry.Count(k) == 0 {
			m.logger.WithField("characteristic", k.String()).Debug("Every subscriber left during the enable, disabling")
			m.disable(k, p.tx.Mode())
		}

	case transaction.Canceled:
		if p.owned {
			p.refs--
			m.release(k, p.gen)
		}
		switch {
		case !current:
			for _, w := range waiters {
				w.Fail(p.tx.Err())
			}
		case len(waiters) > 0:
			m.logger.WithFields(logrus.Fields{
				"characteristic": k.String(),
				"waiting":        len(waiters),
			}).Debug("First subscriber left, enabling for the remaining ones")
			m.enable(k, p.tx.Mode(), "", false, waiters)
		case p.tx.Issued() && m.registry.Count(k) == 0:
			m.disable(k, p.tx.Mode())
		}

	default:
		err := p.tx.Err()
		m.logger.WithFields(logrus.Fields{
			"characteristic": k.String(),
			"error":          err,
		}).Warn("Enabling value pushes failed, dropping subscription")
		for _, w := range waiters {
			w.Fail(err)
		}
		for ; p.refs > 0; p.refs-- {
			m.release(k, p.gen)
		}
	}
}

// release drops one registry reference taken during session gen.
func (m *Manager) release(k Key, gen uint64) {
	if gen != m.gen {
		return
	}
	if _, _, err := m.registry.Release(k); err != nil {
		m.logger.WithField("characteristic", k.String()).Debug("Subscription already gone")
	}
}

// disable queues a native disable nobody waits for.
func (m *Manager) disable(k Key, mode native.NotifyMode) {
	tx := gatt.NewSetNotify("", k.Service, k.Characteristic, mode, false, m.lookup, m.logger)
	tx.OnSettled(func(t transaction.Transaction) {
		if err := t.Err(); err != nil {
			m.logger.WithFields(logrus.Fields{
				"characteristic": k.String(),
				"error":          err,
			}).Warn("Failed to disable value pushes")
		}
	})
	m.queue.Add(tx)
}

// Unsubscribe removes a subscriber. The last one queues a native disable.
func (m *Manager) Unsubscribe(txID, service, characteristic string) (transaction.Transaction, error) {
	k, _, err := m.validate(service, characteristic)
	if err != nil {
		return nil, err
	}

	last, mode, err := m.registry.Release(k)
	if err != nil {
		return nil, err
	}
	if !last {
		return transaction.Resolved(txID, gatt.KindNotify, nil), nil
	}

	m.logger.WithField("characteristic", k.String()).Info("Unsubscribing")
	tx := gatt.NewSetNotify(txID, k.Service, k.Characteristic, mode, false, m.lookup, m.logger)
	m.queue.Add(tx)
	return tx, nil
}

// HandleValueChanged routes a pushed value to OnValue. It reports false for
// values of characteristics nobody subscribed to, which are dropped.
func (m *Manager) HandleValueChanged(ev native.Event) bool {
	if ev.Kind != native.KindValueChanged {
		return false
	}
	k, err := KeyOf(ev.Service, ev.Characteristic)
	if err != nil || m.registry.Count(k) == 0 {
		m.logger.WithField("event", ev.String()).Debug("Dropping value of an unsubscribed characteristic")
		return false
	}

	if m.onValue != nil {
		m.onValue(ValueChanged{
			Service:        k.Service,
			Characteristic: k.Characteristic,
			Value:          append([]byte(nil), ev.Value...),
		})
	}
	return true
}

// Subscribed reports whether a characteristic has at least one subscriber.
func (m *Manager) Subscribed(service, characteristic string) bool {
	k, err := KeyOf(service, characteristic)
	return err == nil && m.registry.Count(k) > 0
}

// Count returns the number of subscribers of a characteristic.
func (m *Manager) Count(service, characteristic string) int {
	k, err := KeyOf(service, characteristic)
	if err != nil {
		return 0
	}
	return m.registry.Count(k)
}

// Keys returns the subscribed characteristics.
func (m *Manager) Keys() []Key {
	return m.registry.Keys()
}

// Reset forgets every subscription without native calls. Used when the
// link goes away, since the peripheral drops its pushes with it.
func (m *Manager) Reset() {
	keys := m.registry.Reset()
	clear(m.enabling)
	m.gen++
	if len(keys) > 0 {
		m.logger.WithField("count", len(keys)).Debug("Subscriptions cleared")
	}
}

// validate resolves the characteristic and picks the push mode, notify
// taking precedence over indicate.
func (m *Manager) validate(service, characteristic string) (Key, native.NotifyMode, error) {
	k, err := KeyOf(service, characteristic)
	if err != nil {
		return Key{}, native.Notify, err
	}
	if m.lookup == nil {
		return Key{}, native.Notify, device.NewError(device.KindNotConnected, "not connected")
	}
	c, err := m.lookup(k.Service, k.Characteristic)
	if err != nil {
		return Key{}, native.Notify, err
	}

	switch {
	case c.Properties.Has(device.PropNotify):
		return k, native.Notify, nil
	case c.Properties.Has(device.PropIndicate):
		return k, native.Indicate, nil
	default:
		return Key{}, native.Notify, device.NewError(device.KindInvalidArguments,
			"characteristic %s supports neither notify nor indicate", k)
	}
}
