package testutils

import (
	"sync"
	"time"

	"github.com/srg/blecore/internal/native"
)

// Call is one recorded native request.
type Call struct {
	Method         string
	LinkID         string
	Service        string
	Characteristic string
	Data           []byte
	WithResponse   bool
	Mode           native.NotifyMode
	Enable         bool
	MTU            int
	Timeout        time.Duration
	ServiceUUIDs   []string
}

// FakeDriver is a scriptable native.Driver. It records every request made
// through it or its links. Tests inject events with Emit; registered
// FakePeripherals answer link requests automatically.
type FakeDriver struct {
	mu          sync.Mutex
	handler     native.Handler
	calls       []Call
	links       map[string]*FakeLink
	peripherals map[string]*FakePeripheral
	errs        map[string]error
	closed      bool
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		links:       make(map[string]*FakeLink),
		peripherals: make(map[string]*FakePeripheral),
		errs:        make(map[string]error),
	}
}

// AddPeripheral makes p reachable through Open(p.ID).
func (d *FakeDriver) AddPeripheral(p *FakePeripheral) *FakeDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peripherals[p.ID] = p
	return d
}

// Peripheral returns the registered peripheral with the given id.
func (d *FakeDriver) Peripheral(id string) *FakePeripheral {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peripherals[id]
}

// FailOn makes every subsequent call of method return err synchronously.
// A nil err clears it.
func (d *FakeDriver) FailOn(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.errs, method)
		return
	}
	d.errs[method] = err
}

// Emit delivers ev to the registered handler.
func (d *FakeDriver) Emit(ev native.Event) {
	d.mu.Lock()
	h := d.handler
	closed := d.closed
	d.mu.Unlock()

	if h != nil && !closed {
		h(ev)
	}
}

// Calls returns a copy of the recorded requests.
func (d *FakeDriver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallsOf returns the recorded requests of one method.
func (d *FakeDriver) CallsOf(method string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times method was called.
func (d *FakeDriver) Count(method string) int {
	return len(d.CallsOf(method))
}

// ResetCalls forgets the recorded requests.
func (d *FakeDriver) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// Link returns the link opened for id, nil if none.
func (d *FakeDriver) Link(id string) *FakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[id]
}

func (d *FakeDriver) record(c Call) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
	return d.errs[c.Method]
}

func (d *FakeDriver) Init(handler native.Handler) error {
	if err := d.record(Call{Method: "Init"}); err != nil {
		return err
	}
	d.mu.Lock()
	d.handler = handler
	d.closed = false
	d.mu.Unlock()
	return nil
}

func (d *FakeDriver) StartScan(serviceUUIDs []string) error {
	return d.record(Call{Method: "StartScan", ServiceUUIDs: serviceUUIDs})
}

func (d *FakeDriver) StopScan() error {
	return d.record(Call{Method: "StopScan"})
}

func (d *FakeDriver) Open(id string) (native.Link, error) {
	if err := d.record(Call{Method: "Open", LinkID: id}); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l := &FakeLink{id: id, driver: d}
	d.links[id] = l
	return l, nil
}

func (d *FakeDriver) Close() error {
	err := d.record(Call{Method: "Close"})
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}

// FakeLink is the native.Link handed out by FakeDriver.
type FakeLink struct {
	id     string
	driver *FakeDriver
}

func (l *FakeLink) ID() string { return l.id }

func (l *FakeLink) do(c Call) error {
	c.LinkID = l.id
	if err := l.driver.record(c); err != nil {
		return err
	}
	if p := l.driver.Peripheral(l.id); p != nil {
		p.respond(c, l.driver.Emit)
	}
	return nil
}

func (l *FakeLink) Connect(timeout time.Duration) error {
	return l.do(Call{Method: "Connect", Timeout: timeout})
}

func (l *FakeLink) RequestMTU(mtu int) error {
	return l.do(Call{Method: "RequestMTU", MTU: mtu})
}

func (l *FakeLink) DiscoverServices() error {
	return l.do(Call{Method: "DiscoverServices"})
}

func (l *FakeLink) Read(service, characteristic string) error {
	return l.do(Call{Method: "Read", Service: service, Characteristic: characteristic})
}

func (l *FakeLink) Write(service, characteristic string, data []byte, withResponse bool) error {
	return l.do(Call{
		Method:         "Write",
		Service:        service,
		Characteristic: characteristic,
		Data:           append([]byte(nil), data...),
		WithResponse:   withResponse,
	})
}

func (l *FakeLink) SetNotify(service, characteristic string, mode native.NotifyMode, enable bool) error {
	return l.do(Call{Method: "SetNotify", Service: service, Characteristic: characteristic, Mode: mode, Enable: enable})
}

func (l *FakeLink) ReadRSSI() error {
	return l.do(Call{Method: "ReadRSSI"})
}

func (l *FakeLink) Disconnect() error {
	return l.do(Call{Method: "Disconnect"})
}
