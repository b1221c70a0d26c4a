// Package native describes the platform BLE stack as seen by the core: a
// Driver that scans and opens links, Links that initiate GATT operations, and
// the Events the stack calls back with.
//
// Every Driver and Link method only initiates an operation. A returned error
// means the stack refused the request; otherwise the outcome is delivered
// later through the Handler registered with Init, from any goroutine.
package native

import "time"

// Handler receives native events. Implementations must not block.
type Handler func(Event)

// Driver is the entry point of a platform BLE stack.
type Driver interface {
	// Init prepares the adapter and registers the event handler. It fails with
	// NotSupported, MissingPermissions or NotEnabled device errors.
	Init(handler Handler) error

	// StartScan starts discovery, optionally filtered by service UUIDs.
	// Results arrive as ScanResult events, failures as ScanFailed.
	StartScan(serviceUUIDs []string) error

	// StopScan stops discovery. Stopping an idle scanner is not an error.
	StopScan() error

	// Open returns a link handle for the peripheral id without connecting it.
	Open(id string) (Link, error)

	// Close releases the adapter. The driver must not emit events afterwards.
	Close() error
}

// Link is a physical link to one peripheral.
type Link interface {
	ID() string

	// Connect initiates a connection. Completion: Connected, or Disconnected with an error status.
	Connect(timeout time.Duration) error

	// RequestMTU initiates an MTU exchange. Completion: MTUChanged.
	RequestMTU(mtu int) error

	// DiscoverServices initiates discovery. Completion: ServicesDiscovered.
	DiscoverServices() error

	// Read initiates a characteristic read. Completion: CharRead.
	Read(service, characteristic string) error

	// Write initiates a characteristic write. Completion: CharWritten.
	Write(service, characteristic string, data []byte, withResponse bool) error

	// SetNotify enables or disables notifications/indications. Completion: NotifyChanged.
	SetNotify(service, characteristic string, mode NotifyMode, enable bool) error

	// ReadRSSI initiates an RSSI read. Completion: RSSIRead.
	ReadRSSI() error

	// Disconnect initiates a disconnection. Completion: Disconnected with status 0.
	Disconnect() error
}

// NotifyMode selects how value changes are pushed by the peripheral.
type NotifyMode int

const (
	Notify NotifyMode = iota
	Indicate
)

func (m NotifyMode) String() string {
	if m == Indicate {
		return "indicate"
	}
	return "notify"
}
