package native

import (
	"fmt"

	"github.com/srg/blecore/internal/device"
)

// Kind tags an Event.
type Kind int

const (
	KindConnected Kind = iota + 1
	KindDisconnected
	KindMTUChanged
	KindServicesDiscovered
	KindCharRead
	KindCharWritten
	KindNotifyChanged
	KindRSSIRead
	KindValueChanged
	KindScanResult
	KindScanFailed
	KindAdapterStateChanged
)

var kindNames = map[Kind]string{
	KindConnected:           "connected",
	KindDisconnected:        "disconnected",
	KindMTUChanged:          "mtu-changed",
	KindServicesDiscovered:  "services-discovered",
	KindCharRead:            "char-read",
	KindCharWritten:         "char-written",
	KindNotifyChanged:       "notify-changed",
	KindRSSIRead:            "rssi-read",
	KindValueChanged:        "value-changed",
	KindScanResult:          "scan-result",
	KindScanFailed:          "scan-failed",
	KindAdapterStateChanged: "adapter-state-changed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// StatusSuccess is the native status of a successful operation.
const StatusSuccess = 0

// StatusFailure is the generic native failure status.
const StatusFailure = 257

// Event is a native callback, flattened into a tagged variant. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind   Kind
	LinkID string
	Status int
	Err    error

	Service        string
	Characteristic string
	Value          []byte
	Enabled        bool

	MTU      int
	RSSI     int
	Services []device.Service
	Devices  []device.DeviceInfo

	Powered bool
}

// OK reports whether the event carries a success status.
func (e Event) OK() bool {
	return e.Status == StatusSuccess && e.Err == nil
}

// Matches reports whether the event targets the given characteristic.
// UUIDs are compared in normalized form.
func (e Event) Matches(service, characteristic string) bool {
	return device.NormalizeUUID(e.Service) == device.NormalizeUUID(service) &&
		device.NormalizeUUID(e.Characteristic) == device.NormalizeUUID(characteristic)
}

func (e Event) String() string {
	switch e.Kind {
	case KindCharRead, KindCharWritten, KindNotifyChanged, KindValueChanged:
		return fmt.Sprintf("%s{%s/%s status=%d len=%d}", e.Kind, device.ShortUUID(e.Service), device.ShortUUID(e.Characteristic), e.Status, len(e.Value))
	case KindMTUChanged:
		return fmt.Sprintf("%s{mtu=%d status=%d}", e.Kind, e.MTU, e.Status)
	case KindRSSIRead:
		return fmt.Sprintf("%s{rssi=%d status=%d}", e.Kind, e.RSSI, e.Status)
	case KindServicesDiscovered:
		return fmt.Sprintf("%s{services=%d status=%d}", e.Kind, len(e.Services), e.Status)
	case KindScanResult:
		return fmt.Sprintf("%s{devices=%d}", e.Kind, len(e.Devices))
	default:
		return fmt.Sprintf("%s{link=%s status=%d}", e.Kind, e.LinkID, e.Status)
	}
}

// Failed builds an event of kind k with a failure status and cause.
func Failed(k Kind, err error) Event {
	return Event{Kind: k, Status: StatusFailure, Err: err}
}
