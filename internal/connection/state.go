package connection

import (
	"github.com/srg/blecore/internal/device"
)

// State of the link to the peripheral. Values are the wire names carried by
// connection state events.
type State string

const (
	Disconnected        State = "DISCONNECTED"
	ConnectingToDevice  State = "CONNECTING_TO_DEVICE"
	RequestingMTU       State = "REQUESTING_MTU"
	DiscoveringServices State = "DISCOVERING_SERVICES"
	Connected           State = "CONNECTED"
	Disconnecting       State = "DISCONNECTING"
)

func (s State) String() string { return string(s) }

// Active reports whether a link exists in this state.
func (s State) Active() bool {
	return s != Disconnected
}

// Change is published on every state transition.
type Change struct {
	State    State
	Err      error
	Message  string
	DeviceID string
	MTU      int

	// Services is set only when State is Connected.
	Services []device.Service
}
