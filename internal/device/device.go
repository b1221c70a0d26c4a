package device

// TxPowerUnavailable is the TxPower value reported when the peripheral does
// not advertise its transmit power.
const TxPowerUnavailable = 127

// DeviceInfo is the flat record reported for every peripheral seen while scanning.
type DeviceInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	RSSI          int    `json:"rssi"`
	IsAvailable   bool   `json:"isAvailable"`
	IsConnectable bool   `json:"isConnectable"`
	TxPower       int    `json:"txPower"`
}

// DisplayName returns the advertised name, or the id for anonymous peripherals
func (d DeviceInfo) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// HasTxPower reports whether the advertisement carried a TX power level
func (d DeviceInfo) HasTxPower() bool {
	return d.TxPower != TxPowerUnavailable
}
