package ble

import (
	"encoding/base64"

	"github.com/srg/blecore/internal/connection"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/gatt"
	"github.com/srg/blecore/internal/subscription"
)

// EventName identifies an event pushed by the Module.
type EventName string

const (
	EventError                  EventName = "onError"
	EventScanResult             EventName = "onScanResult"
	EventCharValueChanged       EventName = "onCharValueChanged"
	EventProgress               EventName = "onProgress"
	EventConnectionStateChanged EventName = "onConnectionStateChanged"
)

// Event is one pushed notification. Payload holds the *Event struct
// matching Name: ErrorEvent, ScanResultEvent, ValueChangedEvent,
// ProgressEvent or ConnectionStateEvent.
type Event struct {
	Name    EventName `json:"event"`
	Payload any       `json:"payload"`
}

type ErrorEvent struct {
	Code    device.ErrorKind `json:"code"`
	Message string           `json:"message"`
}

type ScanResultEvent struct {
	Devices []device.DeviceInfo `json:"devices"`
}

type ValueChangedEvent struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	ValueBase64    string `json:"valueBase64"`
}

// Value decodes the pushed bytes.
func (e ValueChangedEvent) Value() []byte {
	b, _ := base64.StdEncoding.DecodeString(e.ValueBase64)
	return b
}

type ProgressEvent = gatt.Progress

type ConnectionStateEvent struct {
	State    connection.State `json:"state"`
	Error    *ErrorEvent      `json:"error,omitempty"`
	Message  string           `json:"message"`
	DeviceID string           `json:"deviceId,omitempty"`
	Services []device.Service `json:"services,omitempty"`
}

// errorEvent flattens any error into its wire form. nil stays nil.
func errorEvent(err error) *ErrorEvent {
	if err == nil {
		return nil
	}
	e := device.AsError(err)
	return &ErrorEvent{Code: e.Kind, Message: e.Error()}
}

func newErrorEvent(err error) Event {
	return Event{Name: EventError, Payload: *errorEvent(err)}
}

func newScanResultEvent(devices []device.DeviceInfo) Event {
	return Event{Name: EventScanResult, Payload: ScanResultEvent{Devices: devices}}
}

func newValueChangedEvent(v subscription.ValueChanged) Event {
	return Event{Name: EventCharValueChanged, Payload: ValueChangedEvent{
		Service:        v.Service,
		Characteristic: v.Characteristic,
		ValueBase64:    base64.StdEncoding.EncodeToString(v.Value),
	}}
}

func newProgressEvent(p gatt.Progress) Event {
	return Event{Name: EventProgress, Payload: p}
}

func newConnectionStateEvent(c connection.Change) Event {
	return Event{Name: EventConnectionStateChanged, Payload: ConnectionStateEvent{
		State:    c.State,
		Error:    errorEvent(c.Err),
		Message:  c.Message,
		DeviceID: c.DeviceID,
		Services: c.Services,
	}}
}
