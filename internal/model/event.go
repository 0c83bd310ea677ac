package model

import (
	"encoding/json"
	"time"
)

// Server to client event types.
const (
	EventDeviceBinding = "device_binding"
	EventDeviceStatus  = "device_status"
	EventError         = "error"
	EventAck           = "ack"
	EventAutoOnTrigger = "auto_on_trigger"
	EventTimeMatched   = "time_matched"
)

const (
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
)

// Event is the JSON frame written to browser/device clients.
type Event struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Stamp fills the timestamp if the producer left it empty.
func (e Event) Stamp() Event {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UTC().UnixMilli()
	}
	return e
}

func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}

// Envelope is the client to server command frame:
// {"type":"command","payload":{"action":"ON"}}.
type Envelope struct {
	Type    string `json:"type"`
	Payload struct {
		Action string `json:"action"`
	} `json:"payload"`
}

// StatusUpdate is pushed by the downstream system when a device changes state.
type StatusUpdate struct {
	DeviceName string          `json:"deviceName"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func BoolPtr(b bool) *bool { return &b }
