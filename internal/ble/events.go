package ble

import "encoding/json"

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventConnectionChanged EventKind = iota + 1
	EventDeviceFound
	EventData
	EventScanStarted
	EventScanStopped
	EventError
)

var eventKindNames = map[EventKind]string{
	EventConnectionChanged: "connection_changed",
	EventDeviceFound:       "device_found",
	EventData:              "data",
	EventScanStarted:       "scan_started",
	EventScanStopped:       "scan_stopped",
	EventError:             "error",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is emitted by the Manager. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	Connected bool   // EventConnectionChanged
	Device    Device // EventDeviceFound, EventConnectionChanged
	Data      string // EventData: one complete message
	Err       error  // EventError
	Status    int    // radio status for connection events and errors
}

// MarshalJSON renders the event for consumers that speak JSON.
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind      EventKind `json:"kind"`
		Connected bool      `json:"connected,omitempty"`
		Device    *Device   `json:"device,omitempty"`
		Data      string    `json:"data,omitempty"`
		Error     string    `json:"error,omitempty"`
		Status    int       `json:"status,omitempty"`
	}{
		Kind:      e.Kind,
		Connected: e.Connected,
		Data:      e.Data,
		Status:    e.Status,
	}
	if e.Device != (Device{}) {
		d := e.Device
		out.Device = &d
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}
