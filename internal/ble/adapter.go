// Package ble manages the Bluetooth Low Energy link to the rep sensor: it
// scans for the peripheral, connects, rediscovers its GATT table, enables
// notifications and hands reassembled messages to its consumer.
package ble

// Rep sensor identity and GATT UUIDs.
const (
	TargetName    = "RepSense-S3"
	TargetAddress = "24:6F:28:9A:1C:3E"

	ServiceUUID        = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CharacteristicUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	CCCDUUID           = "00002902-0000-1000-8000-00805f9b34fb"
)

// Client Characteristic Configuration values.
var (
	NotifyValue   = []byte{0x01, 0x00}
	IndicateValue = []byte{0x02, 0x00}
)

// GATT status codes reported by the radio.
const (
	StatusSuccess = 0
	// StatusGattError is the catch-all error some stacks return for
	// transient link faults; retrying usually works.
	StatusGattError = 133
	StatusFailure   = 257
)

// Property is a bit set of characteristic capabilities.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropNotify
	PropIndicate
)

// Device is an advertising peripheral.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// Characteristic describes a discovered GATT characteristic.
type Characteristic struct {
	UUID        string
	Properties  Property
	Descriptors []string
}

// Service describes a discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Radio abstracts the platform BLE stack. Operations return immediately;
// results arrive through callbacks that may run on any goroutine.
type Radio interface {
	// Ready reports whether the radio is powered on and usable by this process.
	Ready() error
	// StartScan delivers advertisements to found until StopScan is called.
	StartScan(found func(Device)) error
	// StopScan ends a scan started with StartScan.
	StopScan() error
	// Connect starts connecting to address and returns the link handle at
	// once. onState reports the outcome and any later disconnect.
	Connect(address string, onState func(status int, connected bool)) (Link, error)
}

// Link is one connection to a peripheral.
type Link interface {
	// RefreshCache discards the stack's cached GATT table for this device so
	// the next discovery reads it fresh. Returns ErrRefreshUnsupported when
	// the platform cannot do that.
	RefreshCache() error
	// DiscoverServices reads the GATT table.
	DiscoverServices(done func(services []Service, err error))
	// EnableNotifications turns on local delivery of notifications for a
	// characteristic. The peripheral sends nothing until the CCCD is written.
	EnableNotifications(charUUID string, onData func([]byte)) error
	// WriteDescriptor writes a descriptor of a characteristic.
	WriteDescriptor(charUUID, descUUID string, value []byte, done func(err error))
	// RequestMTU asks for a larger ATT MTU and reports the negotiated value.
	RequestMTU(mtu int, done func(mtu int, err error))
	// Close releases the connection.
	Close() error
}
