package ble

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// scanStartGrace is how long StartScan waits for the scan to fail before
// reporting it as started.
const scanStartGrace = 250 * time.Millisecond

// btAdapter is the part of *bluetooth.Adapter the radio uses.
type btAdapter interface {
	Enable() error
	SetConnectHandler(c func(device bluetooth.Device, connected bool))
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
}

// TinyGoRadio implements Radio on tinygo-org/bluetooth (BlueZ on Linux,
// CoreBluetooth on macOS, WinRT on Windows).
//
// The library hides parts of GATT that the Manager models explicitly:
//   - there is no cache refresh, so RefreshCache reports ErrRefreshUnsupported;
//   - characteristic properties are not exposed, so every characteristic is
//     reported as notify-capable with a CCCD, and the CCCD write is carried
//     out by the library's EnableNotifications;
//   - the MTU cannot be requested, only read back after the stack
//     negotiated it;
//   - connect errors carry no GATT status, so every failure is reported as
//     StatusFailure and never as the transient 133.
type TinyGoRadio struct {
	adapter btAdapter
	grace   time.Duration

	// enableMu protects enabled. Only a successful Enable is remembered.
	enableMu sync.Mutex
	enabled  bool

	// mu protects links.
	mu    sync.Mutex
	links map[string]*tinyGoLink // keyed by device address
}

// NewTinyGoRadio wraps the platform's default adapter.
func NewTinyGoRadio() *TinyGoRadio {
	return newTinyGoRadio(bluetooth.DefaultAdapter)
}

func newTinyGoRadio(adapter btAdapter) *TinyGoRadio {
	return &TinyGoRadio{
		adapter: adapter,
		grace:   scanStartGrace,
		links:   make(map[string]*tinyGoLink),
	}
}

// Ready enables the adapter. A failed attempt is retried on the next call.
// On Linux, Enable does not read the adapter's Powered property, so a
// powered-off radio is reported by StartScan instead.
func (r *TinyGoRadio) Ready() error {
	r.enableMu.Lock()
	defer r.enableMu.Unlock()
	if r.enabled {
		return nil
	}
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	r.adapter.SetConnectHandler(r.onConnectChange)
	r.enabled = true
	return nil
}

func (r *TinyGoRadio) onConnectChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	addr := device.Address.String()
	r.mu.Lock()
	l, ok := r.links[addr]
	r.mu.Unlock()
	if ok {
		l.onState(StatusSuccess, false)
	}
}

// StartScan runs the blocking library scan in the background. A scan that
// fails before the first advertisement or within the grace period (adapter
// not powered, already scanning) is returned synchronously.
func (r *TinyGoRadio) StartScan(found func(Device)) error {
	if err := r.Ready(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	first := make(chan struct{})
	var firstOnce sync.Once
	go func() {
		errCh <- r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			firstOnce.Do(func() { close(first) })
			found(Device{
				Name:    result.LocalName(),
				Address: result.Address.String(),
				RSSI:    int(result.RSSI),
			})
		})
	}()

	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%w: scan: %v", ErrRadioUnavailable, err)
		}
		return nil
	case <-first:
	case <-timer.C:
	}

	go func() {
		if err := <-errCh; err != nil {
			slog.Warn("[BLE] scan ended with error", "error", err)
		}
	}()
	return nil
}

func (r *TinyGoRadio) StopScan() error {
	return r.adapter.StopScan()
}

func (r *TinyGoRadio) Connect(address string, onState func(status int, connected bool)) (Link, error) {
	var addr bluetooth.Address
	addr.Set(address)

	l := &tinyGoLink{
		radio:   r,
		address: address,
		onState: onState,
		chars:   make(map[string]bluetooth.DeviceCharacteristic),
	}

	r.mu.Lock()
	r.links[address] = l
	r.mu.Unlock()

	// tinygo/bluetooth's Connect blocks with its own timeout.
	go func() {
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			slog.Warn("[BLE] connect failed", "address", address, "error", err)
			r.forget(address, l)
			onState(StatusFailure, false)
			return
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = device.Disconnect()
			return
		}
		l.device = &device
		l.mu.Unlock()
		onState(StatusSuccess, true)
	}()
	return l, nil
}

func (r *TinyGoRadio) forget(address string, l *tinyGoLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.links[address] == l {
		delete(r.links, address)
	}
}

// Compile-time check that TinyGoRadio implements Radio.
var _ Radio = (*TinyGoRadio)(nil)

type tinyGoLink struct {
	radio   *TinyGoRadio
	address string
	onState func(status int, connected bool)

	mu     sync.Mutex
	device *bluetooth.Device
	chars  map[string]bluetooth.DeviceCharacteristic // keyed by lowercase UUID
	onData map[string]func([]byte)
	closed bool
}

func (l *tinyGoLink) RefreshCache() error {
	return ErrRefreshUnsupported
}

func (l *tinyGoLink) DiscoverServices(done func([]Service, error)) {
	l.mu.Lock()
	device := l.device
	l.mu.Unlock()
	if device == nil {
		done(nil, fmt.Errorf("ble: discover services: not connected"))
		return
	}

	go func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			done(nil, fmt.Errorf("ble: discover services: %w", err))
			return
		}

		var out []Service
		found := make(map[string]bluetooth.DeviceCharacteristic)
		for _, svc := range svcs {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				slog.Warn("[BLE] discover characteristics", "service", svc.UUID().String(), "error", err)
				continue
			}
			s := Service{UUID: svc.UUID().String()}
			for _, c := range chars {
				uuid := c.UUID().String()
				found[strings.ToLower(uuid)] = c
				s.Characteristics = append(s.Characteristics, Characteristic{
					UUID:        uuid,
					Properties:  PropNotify,
					Descriptors: []string{CCCDUUID},
				})
			}
			out = append(out, s)
		}

		l.mu.Lock()
		l.chars = found
		l.mu.Unlock()
		done(out, nil)
	}()
}

func (l *tinyGoLink) characteristic(uuid string) (bluetooth.DeviceCharacteristic, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[strings.ToLower(uuid)]
	return c, ok
}

func (l *tinyGoLink) EnableNotifications(charUUID string, onData func([]byte)) error {
	if _, ok := l.characteristic(charUUID); !ok {
		return fmt.Errorf("ble: characteristic %s not discovered", charUUID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onData == nil {
		l.onData = make(map[string]func([]byte))
	}
	l.onData[strings.ToLower(charUUID)] = onData
	return nil
}

// WriteDescriptor only understands the CCCD: an enable value subscribes
// through the library, a zero value unsubscribes.
func (l *tinyGoLink) WriteDescriptor(charUUID, descUUID string, value []byte, done func(error)) {
	if !strings.EqualFold(descUUID, CCCDUUID) {
		done(fmt.Errorf("ble: descriptor %s not writable on this platform", descUUID))
		return
	}
	c, ok := l.characteristic(charUUID)
	if !ok {
		done(fmt.Errorf("ble: characteristic %s not discovered", charUUID))
		return
	}

	l.mu.Lock()
	cb := l.onData[strings.ToLower(charUUID)]
	l.mu.Unlock()

	go func() {
		if len(value) == 0 || value[0] == 0 || cb == nil {
			done(c.EnableNotifications(nil))
			return
		}
		done(c.EnableNotifications(func(buf []byte) {
			data := make([]byte, len(buf))
			copy(data, buf)
			cb(data)
		}))
	}()
}

func (l *tinyGoLink) RequestMTU(_ int, done func(int, error)) {
	l.mu.Lock()
	var c bluetooth.DeviceCharacteristic
	ok := false
	for _, ch := range l.chars {
		c, ok = ch, true
		break
	}
	l.mu.Unlock()
	if !ok {
		done(0, fmt.Errorf("ble: no characteristic to read mtu from"))
		return
	}

	go func() {
		mtu, err := c.GetMTU()
		done(int(mtu), err)
	}()
}

func (l *tinyGoLink) Close() error {
	l.mu.Lock()
	device := l.device
	l.device = nil
	l.closed = true
	l.mu.Unlock()

	l.radio.forget(l.address, l)
	if device == nil {
		return nil
	}
	return device.Disconnect()
}
