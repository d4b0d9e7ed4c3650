package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/repsense/internal/ble/protocol"
)

// State is the link lifecycle state.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateServicesDiscovered
	StateNotificationsActive
	// StateError marks a connected session whose setup failed. It stays
	// connected but inert until Disconnect or Cleanup.
	StateError
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateScanning:            "scanning",
	StateConnecting:          "connecting",
	StateConnected:           "connected",
	StateServicesDiscovered:  "services_discovered",
	StateNotificationsActive: "notifications_active",
	StateError:               "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Options configures Manager timing. Zero fields take the defaults.
type Options struct {
	ScanTimeout     time.Duration // how long to look for the target (default 10s)
	SettleDelay     time.Duration // wait after connect before discovery (default 1s)
	RetryDelay      time.Duration // wait between discovery attempts (default 2s)
	DescriptorDelay time.Duration // wait before the CCCD write (default 100ms)
	IdleTimeout     time.Duration // framer partial-message timeout (default 1s)
	MaxRetries      int           // discovery retries after the first attempt (default 3)
	EventBuffer     int           // Events channel capacity (default 256)
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:     10 * time.Second,
		SettleDelay:     1000 * time.Millisecond,
		RetryDelay:      2000 * time.Millisecond,
		DescriptorDelay: 100 * time.Millisecond,
		IdleTimeout:     protocol.DefaultIdleTimeout,
		MaxRetries:      3,
		EventBuffer:     256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = d.SettleDelay
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.DescriptorDelay <= 0 {
		o.DescriptorDelay = d.DescriptorDelay
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

type timerKind int

const (
	timerScan timerKind = iota
	timerSettle
	timerRetry
	timerDescriptor
	numTimers
)

// session is one connection attempt. It is only touched by the loop goroutine.
type session struct {
	device  Device
	link    Link
	char    Characteristic
	retries int
	mtu     int
	// connected is set once the radio reported the link up.
	connected bool
}

// Manager owns the link lifecycle. All state lives on one loop goroutine;
// public methods, radio callbacks and timers post closures to it.
type Manager struct {
	radio  Radio
	opts   Options
	events chan Event
	framer *protocol.Framer

	// inbox
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	// loop-owned
	state   State
	session *session
	timers  [numTimers]*time.Timer
	scanID  uint64
	lastErr error
	closing bool
}

// NewManager creates a Manager and starts its loop. Call Close when done.
func NewManager(radio Radio, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		radio:   radio,
		opts:    opts,
		events:  make(chan Event, opts.EventBuffer),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	m.framer = protocol.NewFramer(opts.IdleTimeout, func(msg string) {
		m.emit(Event{Kind: EventData, Data: msg})
	})
	go m.run()
	return m
}

// Events returns the channel of link events. It is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// StartScan begins looking for the target device. Only valid while idle.
func (m *Manager) StartScan() error {
	return m.do(m.startScan)
}

// StopScan stops an active scan. It is a no-op in any other state.
func (m *Manager) StopScan() error {
	return m.do(func() error {
		if m.state == StateScanning {
			m.stopScanning()
		}
		return nil
	})
}

// Disconnect cancels any scan and pending timers and releases the link.
// Safe to call in any state and more than once.
func (m *Manager) Disconnect() error {
	return m.do(func() error {
		m.teardown()
		return nil
	})
}

// Cleanup is Disconnect plus a reset of everything left from earlier
// sessions, so the next StartScan behaves as on a new Manager.
func (m *Manager) Cleanup() error {
	return m.do(func() error {
		m.teardown()
		m.lastErr = nil
		return nil
	})
}

// Close cleans up, stops the loop and closes the Events channel.
func (m *Manager) Close() error {
	err := m.do(func() error {
		m.teardown()
		m.closing = true
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	<-m.stopped
	return err
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	var s State
	if err := m.do(func() error { s = m.state; return nil }); err != nil {
		return StateIdle
	}
	return s
}

// MTU returns the negotiated ATT MTU of the current session, or the
// default when there is none.
func (m *Manager) MTU() int {
	mtu := protocol.DefaultMTU
	_ = m.do(func() error {
		if m.session != nil {
			mtu = m.session.mtu
		}
		return nil
	})
	return mtu
}

// LastError returns the most recent error reported to the consumer.
func (m *Manager) LastError() error {
	var err error
	_ = m.do(func() error { err = m.lastErr; return nil })
	return err
}

// --- loop plumbing ---

// post queues fn for the loop. Returns false once the Manager is closed.
func (m *Manager) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.pending = append(m.pending, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for its result.
func (m *Manager) do(fn func() error) error {
	done := make(chan error, 1)
	if !m.post(func() { done <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-m.stopped:
		return ErrClosed
	}
}

func (m *Manager) run() {
	defer close(m.stopped)
	for range m.wake {
		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
				if m.closing {
					m.shutdown()
					return
				}
			}
		}
	}
}

// shutdown rejects further posts and closes the events channel.
func (m *Manager) shutdown() {
	m.mu.Lock()
	m.closed = true
	m.pending = nil
	m.mu.Unlock()
	m.framer.Reset()
	close(m.events)
}

// emit delivers an event without ever blocking the loop.
func (m *Manager) emit(ev Event) {
	if ev.Kind == EventError {
		m.lastErr = ev.Err
	}
	select {
	case m.events <- ev:
	default:
		slog.Warn("[BLE] event channel full, dropping event", "kind", ev.Kind)
	}
}

func (m *Manager) fail(err error, status int) {
	slog.Error("[BLE] session error", "error", err, "state", m.state)
	m.emit(Event{Kind: EventError, Err: err, Status: status})
}

// schedule arms a timer of the given kind, replacing any pending one.
func (m *Manager) schedule(kind timerKind, d time.Duration, fn func()) {
	m.cancelTimer(kind)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.post(func() {
			if m.timers[kind] != t {
				return
			}
			m.timers[kind] = nil
			fn()
		})
	})
	m.timers[kind] = t
}

func (m *Manager) cancelTimer(kind timerKind) {
	if t := m.timers[kind]; t != nil {
		t.Stop()
		m.timers[kind] = nil
	}
}

func (m *Manager) cancelTimers() {
	for k := timerKind(0); k < numTimers; k++ {
		m.cancelTimer(k)
	}
}

// --- scanning ---

func (m *Manager) startScan() error {
	if m.state != StateIdle {
		return fmt.Errorf("ble: start scan in state %s: %w", m.state, ErrBusy)
	}
	if err := m.radio.Ready(); err != nil {
		err = fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
		m.fail(err, 0)
		return err
	}

	m.scanID++
	id := m.scanID
	if err := m.radio.StartScan(func(d Device) {
		m.post(func() { m.onAdvertisement(id, d) })
	}); err != nil {
		err = fmt.Errorf("ble: start scan: %w", err)
		m.fail(err, 0)
		return err
	}

	m.state = StateScanning
	slog.Info("[BLE] scanning", "name", TargetName, "address", TargetAddress, "timeout", m.opts.ScanTimeout)
	m.emit(Event{Kind: EventScanStarted})
	m.schedule(timerScan, m.opts.ScanTimeout, m.onScanTimeout)
	return nil
}

func (m *Manager) stopScanning() {
	m.cancelTimer(timerScan)
	if err := m.radio.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan", "error", err)
	}
	m.state = StateIdle
	m.emit(Event{Kind: EventScanStopped})
}

func (m *Manager) onScanTimeout() {
	if m.state != StateScanning {
		return
	}
	m.stopScanning()
	m.fail(fmt.Errorf("%w within %s", ErrDeviceNotFound, m.opts.ScanTimeout), 0)
}

func (m *Manager) onAdvertisement(id uint64, d Device) {
	if id != m.scanID || m.state != StateScanning {
		return
	}
	m.emit(Event{Kind: EventDeviceFound, Device: d})
	if !isTarget(d) {
		return
	}
	slog.Info("[BLE] found target", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
	m.stopScanning()
	m.connect(d)
}

func isTarget(d Device) bool {
	return (d.Name != "" && d.Name == TargetName) || (d.Address != "" && d.Address == TargetAddress)
}

// --- connection ---

func (m *Manager) connect(d Device) {
	m.state = StateConnecting
	s := &session{device: d, mtu: protocol.DefaultMTU}

	link, err := m.radio.Connect(d.Address, func(status int, connected bool) {
		m.post(func() { m.onConnectionState(s, status, connected) })
	})
	if err != nil {
		m.state = StateIdle
		m.fail(fmt.Errorf("ble: connect to %s: %w", d.Address, err), 0)
		return
	}
	s.link = link
	m.session = s
	m.framer.Reset()
	m.refreshCache(s)
}

// refreshCache forces a full rediscovery on platforms that cache GATT tables.
func (m *Manager) refreshCache(s *session) {
	err := s.link.RefreshCache()
	switch {
	case err == nil:
	case errors.Is(err, ErrRefreshUnsupported):
		slog.Debug("[BLE] gatt cache refresh unsupported on this platform")
	default:
		slog.Warn("[BLE] gatt cache refresh failed", "error", err)
	}
}

func (m *Manager) onConnectionState(s *session, status int, connected bool) {
	if m.session != s {
		return
	}

	if connected && status == StatusSuccess {
		if s.connected {
			return
		}
		s.connected = true
		m.state = StateConnected
		slog.Info("[BLE] connected", "address", s.device.Address)
		m.emit(Event{Kind: EventConnectionChanged, Connected: true, Device: s.device})
		m.schedule(timerSettle, m.opts.SettleDelay, func() { m.discover(s) })
		return
	}

	if !s.connected {
		err := &ConnectError{Status: status}
		m.release()
		m.state = StateIdle
		m.fail(err, status)
		return
	}

	slog.Warn("[BLE] disconnected", "address", s.device.Address, "status", status)
	m.release()
	m.state = StateIdle
	m.emit(Event{Kind: EventConnectionChanged, Connected: false, Device: s.device, Status: status})
}

// release drops the current session and everything tied to it.
func (m *Manager) release() {
	m.cancelTimer(timerSettle)
	m.cancelTimer(timerRetry)
	m.cancelTimer(timerDescriptor)
	m.framer.Reset()
	if m.session == nil {
		return
	}
	if err := m.session.link.Close(); err != nil {
		slog.Warn("[BLE] close link", "error", err)
	}
	m.session = nil
}

func (m *Manager) teardown() {
	if m.state == StateScanning {
		m.stopScanning()
	}
	m.cancelTimers()

	s := m.session
	m.release()
	if s != nil && s.connected {
		slog.Info("[BLE] disconnected by request", "address", s.device.Address)
		m.emit(Event{Kind: EventConnectionChanged, Connected: false, Device: s.device})
	}
	m.state = StateIdle
}

// --- discovery ---

func (m *Manager) discover(s *session) {
	if m.session != s {
		return
	}
	slog.Debug("[BLE] discovering services", "attempt", s.retries+1)
	s.link.DiscoverServices(func(services []Service, err error) {
		m.post(func() { m.onServicesDiscovered(s, services, err) })
	})
}

func (m *Manager) onServicesDiscovered(s *session, services []Service, err error) {
	if m.session != s {
		return
	}
	if err != nil {
		slog.Warn("[BLE] service discovery failed", "error", err, "attempt", s.retries+1)
	}

	if char, ok := findCharacteristic(services); ok && err == nil {
		s.retries = 0
		s.char = char
		m.state = StateServicesDiscovered
		slog.Info("[BLE] characteristic found", "uuid", char.UUID)
		m.setupNotifications(s)
		return
	}

	if s.retries < m.opts.MaxRetries {
		s.retries++
		slog.Warn("[BLE] characteristic not found, retrying", "retry", s.retries, "max", m.opts.MaxRetries, "delay", m.opts.RetryDelay)
		m.refreshCache(s)
		m.schedule(timerRetry, m.opts.RetryDelay, func() { m.discover(s) })
		return
	}

	m.state = StateError
	m.fail(fmt.Errorf("%w: service %s characteristic %s after %d retries",
		ErrCharacteristicNotFound, ServiceUUID, CharacteristicUUID, s.retries), 0)
}

func findCharacteristic(services []Service) (Characteristic, bool) {
	for _, svc := range services {
		if !strings.EqualFold(svc.UUID, ServiceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if strings.EqualFold(c.UUID, CharacteristicUUID) {
				return c, true
			}
		}
	}
	return Characteristic{}, false
}

// --- notifications ---

func (m *Manager) setupNotifications(s *session) {
	c := s.char
	if err := s.link.EnableNotifications(c.UUID, func(data []byte) {
		m.post(func() { m.onData(s, data) })
	}); err != nil {
		m.state = StateError
		m.fail(fmt.Errorf("ble: enable notifications: %w", err), 0)
		return
	}

	var value []byte
	switch {
	case c.Properties&PropNotify != 0:
		value = NotifyValue
	case c.Properties&PropIndicate != 0:
		value = IndicateValue
	default:
		m.state = StateError
		m.fail(ErrNotifyUnsupported, 0)
		return
	}

	if !hasDescriptor(c, CCCDUUID) {
		m.state = StateError
		m.fail(ErrDescriptorNotFound, 0)
		return
	}

	m.schedule(timerDescriptor, m.opts.DescriptorDelay, func() {
		s.link.WriteDescriptor(c.UUID, CCCDUUID, value, func(err error) {
			m.post(func() { m.onDescriptorWritten(s, err) })
		})
	})
}

func hasDescriptor(c Characteristic, uuid string) bool {
	for _, d := range c.Descriptors {
		if strings.EqualFold(d, uuid) {
			return true
		}
	}
	return false
}

func (m *Manager) onDescriptorWritten(s *session, err error) {
	if m.session != s {
		return
	}
	if err != nil {
		m.state = StateError
		m.fail(fmt.Errorf("ble: write notification descriptor: %w", err), 0)
		return
	}

	m.state = StateNotificationsActive
	slog.Info("[BLE] notifications active", "uuid", s.char.UUID)

	s.link.RequestMTU(protocol.MaxMTU, func(mtu int, err error) {
		m.post(func() { m.onMTU(s, mtu, err) })
	})
}

func (m *Manager) onMTU(s *session, mtu int, err error) {
	if m.session != s {
		return
	}
	if err != nil || mtu <= 0 {
		slog.Warn("[BLE] mtu negotiation failed, keeping default", "error", err, "mtu", s.mtu)
		return
	}
	s.mtu = mtu
	slog.Info("[BLE] mtu negotiated", "mtu", mtu, "payload", protocol.PayloadSize(mtu))
}

func (m *Manager) onData(s *session, data []byte) {
	if m.session != s {
		return
	}
	m.framer.Push(strings.TrimSpace(string(data)))
}
