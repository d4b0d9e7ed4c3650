package ble

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/repsense/internal/ble/protocol"
)

var targetDevice = Device{Name: TargetName, Address: TargetAddress, RSSI: -50}

func newTestManager(t *testing.T, radio *mockRadio, opts Options) *Manager {
	t.Helper()
	m := NewManager(radio, opts)
	t.Cleanup(func() { m.Close() })
	return m
}

// connectActive scans, finds the target and waits for notifications.
func connectActive(t *testing.T, m *Manager, radio *mockRadio) *mockLink {
	t.Helper()
	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	radio.Advertise(targetDevice)
	waitState(t, m, StateNotificationsActive)
	return radio.latestLink()
}

// noEvent fails if an event of kind arrives within d.
func noEvent(t *testing.T, m *Manager, kind EventKind, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				return
			}
			if ev.Kind == kind {
				t.Fatalf("unexpected %s event: %+v", kind, ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestStartScanRadioUnavailable(t *testing.T) {
	radio := newMockRadio()
	radio.readyErr = errors.New("bluetooth is off")
	m := newTestManager(t, radio, testOptions())

	err := m.StartScan()
	if !errors.Is(err, ErrRadioUnavailable) {
		t.Fatalf("StartScan() error = %v, want ErrRadioUnavailable", err)
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %s, want idle", m.State())
	}
	ev := nextEvent(t, m, EventError)
	if !errors.Is(ev.Err, ErrRadioUnavailable) {
		t.Errorf("error event = %v, want ErrRadioUnavailable", ev.Err)
	}
	if radio.scans != 0 {
		t.Errorf("radio scans = %d, want 0", radio.scans)
	}
}

func TestStartScanOnlyFromIdle(t *testing.T) {
	radio := newMockRadio()
	m := newTestManager(t, radio, testOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if err := m.StartScan(); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartScan() error = %v, want ErrBusy", err)
	}
}

func TestScanTimeoutReportsDeviceNotFound(t *testing.T) {
	radio := newMockRadio()
	opts := testOptions()
	opts.ScanTimeout = 20 * time.Millisecond
	m := newTestManager(t, radio, opts)

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	nextEvent(t, m, EventScanStarted)
	nextEvent(t, m, EventScanStopped)
	ev := nextEvent(t, m, EventError)
	if !errors.Is(ev.Err, ErrDeviceNotFound) {
		t.Errorf("error = %v, want ErrDeviceNotFound", ev.Err)
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %s, want idle", m.State())
	}
	if radio.stopScans != 1 {
		t.Errorf("StopScan calls = %d, want 1", radio.stopScans)
	}
}

func TestScanIgnoresOtherDevices(t *testing.T) {
	radio := newMockRadio()
	m := newTestManager(t, radio, testOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	others := []Device{
		{Name: "Headphones", Address: "00:11:22:33:44:55"},
		{Name: strings.ToLower(TargetName), Address: "00:11:22:33:44:56"}, // name match is case-sensitive
		{Name: "", Address: strings.ToLower(TargetAddress)},
	}
	for _, d := range others {
		radio.Advertise(d)
		ev := nextEvent(t, m, EventDeviceFound)
		if ev.Device != d {
			t.Errorf("device found = %+v, want %+v", ev.Device, d)
		}
	}
	if m.State() != StateScanning {
		t.Errorf("State() = %s, want scanning", m.State())
	}
	if radio.connectCount() != 0 {
		t.Errorf("connects = %d, want 0", radio.connectCount())
	}
}

func TestScanMatchesByAddress(t *testing.T) {
	radio := newMockRadio()
	m := newTestManager(t, radio, testOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	radio.Advertise(Device{Name: "", Address: TargetAddress})
	nextEvent(t, m, EventScanStopped)
	ev := nextEvent(t, m, EventConnectionChanged)
	if !ev.Connected {
		t.Error("expected connected event")
	}
	if radio.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", radio.connectCount())
	}
}

func TestFullLifecycle(t *testing.T) {
	radio := newMockRadio()
	m := newTestManager(t, radio, testOptions())

	link := connectActive(t, m, radio)

	refreshes, discoveries, _ := link.counts()
	if refreshes != 1 {
		t.Errorf("cache refreshes = %d, want 1 (right after connect)", refreshes)
	}
	if discoveries != 1 {
		t.Errorf("discoveries = %d, want 1", discoveries)
	}
	writes := link.descriptorWrites()
	if len(writes) != 1 || string(writes[0]) != string(NotifyValue) {
		t.Errorf("descriptor writes = %v, want [%v]", writes, NotifyValue)
	}

	deadline := time.Now().Add(time.Second)
	for m.MTU() != 517 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if m.MTU() != 517 {
		t.Errorf("MTU() = %d, want 517", m.MTU())
	}

	link.SimulateNotification(`{"squat": `)
	link.SimulateNotification(" 0.9}\n")
	ev := nextEvent(t, m, EventData)
	if ev.Data != `{"squat":0.9}` {
		t.Errorf("data = %q, want %q", ev.Data, `{"squat":0.9}`)
	}
}

func TestIndicateWhenNotifyUnsupported(t *testing.T) {
	radio := newMockRadio()
	radio.prepare = func(l *mockLink) {
		l.services = [][]Service{targetService(PropIndicate)}
	}
	m := newTestManager(t, radio, testOptions())

	link := connectActive(t, m, radio)
	writes := link.descriptorWrites()
	if len(writes) != 1 || string(writes[0]) != string(IndicateValue) {
		t.Errorf("descriptor writes = %v, want [%v]", writes, IndicateValue)
	}
}

func TestNotificationSetupErrors(t *testing.T) {
	noDescriptor := []Service{{
		UUID:            ServiceUUID,
		Characteristics: []Characteristic{{UUID: CharacteristicUUID, Properties: PropNotify}},
	}}

	tests := []struct {
		name    string
		prepare func(*mockLink)
		want    error
	}{
		{
			name:    "no notify or indicate",
			prepare: func(l *mockLink) { l.services = [][]Service{targetService(PropRead)} },
			want:    ErrNotifyUnsupported,
		},
		{
			name:    "no descriptor",
			prepare: func(l *mockLink) { l.services = [][]Service{noDescriptor} },
			want:    ErrDescriptorNotFound,
		},
		{
			name:    "descriptor write fails",
			prepare: func(l *mockLink) { l.writeErr = errors.New("gatt write failed") },
		},
		{
			name:    "local enable fails",
			prepare: func(l *mockLink) { l.enableErr = errors.New("no such characteristic") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			radio := newMockRadio()
			radio.prepare = tt.prepare
			m := newTestManager(t, radio, testOptions())

			if err := m.StartScan(); err != nil {
				t.Fatalf("StartScan() error = %v", err)
			}
			radio.Advertise(targetDevice)

			ev := nextEvent(t, m, EventError)
			if tt.want != nil && !errors.Is(ev.Err, tt.want) {
				t.Errorf("error = %v, want %v", ev.Err, tt.want)
			}
			if m.State() != StateError {
				t.Errorf("State() = %s, want error", m.State())
			}
			if _, _, closes := radio.latestLink().counts(); closes != 0 {
				t.Errorf("link closed %d times, session should stay open", closes)
			}
		})
	}
}

func TestDiscoveryRetriesThenGivesUp(t *testing.T) {
	radio := newMockRadio()
	radio.prepare = func(l *mockLink) { l.services = [][]Service{nil} }
	m := newTestManager(t, radio, testOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	radio.Advertise(targetDevice)

	ev := nextEvent(t, m, EventError)
	if !errors.Is(ev.Err, ErrCharacteristicNotFound) {
		t.Fatalf("error = %v, want ErrCharacteristicNotFound", ev.Err)
	}

	// No further retry may be scheduled after the terminal error.
	time.Sleep(30 * time.Millisecond)
	link := radio.latestLink()
	refreshes, discoveries, closes := link.counts()
	if discoveries != 4 {
		t.Errorf("discoveries = %d, want 4 (first attempt + 3 retries)", discoveries)
	}
	if refreshes != 4 {
		t.Errorf("cache refreshes = %d, want 4 (connect + 3 retries)", refreshes)
	}
	if closes != 0 {
		t.Errorf("link closed %d times, session should stay connected", closes)
	}
	if m.State() != StateError {
		t.Errorf("State() = %s, want error", m.State())
	}
}

func TestDiscoveryRecoversOnRetry(t *testing.T) {
	radio := newMockRadio()
	radio.prepare = func(l *mockLink) {
		l.services = [][]Service{nil, nil, {{UUID: strings.ToUpper(ServiceUUID), Characteristics: []Characteristic{
			{UUID: strings.ToUpper(CharacteristicUUID), Properties: PropNotify, Descriptors: []string{strings.ToUpper(CCCDUUID)}},
		}}}}
	}
	m := newTestManager(t, radio, testOptions())

	link := connectActive(t, m, radio)
	refreshes, discoveries, _ := link.counts()
	if discoveries != 3 {
		t.Errorf("discoveries = %d, want 3", discoveries)
	}
	if refreshes != 3 {
		t.Errorf("cache refreshes = %d, want 3", refreshes)
	}
}

func TestDiscoveryErrorCountsAsMiss(t *testing.T) {
	radio := newMockRadio()
	radio.prepare = func(l *mockLink) { l.discoverErr = errors.New("gatt busy") }
	m := newTestManager(t, radio, testOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	radio.Advertise(targetDevice)

	ev := nextEvent(t, m, EventError)
	if !errors.Is(ev.Err, ErrCharacteristicNotFound) {
		t.Errorf("error = %v, want ErrCharacteristicNotFound", ev.Err)
	}
}

func TestConnectFailureTransientStatus(t *testing.T) {
	radio := newMockRadio()
	radio.autoConnect = false
	m := newTestManager(t, radio, testOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	radio.Advertise(targetDevice)
	waitState(t, m, StateConnecting)

	link := radio.latestLink()
	link.SimulateState(StatusGattError, false)

	ev := nextEvent(t, m, EventError)
	var cerr *ConnectError
	if !errors.As(ev.Err, &cerr) {
		t.Fatalf("error = %v, want *ConnectError", ev.Err)
	}
	if !cerr.Transient() {
		t.Error("status 133 should be reported as transient")
	}
	if ev.Status != StatusGattError {
		t.Errorf("status = %d, want %d", ev.Status, StatusGattError)
	}
	if _, _, closes := link.counts(); closes != 1 {
		t.Errorf("link closes = %d, want 1", closes)
	}
	waitState(t, m, StateIdle)
	if radio.connectCount() != 1 {
		t.Errorf("connects = %d, want 1 (no automatic retry)", radio.connectCount())
	}
}

func TestConnectFailureOtherStatus(t *testing.T) {
	err := &ConnectError{Status: 8}
	if err.Transient() {
		t.Error("status 8 should not be transient")
	}
	if !strings.Contains(err.Error(), "8") {
		t.Errorf("Error() = %q, want status in message", err.Error())
	}
}

func TestSpontaneousDisconnect(t *testing.T) {
	radio := newMockRadio()
	m := newTestManager(t, radio, testOptions())
	link := connectActive(t, m, radio)
	nextEvent(t, m, EventConnectionChanged)

	link.SimulateNotification(`{"squat":`)
	deadline := time.Now().Add(time.Second)
	for m.framer.Pending() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	link.SimulateState(19, false)
	ev := nextEvent(t, m, EventConnectionChanged)
	if ev.Connected {
		t.Error("expected disconnected event")
	}
	if ev.Status != 19 {
		t.Errorf("status = %d, want 19", ev.Status)
	}
	waitState(t, m, StateIdle)
	if m.framer.Pending() != "" {
		t.Errorf("framer pending = %q after disconnect, want empty", m.framer.Pending())
	}
	if _, _, closes := link.counts(); closes != 1 {
		t.Errorf("link closes = %d, want 1", closes)
	}
	if m.MTU() != protocol.DefaultMTU {
		t.Errorf("MTU() = %d after disconnect, want default", m.MTU())
	}
}

func TestMTUFailureIsNotFatal(t *testing.T) {
	radio := newMockRadio()
	radio.prepare = func(l *mockLink) { l.mtuErr = errors.New("mtu rejected") }
	m := newTestManager(t, radio, testOptions())

	link := connectActive(t, m, radio)
	time.Sleep(20 * time.Millisecond)

	if m.State() != StateNotificationsActive {
		t.Errorf("State() = %s, want notifications_active", m.State())
	}
	if m.MTU() != protocol.DefaultMTU {
		t.Errorf("MTU() = %d, want default %d", m.MTU(), protocol.DefaultMTU)
	}
	link.SimulateNotification(`{"squat":0.5}`)
	if ev := nextEvent(t, m, EventData); ev.Data != `{"squat":0.5}` {
		t.Errorf("data = %q", ev.Data)
	}
}

func TestDisconnectCancelsPendingTimers(t *testing.T) {
	radio := newMockRadio()
	opts := testOptions()
	opts.SettleDelay = 40 * time.Millisecond
	m := newTestManager(t, radio, opts)

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	radio.Advertise(targetDevice)
	nextEvent(t, m, EventConnectionChanged)

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	ev := nextEvent(t, m, EventConnectionChanged)
	if ev.Connected {
		t.Error("expected disconnected event")
	}

	time.Sleep(80 * time.Millisecond)
	link := radio.latestLink()
	_, discoveries, closes := link.counts()
	if discoveries != 0 {
		t.Errorf("discoveries = %d after Disconnect, want 0", discoveries)
	}
	if closes != 1 {
		t.Errorf("link closes = %d, want 1", closes)
	}

	// Idempotent: nothing more happens.
	if err := m.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
	noEvent(t, m, EventConnectionChanged, 20*time.Millisecond)
	if _, _, closes := link.counts(); closes != 1 {
		t.Errorf("link closes = %d after second Disconnect, want 1", closes)
	}
}

func TestLateCallbackAfterDisconnectIgnored(t *testing.T) {
	radio := newMockRadio()
	radio.autoConnect = false
	m := newTestManager(t, radio, testOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	radio.Advertise(targetDevice)
	waitState(t, m, StateConnecting)
	link := radio.latestLink()

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	link.SimulateState(StatusSuccess, true)
	link.SimulateNotification(`{"squat":0.9}`)

	noEvent(t, m, EventConnectionChanged, 30*time.Millisecond)
	if m.State() != StateIdle {
		t.Errorf("State() = %s, want idle", m.State())
	}
}

func TestStopScan(t *testing.T) {
	radio := newMockRadio()
	m := newTestManager(t, radio, testOptions())

	if err := m.StopScan(); err != nil {
		t.Fatalf("StopScan() while idle error = %v", err)
	}
	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	radio.mu.Lock()
	late := radio.found
	radio.mu.Unlock()

	if err := m.StopScan(); err != nil {
		t.Fatalf("StopScan() error = %v", err)
	}
	nextEvent(t, m, EventScanStopped)
	if m.State() != StateIdle {
		t.Errorf("State() = %s, want idle", m.State())
	}

	// A late advertisement from the stopped scan does nothing.
	late(targetDevice)
	time.Sleep(20 * time.Millisecond)
	if radio.connectCount() != 0 {
		t.Errorf("connects = %d, want 0", radio.connectCount())
	}
}

func TestCleanupThenStartScanIsFresh(t *testing.T) {
	radio := newMockRadio()
	radio.prepare = func(l *mockLink) { l.services = [][]Service{nil} }
	m := newTestManager(t, radio, testOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	radio.Advertise(targetDevice)
	nextEvent(t, m, EventError)

	if err := m.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %s after Cleanup, want idle", m.State())
	}
	if m.LastError() != nil {
		t.Errorf("LastError() = %v after Cleanup, want nil", m.LastError())
	}
	if m.MTU() != protocol.DefaultMTU {
		t.Errorf("MTU() = %d after Cleanup, want default", m.MTU())
	}

	radio.mu.Lock()
	radio.prepare = nil
	radio.mu.Unlock()

	link := connectActive(t, m, radio)
	_, discoveries, _ := link.counts()
	if discoveries != 1 {
		t.Errorf("discoveries on fresh session = %d, want 1", discoveries)
	}
}

func TestCloseClosesEvents(t *testing.T) {
	radio := newMockRadio()
	m := NewManager(radio, testOptions())

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for range m.Events() {
	}
	if err := m.StartScan(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartScan() after Close error = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestEventJSON(t *testing.T) {
	ev := Event{Kind: EventError, Err: ErrDeviceNotFound}
	data, err := ev.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	got := string(data)
	if !strings.Contains(got, `"kind":"error"`) || !strings.Contains(got, "device not found") {
		t.Errorf("MarshalJSON() = %s", got)
	}
	if strings.Contains(got, "device\":{") {
		t.Errorf("empty device should be omitted: %s", got)
	}
}
