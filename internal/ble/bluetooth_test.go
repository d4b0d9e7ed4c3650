package ble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/bluetooth"
)

// fakeAdapter stands in for the tinygo adapter.
type fakeAdapter struct {
	mu         sync.Mutex
	enableErrs []error // returned by successive Enable calls; nil afterwards
	enables    int
	handlers   int
	scanErr    error
	scanBlock  chan struct{} // Scan blocks until closed when set
	stops      int
}

func (a *fakeAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enables++
	if len(a.enableErrs) > 0 {
		err := a.enableErrs[0]
		a.enableErrs = a.enableErrs[1:]
		return err
	}
	return nil
}

func (a *fakeAdapter) SetConnectHandler(func(device bluetooth.Device, connected bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers++
}

func (a *fakeAdapter) Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	if a.scanBlock != nil {
		<-a.scanBlock
		return nil
	}
	return a.scanErr
}

func (a *fakeAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	return nil
}

func (a *fakeAdapter) Connect(bluetooth.Address, bluetooth.ConnectionParams) (bluetooth.Device, error) {
	return bluetooth.Device{}, errors.New("not supported in tests")
}

func TestReadyRetriesAfterEnableFailure(t *testing.T) {
	adapter := &fakeAdapter{enableErrs: []error{errors.New("org.bluez not available")}}
	radio := newTinyGoRadio(adapter)

	if err := radio.Ready(); err == nil {
		t.Fatal("Ready() should fail when Enable fails")
	}
	if err := radio.Ready(); err != nil {
		t.Fatalf("Ready() after recovery error = %v", err)
	}
	if err := radio.Ready(); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	if adapter.enables != 2 {
		t.Errorf("Enable calls = %d, want 2 (success is remembered)", adapter.enables)
	}
	if adapter.handlers != 1 {
		t.Errorf("SetConnectHandler calls = %d, want 1", adapter.handlers)
	}
}

func TestStartScanReturnsEarlyScanError(t *testing.T) {
	adapter := &fakeAdapter{scanErr: errors.New("bluetooth: adaptor is not powered")}
	radio := newTinyGoRadio(adapter)
	radio.grace = time.Second

	start := time.Now()
	err := radio.StartScan(func(Device) {})
	if !errors.Is(err, ErrRadioUnavailable) {
		t.Fatalf("StartScan() = %v, want ErrRadioUnavailable", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("StartScan() should return as soon as the scan fails")
	}
}

func TestStartScanRunningScanReturnsAfterGrace(t *testing.T) {
	adapter := &fakeAdapter{scanBlock: make(chan struct{})}
	defer close(adapter.scanBlock)
	radio := newTinyGoRadio(adapter)
	radio.grace = 20 * time.Millisecond

	if err := radio.StartScan(func(Device) {}); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
}

func TestManagerStaysIdleWhenScanCannotStart(t *testing.T) {
	adapter := &fakeAdapter{scanErr: errors.New("bluetooth: adaptor is not powered")}
	radio := newTinyGoRadio(adapter)
	radio.grace = time.Second

	m := NewManager(radio, testOptions())
	defer m.Close()

	if err := m.StartScan(); !errors.Is(err, ErrRadioUnavailable) {
		t.Fatalf("StartScan() = %v, want ErrRadioUnavailable", err)
	}
	if s := m.State(); s != StateIdle {
		t.Errorf("state = %s, want idle", s)
	}
	if ev := nextEvent(t, m, EventError); !errors.Is(ev.Err, ErrRadioUnavailable) {
		t.Errorf("error event = %v, want ErrRadioUnavailable", ev.Err)
	}

	// Powered on again: a new scan starts from Idle.
	adapter.scanErr = nil
	adapter.scanBlock = make(chan struct{})
	defer close(adapter.scanBlock)
	radio.grace = 10 * time.Millisecond
	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() after recovery error = %v", err)
	}
	if s := m.State(); s != StateScanning {
		t.Errorf("state = %s, want scanning", s)
	}
}

func TestConnectFailureReportsGenericStatus(t *testing.T) {
	radio := newTinyGoRadio(&fakeAdapter{})

	type report struct {
		status    int
		connected bool
	}
	reports := make(chan report, 1)
	if _, err := radio.Connect(TargetAddress, func(status int, connected bool) {
		reports <- report{status, connected}
	}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case r := <-reports:
		// No GATT status comes back from tinygo, so 133 is never reported.
		if r.status != StatusFailure || r.connected {
			t.Errorf("report = %+v, want status %d disconnected", r, StatusFailure)
		}
	case <-time.After(time.Second):
		t.Fatal("no connection state reported")
	}

	radio.mu.Lock()
	defer radio.mu.Unlock()
	if len(radio.links) != 0 {
		t.Errorf("links = %d, want 0 after a failed connect", len(radio.links))
	}
}
