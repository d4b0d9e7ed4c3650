package ble

import (
	"context"
	"fmt"
	"sync"
)

// ScanForDevices lists advertising peripherals until ctx is done. Each
// address is reported once, with the first name seen for it. It is meant for
// one-off surveys; a Manager must not be scanning on the same radio.
func ScanForDevices(ctx context.Context, radio Radio) ([]Device, error) {
	if err := radio.Ready(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	if err := radio.StartScan(func(d Device) {
		mu.Lock()
		defer mu.Unlock()
		if seen[d.Address] {
			return
		}
		seen[d.Address] = true
		devices = append(devices, d)
	}); err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	<-ctx.Done()
	if err := radio.StopScan(); err != nil {
		return nil, fmt.Errorf("ble: stop scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Device, len(devices))
	copy(out, devices)
	return out, nil
}
