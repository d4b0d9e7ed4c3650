package ble

import (
	"errors"
	"fmt"
)

var (
	ErrRadioUnavailable       = errors.New("ble: radio unavailable")
	ErrBusy                   = errors.New("ble: session busy")
	ErrDeviceNotFound         = errors.New("ble: device not found")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	ErrNotifyUnsupported      = errors.New("ble: characteristic supports neither notify nor indicate")
	ErrDescriptorNotFound     = errors.New("ble: notification descriptor not found")
	ErrRefreshUnsupported     = errors.New("ble: gatt cache refresh unsupported")
	ErrClosed                 = errors.New("ble: manager closed")
)

// ConnectError is a failed connection attempt with the radio's status code.
type ConnectError struct {
	Status int
}

func (e *ConnectError) Error() string {
	if e.Transient() {
		return fmt.Sprintf("ble: connect failed with status %d (transient GATT error, try again)", e.Status)
	}
	return fmt.Sprintf("ble: connect failed with status %d", e.Status)
}

// Transient reports whether the status is the known transient radio fault.
func (e *ConnectError) Transient() bool {
	return e.Status == StatusGattError
}
