package ble

import "errors"

// Stage failures. Returned errors wrap exactly one of these.
var (
	ErrAdapterUnavailable     = errors.New("ble: adapter unavailable")
	ErrScanTimeout            = errors.New("ble: scan timeout")
	ErrConnectionTimeout      = errors.New("ble: connection timeout")
	ErrTransport              = errors.New("ble: transport error")
	ErrServiceNotFound        = errors.New("ble: service not found")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	ErrDescriptorWriteFailed  = errors.New("ble: descriptor write failed")
	ErrUnexpectedDisconnect   = errors.New("ble: unexpected disconnect")
)
