// Package ble drives the central side of the compass link: it discovers the
// peripheral, connects to it, locates the heading characteristic and turns
// its notifications into raw payloads. Host Bluetooth stacks plug in behind
// the Adapter interface.
package ble

import (
	"context"
	"strings"
)

// Default GATT layout of the compass peripheral.
const (
	DefaultDeviceName         = "Arduino_GCS"
	DefaultServiceUUID        = "19b10000-e8f2-537e-4f6c-d104768a1214"
	DefaultCharacteristicUUID = "19b10001-e8f2-537e-4f6c-d104768a1214"
	// CCCDUUID is the standard Client Characteristic Configuration descriptor.
	CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

// baseUUIDSuffix completes 16- and 32-bit UUIDs against the Bluetooth base UUID.
const baseUUIDSuffix = "00001000800000805f9b34fb"

// Advertisement is one advertisement sighting reported by the adapter.
type Advertisement struct {
	Address  string
	Name     string
	RSSI     int
	Services []string // advertised service UUIDs, as reported by the host stack
}

// Characteristic is a discovered GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID.
	UUID() string
	// HasDescriptor reports whether a descriptor with the given UUID sits
	// under this characteristic.
	HasDescriptor(uuid string) bool
	// EnableNotifications writes the CCCD and routes notifications to cb.
	EnableNotifications(cb func(data []byte)) error
	// DisableNotifications clears the CCCD.
	DisableNotifications() error
}

// Service is one entry of a peripheral's service table.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Connection represents an active transport connection to a peripheral.
type Connection interface {
	// Address returns the peer address.
	Address() string
	// DiscoverServices walks the full service/characteristic table.
	DiscoverServices(ctx context.Context) ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts a host Bluetooth stack. Implementations deliver
// callbacks on their own goroutines.
type Adapter interface {
	// Enable powers on / opens the host adapter.
	Enable() error
	// Available reports whether the radio exists and is powered.
	Available() bool
	// Scan reports sightings to onSighting until StopScan is called. It must
	// not stop the radio on its own when ctx ends; the gateway calls StopScan
	// exactly once per scan. services lists the UUIDs the caller filters on;
	// stacks that cannot enumerate advertised services report membership
	// for these.
	Scan(ctx context.Context, services []string, onSighting func(Advertisement)) error
	// StopScan stops a running scan.
	StopScan() error
	// Connect establishes a connection to the peripheral at address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// NormalizeUUID returns the canonical comparison form of a UUID: lowercase
// hex without dashes, short forms expanded to 128 bits.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	switch len(u) {
	case 4:
		return "0000" + u + baseUUIDSuffix
	case 8:
		return u + baseUUIDSuffix
	}
	return u
}

// SameUUID compares two UUIDs in any supported spelling.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}
