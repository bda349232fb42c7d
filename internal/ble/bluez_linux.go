//go:build linux

package ble

import (
	"fmt"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService  = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	bluezRootPath = "/org/bluez/"
)

// BlueZProbe asks BlueZ over the system bus whether an adapter is powered.
type BlueZProbe struct {
	path dbus.ObjectPath
}

// NewBlueZProbe probes the named adapter ("hci0" when empty).
func NewBlueZProbe(adapter string) *BlueZProbe {
	if adapter == "" {
		adapter = "hci0"
	}
	return &BlueZProbe{path: dbus.ObjectPath(bluezRootPath + adapter)}
}

// Powered reads org.bluez.Adapter1.Powered. A missing adapter is reported
// as an error.
func (p *BlueZProbe) Powered() (bool, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return false, fmt.Errorf("ble: connect system bus: %w", err)
	}
	defer conn.Close()

	v, err := conn.Object(bluezService, p.path).GetProperty(adapterIface + ".Powered")
	if err != nil {
		return false, fmt.Errorf("ble: read %s Powered: %w", p.path, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: %s Powered has type %T", p.path, v.Value())
	}
	return powered, nil
}

// SystemPowerProbe returns the host's power probe: BlueZ on Linux.
func SystemPowerProbe(adapter string) PowerProbe {
	return NewBlueZProbe(adapter)
}
