//go:build !linux

package ble

// SystemPowerProbe returns nil off Linux: CoreBluetooth and WinRT report
// power state through Enable.
func SystemPowerProbe(string) PowerProbe {
	return nil
}
