//go:build !linux

package ble

import "fmt"

// NewHCIAdapter is only available on Linux.
func NewHCIAdapter(adapter string) (Adapter, error) {
	return nil, fmt.Errorf("%w: raw HCI transport requires linux", ErrAdapterUnavailable)
}
