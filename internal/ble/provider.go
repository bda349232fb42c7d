package ble

import (
	"context"
	"fmt"
)

// Transport provider names accepted by NewAdapter.
const (
	TransportTinyGo = "tinygo"
	TransportHCI    = "hci"
	TransportNone   = "none"
)

// NewAdapter selects the host transport once at startup. adapter names the
// controller ("hci0") where the host stack cares.
func NewAdapter(transport, adapter string) (Adapter, error) {
	switch transport {
	case TransportTinyGo, "":
		return NewTinyGoAdapter(SystemPowerProbe(adapter)), nil
	case TransportHCI:
		a, err := NewHCIAdapter(adapter)
		if err != nil {
			return nil, err
		}
		return a, nil
	case TransportNone:
		return NoopAdapter{}, nil
	}
	return nil, fmt.Errorf("ble: unknown transport %q", transport)
}

// NoopAdapter stands in on hosts without a usable radio. It is never
// available and every operation fails with ErrAdapterUnavailable.
type NoopAdapter struct{}

func (NoopAdapter) Enable() error   { return ErrAdapterUnavailable }
func (NoopAdapter) Available() bool { return false }
func (NoopAdapter) StopScan() error { return nil }

func (NoopAdapter) Scan(context.Context, []string, func(Advertisement)) error {
	return ErrAdapterUnavailable
}

func (NoopAdapter) Connect(context.Context, string) (Connection, error) {
	return nil, ErrAdapterUnavailable
}

var _ Adapter = NoopAdapter{}
