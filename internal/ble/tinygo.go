package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS, WinRT on Windows). On macOS device addresses are CoreBluetooth
// UUIDs, not MAC addresses; they are carried as opaque strings.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	probe   PowerProbe

	// mu protects enabled and the connections map.
	mu          sync.Mutex
	enabled     bool
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates an adapter on the default host radio. probe may
// be nil; without it availability is decided by enabling the adapter.
func NewTinyGoAdapter(probe PowerProbe) *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		probe:       probe,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}
	a.enabled = true

	// The adapter-level handler fires with connected=false when a
	// peripheral drops; route it to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		if ok {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Available() bool {
	if a.probe != nil {
		powered, err := a.probe.Powered()
		if err != nil || !powered {
			return false
		}
	}
	return a.Enable() == nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, services []string, onSighting func(Advertisement)) error {
	uuids := make([]bluetooth.UUID, 0, len(services))
	for _, s := range services {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		uuids = append(uuids, u)
	}

	// The scan runs until StopScan. Stopping on ctx here as well would
	// send a second stop to the radio.
	if err := ctx.Err(); err != nil {
		return nil
	}

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		}
		for i, u := range uuids {
			if result.HasServiceUUID(u) {
				adv.Services = append(adv.Services, services[i])
			}
		}
		onSighting(adv)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo's Connect blocks with its own timeout; ctx only bounds how
	// long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// A late success must not leak the link.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{adapter: a, address: address, device: result.device}

		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

func (a *TinyGoAdapter) forget(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.connections, address)
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	adapter *TinyGoAdapter
	address string
	device  bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) Address() string { return c.address }

func (c *tinyGoConnection) DiscoverServices(ctx context.Context) ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	table := make([]Service, 0, len(svcs))
	for i := range svcs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcs[i].UUID(), err)
		}
		svc := Service{UUID: svcs[i].UUID().String()}
		for j := range chars {
			svc.Characteristics = append(svc.Characteristics, &tinyGoCharacteristic{char: chars[j]})
		}
		table = append(table, svc)
	}
	return table, nil
}

func (c *tinyGoConnection) Disconnect() error {
	c.adapter.forget(c.address)
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string { return c.char.UUID().String() }

// HasDescriptor only knows the CCCD: BlueZ, CoreBluetooth and WinRT own it
// and write it from EnableNotifications, which fails when it is absent.
func (c *tinyGoCharacteristic) HasDescriptor(uuid string) bool {
	return SameUUID(uuid, CCCDUUID)
}

func (c *tinyGoCharacteristic) EnableNotifications(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *tinyGoCharacteristic) DisableNotifications() error {
	return c.char.EnableNotifications(nil)
}
