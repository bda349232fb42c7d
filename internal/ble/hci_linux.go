//go:build linux

package ble

import (
	"context"
	"strconv"
	"strings"
	"sync"

	gble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/pkg/errors"
)

// HCIAdapter talks to the controller over a raw HCI socket with go-ble,
// bypassing BlueZ. It needs CAP_NET_ADMIN and a controller BlueZ is not
// holding.
type HCIAdapter struct {
	deviceID int

	mu         sync.Mutex
	dev        *linux.Device
	scanCancel context.CancelFunc
}

// NewHCIAdapter targets the controller named like "hci0".
func NewHCIAdapter(adapter string) (*HCIAdapter, error) {
	id := 0
	if adapter != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(adapter, "hci"))
		if err != nil {
			return nil, errors.Wrapf(err, "ble: bad HCI adapter name %q", adapter)
		}
		id = n
	}
	return &HCIAdapter{deviceID: id}, nil
}

func (a *HCIAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return nil
	}
	dev, err := linux.NewDevice(gble.OptDeviceID(a.deviceID))
	if err != nil {
		return errors.Wrap(err, "ble: open HCI device")
	}
	a.dev = dev
	return nil
}

func (a *HCIAdapter) Available() bool {
	return a.Enable() == nil
}

func (a *HCIAdapter) device() (*linux.Device, error) {
	if err := a.Enable(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dev, nil
}

func (a *HCIAdapter) Scan(ctx context.Context, _ []string, onSighting func(Advertisement)) error {
	dev, err := a.device()
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return nil
	}
	// go-ble stops the controller when its context ends; only StopScan
	// cancels it.
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.scanCancel = cancel
	a.mu.Unlock()
	defer cancel()

	err = dev.Scan(ctx, false, func(adv gble.Advertisement) {
		sighting := Advertisement{
			Address: adv.Addr().String(),
			Name:    adv.LocalName(),
			RSSI:    adv.RSSI(),
		}
		for _, u := range adv.Services() {
			sighting.Services = append(sighting.Services, u.String())
		}
		onSighting(sighting)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, "ble: hci scan")
	}
	return nil
}

func (a *HCIAdapter) StopScan() error {
	a.mu.Lock()
	cancel := a.scanCancel
	a.scanCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *HCIAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	dev, err := a.device()
	if err != nil {
		return nil, err
	}
	cln, err := dev.Dial(ctx, gble.NewAddr(address))
	if err != nil {
		return nil, errors.Wrapf(err, "ble: dial %s", address)
	}
	return &hciConnection{client: cln, address: address}, nil
}

var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	client  gble.Client
	address string

	watchOnce sync.Once
}

func (c *hciConnection) Address() string { return c.address }

func (c *hciConnection) DiscoverServices(ctx context.Context) ([]Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// force a fresh walk so descriptors (and the CCCD) are populated
	p, err := c.client.DiscoverProfile(true)
	if err != nil {
		return nil, errors.Wrap(err, "ble: discover profile")
	}

	table := make([]Service, 0, len(p.Services))
	for _, s := range p.Services {
		svc := Service{UUID: s.UUID.String()}
		for _, ch := range s.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &hciCharacteristic{client: c.client, char: ch})
		}
		table = append(table, svc)
	}
	return table, nil
}

func (c *hciConnection) Disconnect() error {
	return errors.Wrap(c.client.CancelConnection(), "ble: cancel connection")
}

func (c *hciConnection) OnDisconnect(cb func()) {
	c.watchOnce.Do(func() {
		go func() {
			<-c.client.Disconnected()
			cb()
		}()
	})
}

type hciCharacteristic struct {
	client gble.Client
	char   *gble.Characteristic
}

func (c *hciCharacteristic) UUID() string { return c.char.UUID.String() }

func (c *hciCharacteristic) HasDescriptor(uuid string) bool {
	if SameUUID(uuid, CCCDUUID) && c.char.CCCD != nil {
		return true
	}
	for _, d := range c.char.Descriptors {
		if SameUUID(d.UUID.String(), uuid) {
			return true
		}
	}
	return false
}

func (c *hciCharacteristic) EnableNotifications(cb func([]byte)) error {
	err := c.client.Subscribe(c.char, false, func(req []byte) {
		cb(req)
	})
	return errors.Wrap(err, "ble: subscribe")
}

func (c *hciCharacteristic) DisableNotifications() error {
	return errors.Wrap(c.client.Unsubscribe(c.char, false), "ble: unsubscribe")
}
