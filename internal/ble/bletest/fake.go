// Package bletest provides an in-memory ble.Adapter for tests.
package bletest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Clair88860/basic/internal/ble"
)

// Recorder keeps an ordered log of adapter-level side effects so tests can
// assert on ordering ("scan", "stopscan", "connect", "disconnect", ...).
type Recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *Recorder) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, ev)
}

// Events returns a copy of the log.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

// Count returns how often ev was recorded.
func (r *Recorder) Count(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.log {
		if e == ev {
			n++
		}
	}
	return n
}

// Characteristic records notification subscriptions.
type Characteristic struct {
	rec *Recorder

	mu          sync.Mutex
	uuid        string
	descriptors []string
	enableErr   error
	callback    func([]byte)
	enables     int
	disables    int
}

// NewCharacteristic returns a characteristic carrying the given descriptors.
func NewCharacteristic(uuid string, descriptors ...string) *Characteristic {
	return &Characteristic{uuid: uuid, descriptors: descriptors}
}

func (c *Characteristic) UUID() string { return c.uuid }

func (c *Characteristic) HasDescriptor(uuid string) bool {
	for _, d := range c.descriptors {
		if ble.SameUUID(d, uuid) {
			return true
		}
	}
	return false
}

// FailEnable makes the next EnableNotifications calls fail with err.
func (c *Characteristic) FailEnable(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableErr = err
}

func (c *Characteristic) EnableNotifications(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enableErr != nil {
		return c.enableErr
	}
	c.callback = cb
	c.enables++
	if c.rec != nil {
		c.rec.record("subscribe")
	}
	return nil
}

func (c *Characteristic) DisableNotifications() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	c.disables++
	if c.rec != nil {
		c.rec.record("unsubscribe")
	}
	return nil
}

// Subscribed reports whether a notification callback is registered.
func (c *Characteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// Disables returns how often notifications were disabled.
func (c *Characteristic) Disables() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disables
}

// Notify sends a notification to the subscriber, if any.
func (c *Characteristic) Notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Connection simulates a transport connection.
type Connection struct {
	rec     *Recorder
	address string

	mu           sync.Mutex
	services     []ble.Service
	discoverErr  error
	discoverGate chan struct{}
	disconnectCb func()
	disconnects  int
}

// NewConnection returns a connection exposing services.
func NewConnection(address string, services []ble.Service) *Connection {
	return &Connection{address: address, services: services}
}

func (c *Connection) Address() string { return c.address }

// FailDiscovery makes DiscoverServices fail with err.
func (c *Connection) FailDiscovery(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoverErr = err
}

// HoldDiscovery blocks DiscoverServices until the returned func is called.
func (c *Connection) HoldDiscovery() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.discoverGate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (c *Connection) DiscoverServices(ctx context.Context) ([]ble.Service, error) {
	c.mu.Lock()
	gate, err, services := c.discoverGate, c.discoverErr, c.services
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return services, nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	if c.rec != nil {
		c.rec.record("disconnect")
	}
	return nil
}

// Disconnects returns how often Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback, as the peer
// dropping the link would.
func (c *Connection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Characteristic returns the first characteristic with the given UUID.
func (c *Connection) Characteristic(uuid string) *Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.services {
		for _, ch := range s.Characteristics {
			if fc, ok := ch.(*Characteristic); ok && ble.SameUUID(fc.uuid, uuid) {
				return fc
			}
		}
	}
	return nil
}

// Profile builds a service table; it is called once per connection.
type Profile func() []ble.Service

// StandardProfile exposes the compass characteristic with its CCCD.
func StandardProfile(cfg ble.GATTConfig) Profile {
	return func() []ble.Service {
		return []ble.Service{
			{UUID: "0000180a-0000-1000-8000-00805f9b34fb"},
			{
				UUID: cfg.ServiceUUID,
				Characteristics: []ble.Characteristic{
					NewCharacteristic(cfg.CharacteristicUUID, ble.CCCDUUID),
				},
			},
		}
	}
}

// Adapter simulates the host adapter.
type Adapter struct {
	Recorder

	mu           sync.Mutex
	unavailable  bool
	sightings    []ble.Advertisement
	profile      Profile
	connectErr   error
	holdConnect  bool
	connectGate  chan struct{}
	radioScan    bool
	shortScan    bool
	pendingStop  bool
	discoverGate chan struct{}
	stop         chan struct{}
	connections  []*Connection
}

// NewAdapter returns an available adapter that reports sightings on every
// scan and hands out connections built from profile.
func NewAdapter(profile Profile, sightings ...ble.Advertisement) *Adapter {
	return &Adapter{profile: profile, sightings: sightings}
}

// SetAvailable toggles the radio.
func (a *Adapter) SetAvailable(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unavailable = !ok
}

// SetSightings replaces what the next scans report.
func (a *Adapter) SetSightings(s ...ble.Advertisement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sightings = s
}

// FailConnect makes Connect fail with err.
func (a *Adapter) FailConnect(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// HoldConnect makes Connect block until its context ends.
func (a *Adapter) HoldConnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.holdConnect = true
}

// GateConnect makes Connect wait, ignoring its context, until the returned
// func is called, then succeed.
func (a *Adapter) GateConnect() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.connectGate = gate
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// RadioScan makes Scan behave like a host radio: it keeps running after its
// context ends and returns only once StopScan is called.
func (a *Adapter) RadioScan() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.radioScan = true
}

// ShortScan makes Scan return on its own once it has reported its
// sightings, as a stack that ends discovery early would.
func (a *Adapter) ShortScan() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shortScan = true
}

// HoldDiscovery makes service discovery on connections handed out from
// now on block until the returned func is called.
func (a *Adapter) HoldDiscovery() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.discoverGate = gate
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (a *Adapter) Enable() error {
	if !a.Available() {
		return errors.New("bletest: radio off")
	}
	return nil
}

func (a *Adapter) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.unavailable
}

func (a *Adapter) Scan(ctx context.Context, _ []string, onSighting func(ble.Advertisement)) error {
	stop := make(chan struct{})
	a.mu.Lock()
	if a.pendingStop {
		// StopScan raced ahead of this scan
		a.pendingStop = false
		close(stop)
	} else {
		a.stop = stop
	}
	sightings := append([]ble.Advertisement(nil), a.sightings...)
	radio, short := a.radioScan, a.shortScan
	a.mu.Unlock()
	a.record("scan")

	for _, s := range sightings {
		onSighting(s)
	}
	if short {
		return nil
	}

	if radio {
		<-stop
		return nil
	}
	select {
	case <-ctx.Done():
	case <-stop:
	}
	return nil
}

func (a *Adapter) StopScan() error {
	a.record("stopscan")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	} else {
		a.pendingStop = true
	}
	return nil
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	a.mu.Lock()
	err, hold, profile, gate := a.connectErr, a.holdConnect, a.profile, a.discoverGate
	connectGate := a.connectGate
	a.mu.Unlock()
	a.record("connect")

	if connectGate != nil {
		<-connectGate
	}
	if hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	var services []ble.Service
	if profile != nil {
		services = profile()
	}
	conn := NewConnection(address, services)
	conn.rec = &a.Recorder
	conn.discoverGate = gate
	for _, s := range services {
		for _, ch := range s.Characteristics {
			if fc, ok := ch.(*Characteristic); ok {
				fc.rec = &a.Recorder
			}
		}
	}

	a.mu.Lock()
	a.connections = append(a.connections, conn)
	a.mu.Unlock()
	return conn, nil
}

// Connections returns every connection handed out so far.
func (a *Adapter) Connections() []*Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Connection(nil), a.connections...)
}

// LatestConnection returns the most recent connection, or nil.
func (a *Adapter) LatestConnection() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connections) == 0 {
		return nil
	}
	return a.connections[len(a.connections)-1]
}

var (
	_ ble.Adapter        = (*Adapter)(nil)
	_ ble.Connection     = (*Connection)(nil)
	_ ble.Characteristic = (*Characteristic)(nil)
)

// Sighting is shorthand for an advertisement from a named device.
func Sighting(name string, n int) ble.Advertisement {
	return ble.Advertisement{
		Address: fmt.Sprintf("AA:BB:CC:DD:EE:%02X", n),
		Name:    name,
		RSSI:    -40 - n,
	}
}
