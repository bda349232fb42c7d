package ble_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Clair88860/basic/internal/ble"
	"github.com/Clair88860/basic/internal/ble/bletest"
)

func connect(t *testing.T, profile bletest.Profile) (*bletest.Adapter, *bletest.Connection) {
	t.Helper()
	adapter := bletest.NewAdapter(profile)
	gw := ble.NewGateway(adapter, nil)
	conn, err := gw.Connect(context.Background(), ble.Candidate{Address: "AA:BB:CC:DD:EE:FF"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return adapter, conn.(*bletest.Connection)
}

func TestGATTSessionStreams(t *testing.T) {
	cfg := ble.DefaultGATTConfig()
	_, conn := connect(t, bletest.StandardProfile(cfg))
	s := ble.NewGATTSession(conn, cfg)

	if err := s.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	var got [][]byte
	if err := s.EnableNotifications(func(b []byte) { got = append(got, b) }); err != nil {
		t.Fatalf("EnableNotifications() error = %v", err)
	}

	char := conn.Characteristic(cfg.CharacteristicUUID)
	char.Notify([]byte{1, 2, 3, 4})
	char.Notify([]byte{5})
	if len(got) != 2 {
		t.Fatalf("forwarded %d payloads, want 2", len(got))
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if char.Subscribed() {
		t.Error("notifications still enabled after Close")
	}
}

func TestGATTSessionServiceNotFound(t *testing.T) {
	cfg := ble.DefaultGATTConfig()
	_, conn := connect(t, func() []ble.Service {
		return []ble.Service{{UUID: "180a"}}
	})
	err := ble.NewGATTSession(conn, cfg).Discover(context.Background())
	if !errors.Is(err, ble.ErrServiceNotFound) {
		t.Errorf("Discover() error = %v, want ErrServiceNotFound", err)
	}
}

func TestGATTSessionCharacteristicNotFound(t *testing.T) {
	cfg := ble.DefaultGATTConfig()
	_, conn := connect(t, func() []ble.Service {
		return []ble.Service{{
			UUID:            cfg.ServiceUUID,
			Characteristics: []ble.Characteristic{bletest.NewCharacteristic("19b10002-e8f2-537e-4f6c-d104768a1214", ble.CCCDUUID)},
		}}
	})
	err := ble.NewGATTSession(conn, cfg).Discover(context.Background())
	if !errors.Is(err, ble.ErrCharacteristicNotFound) {
		t.Errorf("Discover() error = %v, want ErrCharacteristicNotFound", err)
	}
}

func TestGATTSessionDiscoveryTransportError(t *testing.T) {
	cfg := ble.DefaultGATTConfig()
	_, conn := connect(t, bletest.StandardProfile(cfg))
	conn.FailDiscovery(errors.New("att timeout"))
	err := ble.NewGATTSession(conn, cfg).Discover(context.Background())
	if !errors.Is(err, ble.ErrTransport) {
		t.Errorf("Discover() error = %v, want ErrTransport", err)
	}
}

func TestGATTSessionMissingDescriptor(t *testing.T) {
	cfg := ble.DefaultGATTConfig()
	_, conn := connect(t, func() []ble.Service {
		return []ble.Service{{
			UUID:            cfg.ServiceUUID,
			Characteristics: []ble.Characteristic{bletest.NewCharacteristic(cfg.CharacteristicUUID)},
		}}
	})
	s := ble.NewGATTSession(conn, cfg)
	if err := s.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	err := s.EnableNotifications(func([]byte) {})
	if !errors.Is(err, ble.ErrDescriptorWriteFailed) {
		t.Errorf("EnableNotifications() error = %v, want ErrDescriptorWriteFailed", err)
	}
}

func TestGATTSessionDescriptorWriteRejected(t *testing.T) {
	cfg := ble.DefaultGATTConfig()
	_, conn := connect(t, bletest.StandardProfile(cfg))
	conn.Characteristic(cfg.CharacteristicUUID).FailEnable(errors.New("write not permitted"))

	s := ble.NewGATTSession(conn, cfg)
	if err := s.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	err := s.EnableNotifications(func([]byte) {})
	if !errors.Is(err, ble.ErrDescriptorWriteFailed) {
		t.Errorf("EnableNotifications() error = %v, want ErrDescriptorWriteFailed", err)
	}
}

func TestGATTSessionEnableBeforeDiscover(t *testing.T) {
	cfg := ble.DefaultGATTConfig()
	_, conn := connect(t, bletest.StandardProfile(cfg))
	err := ble.NewGATTSession(conn, cfg).EnableNotifications(func([]byte) {})
	if !errors.Is(err, ble.ErrDescriptorWriteFailed) {
		t.Errorf("EnableNotifications() error = %v, want ErrDescriptorWriteFailed", err)
	}
}

func TestGATTSessionCloseOnce(t *testing.T) {
	cfg := ble.DefaultGATTConfig()
	adapter, conn := connect(t, bletest.StandardProfile(cfg))
	s := ble.NewGATTSession(conn, cfg)
	if err := s.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if err := s.EnableNotifications(func([]byte) {}); err != nil {
		t.Fatalf("EnableNotifications() error = %v", err)
	}

	_ = s.Close()
	_ = s.Close()

	if n := conn.Disconnects(); n != 1 {
		t.Errorf("Disconnect called %d times, want 1", n)
	}
	if n := conn.Characteristic(cfg.CharacteristicUUID).Disables(); n != 1 {
		t.Errorf("DisableNotifications called %d times, want 1", n)
	}
	events := adapter.Events()
	if len(events) < 2 || events[len(events)-2] != "unsubscribe" || events[len(events)-1] != "disconnect" {
		t.Errorf("release order = %v, want unsubscribe before disconnect", events)
	}
}

func TestGatewayConnectClassifiesErrors(t *testing.T) {
	adapter := bletest.NewAdapter(nil)
	gw := ble.NewGateway(adapter, nil)

	adapter.FailConnect(errors.New("le-connection-abort-by-local"))
	_, err := gw.Connect(context.Background(), ble.Candidate{Address: "AA"})
	if !errors.Is(err, ble.ErrTransport) {
		t.Errorf("Connect() error = %v, want ErrTransport", err)
	}

	adapter.FailConnect(nil)
	adapter.HoldConnect()
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, err = gw.Connect(ctx, ble.Candidate{Address: "AA"})
	if !errors.Is(err, ble.ErrConnectionTimeout) {
		t.Errorf("Connect() error = %v, want ErrConnectionTimeout", err)
	}
}
