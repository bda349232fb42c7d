package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// GATTConfig names the characteristic the session subscribes to.
type GATTConfig struct {
	ServiceUUID        string
	CharacteristicUUID string
	CCCDUUID           string
}

// DefaultGATTConfig returns the compass peripheral's layout.
func DefaultGATTConfig() GATTConfig {
	return GATTConfig{
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
		CCCDUUID:           CCCDUUID,
	}
}

// GATTSession walks one connection through discovery and notification
// enable. Stages must be called in order and are never retried here.
type GATTSession struct {
	conn Connection
	cfg  GATTConfig

	mu         sync.Mutex
	char       Characteristic
	subscribed bool
	closed     bool

	closeOnce sync.Once
	closeErr  error
}

// NewGATTSession takes ownership of conn; Close releases it.
func NewGATTSession(conn Connection, cfg GATTConfig) *GATTSession {
	if cfg.CCCDUUID == "" {
		cfg.CCCDUUID = CCCDUUID
	}
	return &GATTSession{conn: conn, cfg: cfg}
}

// Discover locates the configured characteristic in the peripheral's table.
func (s *GATTSession) Discover(ctx context.Context) error {
	services, err := s.conn.DiscoverServices(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: discover services: %v", ErrTransport, err)
	}

	var svc *Service
	for i := range services {
		if SameUUID(services[i].UUID, s.cfg.ServiceUUID) {
			svc = &services[i]
			break
		}
	}
	if svc == nil {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, s.cfg.ServiceUUID)
	}

	for _, c := range svc.Characteristics {
		if SameUUID(c.UUID(), s.cfg.CharacteristicUUID) {
			s.mu.Lock()
			s.char = c
			s.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: %s in service %s", ErrCharacteristicNotFound, s.cfg.CharacteristicUUID, s.cfg.ServiceUUID)
}

// EnableNotifications writes the CCCD of the discovered characteristic and
// forwards every notification payload to onPayload.
func (s *GATTSession) EnableNotifications(onPayload func(data []byte)) error {
	s.mu.Lock()
	char := s.char
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return fmt.Errorf("%w: session closed", ErrDescriptorWriteFailed)
	}
	if char == nil {
		return fmt.Errorf("%w: characteristic not discovered", ErrDescriptorWriteFailed)
	}
	if !char.HasDescriptor(s.cfg.CCCDUUID) {
		return fmt.Errorf("%w: descriptor %s missing", ErrDescriptorWriteFailed, s.cfg.CCCDUUID)
	}
	if err := char.EnableNotifications(onPayload); err != nil {
		return fmt.Errorf("%w: %v", ErrDescriptorWriteFailed, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = char.DisableNotifications()
		return fmt.Errorf("%w: session closed", ErrDescriptorWriteFailed)
	}
	s.subscribed = true
	s.mu.Unlock()
	return nil
}

// Close disables notifications and disconnects the transport, once.
func (s *GATTSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		char, subscribed := s.char, s.subscribed
		s.subscribed = false
		s.mu.Unlock()

		if subscribed {
			s.closeErr = multierr.Append(s.closeErr, char.DisableNotifications())
		}
		s.closeErr = multierr.Append(s.closeErr, s.conn.Disconnect())
	})
	return s.closeErr
}
