package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Clair88860/basic/internal/logging"
)

// sightingBuffer is the number of advertisements a ScanHandle holds before
// new sightings are dropped.
const sightingBuffer = 64

// Gateway fronts the host Adapter. It owns no per-device state.
type Gateway struct {
	adapter Adapter
	logger  logging.Logger

	mu      sync.Mutex
	enabled bool
}

// NewGateway wraps adapter. A nil logger discards output.
func NewGateway(adapter Adapter, logger logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gateway{adapter: adapter, logger: logger}
}

// Available reports whether the radio exists and is powered.
func (g *Gateway) Available() bool {
	return g.adapter.Available()
}

// enable powers the adapter on the first successful call only.
func (g *Gateway) enable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled {
		return nil
	}
	if err := g.adapter.Enable(); err != nil {
		return err
	}
	g.enabled = true
	return nil
}

// BeginScan starts continuous discovery. The returned handle yields
// sightings until it is stopped.
func (g *Gateway) BeginScan(ctx context.Context, f Filter) (*ScanHandle, error) {
	if !g.Available() {
		return nil, ErrAdapterUnavailable
	}
	if err := g.enable(); err != nil {
		return nil, fmt.Errorf("%w: enable: %v", ErrAdapterUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &ScanHandle{
		adapter:   g.adapter,
		cancel:    cancel,
		sightings: make(chan Advertisement, sightingBuffer),
		done:      make(chan struct{}),
	}

	var services []string
	if f.ServiceUUID != "" {
		services = []string{f.ServiceUUID}
	}

	// Adapters leave the radio running until StopScan; a cancelled parent
	// goes through the handle so the radio is stopped once.
	go func() {
		select {
		case <-ctx.Done():
			h.Stop()
		case <-h.done:
		}
	}()

	go func() {
		defer close(h.done)
		defer close(h.sightings)
		if !h.markRunning(true) {
			return
		}
		err := g.adapter.Scan(ctx, services, func(a Advertisement) {
			select {
			case h.sightings <- a:
			case <-ctx.Done():
			default:
				g.logger.Debugf("sighting buffer full, dropping %s", a.Address)
			}
		})
		h.markRunning(false)
		if err != nil && ctx.Err() == nil {
			h.setErr(fmt.Errorf("%w: scan: %v", ErrAdapterUnavailable, err))
		}
	}()

	return h, nil
}

// StopScan stops the scan behind h. Stopping twice is a no-op.
func (g *Gateway) StopScan(h *ScanHandle) {
	if h != nil {
		h.Stop()
	}
}

// Connect opens a transport connection to the candidate.
func (g *Gateway) Connect(ctx context.Context, c Candidate) (Connection, error) {
	if err := g.enable(); err != nil {
		return nil, fmt.Errorf("%w: enable: %v", ErrAdapterUnavailable, err)
	}
	conn, err := g.adapter.Connect(ctx, c.Address)
	if err == nil {
		return conn, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionTimeout, c.Address, err)
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: connect to %s: %v", ErrTransport, c.Address, err)
}

// ScanHandle is one in-flight discovery operation.
type ScanHandle struct {
	adapter   Adapter
	cancel    context.CancelFunc
	sightings chan Advertisement
	done      chan struct{}

	stopOnce sync.Once

	mu      sync.Mutex
	err     error
	running bool // adapter.Scan has been entered and not returned
	stopped bool
}

// Sightings yields advertisements until the scan stops, then closes.
func (h *ScanHandle) Sightings() <-chan Advertisement {
	return h.sightings
}

// Err returns why the scan ended on its own, if it did.
func (h *ScanHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *ScanHandle) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

// markRunning records whether the adapter scan is in progress. Entering
// fails once the handle is stopped.
func (h *ScanHandle) markRunning(running bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if running && h.stopped {
		return false
	}
	h.running = running
	return true
}

// Stop ends the scan exactly once. It is the only caller of the
// adapter's StopScan for this handle, and skips it when the adapter scan
// never started or already returned.
func (h *ScanHandle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		running := h.running
		h.mu.Unlock()
		if running {
			_ = h.adapter.StopScan()
		}
		h.cancel()
	})
}

// Done is closed once the adapter's scan has returned.
func (h *ScanHandle) Done() <-chan struct{} {
	return h.done
}
