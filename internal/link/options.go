package link

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Clair88860/basic/internal/ble"
	"github.com/Clair88860/basic/internal/logging"
	"github.com/Clair88860/basic/internal/telemetry"
)

// Backoff selects how the retry delay grows.
type Backoff int

const (
	BackoffFixed Backoff = iota
	BackoffExponential
)

// ParseBackoff parses "fixed" or "exponential".
func ParseBackoff(s string) (Backoff, error) {
	switch s {
	case "fixed":
		return BackoffFixed, nil
	case "exponential":
		return BackoffExponential, nil
	}
	return 0, fmt.Errorf("link: unknown backoff %q (want fixed or exponential)", s)
}

func (b Backoff) String() string {
	if b == BackoffExponential {
		return "exponential"
	}
	return "fixed"
}

// RetryPolicy governs what happens after an unexpected disconnect while
// streaming.
type RetryPolicy struct {
	Enabled     bool
	MaxAttempts int
	Backoff     Backoff
	Delay       time.Duration // fixed delay, or the first exponential step
	MaxDelay    time.Duration // cap for exponential growth
}

// backoffDelay returns the delay before retry n (0-based).
func (p RetryPolicy) backoffDelay(attempt int) time.Duration {
	if p.Backoff == BackoffFixed || p.Delay <= 0 {
		return p.Delay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = p.Delay
	}
	// Cap the shift to avoid overflow on large attempts.
	if attempt > 30 {
		return max
	}
	delay := p.Delay << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// Options configures a Manager.
type Options struct {
	Filter         ble.Filter
	GATT           ble.GATTConfig
	Format         telemetry.WireFormat
	UnitsToDegrees float64
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	Retry          RetryPolicy
}

// DefaultOptions targets the Arduino_GCS peripheral with float32 payloads.
func DefaultOptions() Options {
	return Options{
		Filter: ble.Filter{
			Name:        ble.DefaultDeviceName,
			ServiceUUID: ble.DefaultServiceUUID,
		},
		GATT:           ble.DefaultGATTConfig(),
		Format:         telemetry.Float32LEDegrees,
		UnitsToDegrees: telemetry.DefaultUnitsToDegrees,
		ScanTimeout:    15 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Retry: RetryPolicy{
			Enabled:     true,
			MaxAttempts: 5,
			Backoff:     BackoffExponential,
			Delay:       time.Second,
			MaxDelay:    30 * time.Second,
		},
	}
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithClock replaces the wall clock (tests pass clock.NewMock()).
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger routes the manager's and its scan sessions' logs to l.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}
