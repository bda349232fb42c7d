// Package telemetry decodes orientation notifications received from the
// compass peripheral into normalized heading readings.
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// WireFormat selects how a notification payload is interpreted. It is fixed
// per deployment; payloads are never sniffed.
type WireFormat int

const (
	// Float32LEDegrees is a 4-byte little-endian IEEE-754 float in degrees.
	Float32LEDegrees WireFormat = iota
	// Int16LERawUnits is a 2-byte little-endian signed integer in raw units.
	Int16LERawUnits
)

// DefaultUnitsToDegrees scales Int16LERawUnits payloads (tenths of a degree).
const DefaultUnitsToDegrees = 0.1

// maxMagnitude bounds raw values before normalization.
const maxMagnitude = 1e6

var (
	// ErrMalformedBuffer is returned when the payload length does not match the format.
	ErrMalformedBuffer = errors.New("telemetry: malformed buffer")
	// ErrOutOfRange is returned for non-finite or implausibly large values.
	ErrOutOfRange = errors.New("telemetry: value out of range")
)

// ParseWireFormat parses the config spelling of a wire format.
func ParseWireFormat(s string) (WireFormat, error) {
	switch strings.ToLower(s) {
	case "float32le", "float32":
		return Float32LEDegrees, nil
	case "int16le", "int16":
		return Int16LERawUnits, nil
	}
	return 0, fmt.Errorf("telemetry: unknown wire format %q (want float32le or int16le)", s)
}

func (f WireFormat) String() string {
	switch f {
	case Float32LEDegrees:
		return "float32le"
	case Int16LERawUnits:
		return "int16le"
	}
	return fmt.Sprintf("WireFormat(%d)", int(f))
}

// Size returns the exact payload length the format requires.
func (f WireFormat) Size() int {
	switch f {
	case Float32LEDegrees:
		return 4
	case Int16LERawUnits:
		return 2
	}
	return 0
}

// Reading is one decoded heading sample.
type Reading struct {
	AngleDegrees float64 // always in [0,360)
	CapturedAt   time.Time
}

// Direction returns the compass sector of the reading.
func (r Reading) Direction() Direction {
	return DirectionOf(r.AngleDegrees)
}

// String renders the angle to one decimal with its direction label.
func (r Reading) String() string {
	return fmt.Sprintf("%.1f° (%s)", r.AngleDegrees, r.Direction())
}

// Decoder decodes payloads of one configured format.
type Decoder struct {
	Format         WireFormat
	UnitsToDegrees float64
}

// Decode converts buf into a Reading stamped with at.
func (d Decoder) Decode(buf []byte, at time.Time) (Reading, error) {
	return Decode(buf, d.Format, d.UnitsToDegrees, at)
}

// Decode converts buf into a Reading according to format. unitsToDegrees is
// only consulted for Int16LERawUnits.
func Decode(buf []byte, format WireFormat, unitsToDegrees float64, at time.Time) (Reading, error) {
	want := format.Size()
	if want == 0 {
		return Reading{}, fmt.Errorf("telemetry: unsupported wire format %s", format)
	}
	if len(buf) != want {
		return Reading{}, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrMalformedBuffer, format, want, len(buf))
	}

	var value float64
	switch format {
	case Float32LEDegrees:
		value = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	case Int16LERawUnits:
		value = float64(int16(binary.LittleEndian.Uint16(buf))) * unitsToDegrees
	}

	if math.IsNaN(value) || math.IsInf(value, 0) || math.Abs(value) > maxMagnitude {
		return Reading{}, fmt.Errorf("%w: %v", ErrOutOfRange, value)
	}

	return Reading{
		AngleDegrees: Normalize(value),
		CapturedAt:   at,
	}, nil
}

// Normalize folds an angle in degrees into [0,360).
func Normalize(deg float64) float64 {
	n := math.Mod(deg, 360)
	if n < 0 {
		n += 360
	}
	// -tiny + 360 rounds to 360
	if n >= 360 {
		n = 0
	}
	return n
}
