package telemetry

// Direction is one of the eight compass sectors.
type Direction int

const (
	North Direction = iota
	Northeast
	East
	Southeast
	South
	Southwest
	West
	Northwest
)

var directionNames = [...]string{
	"North", "Northeast", "East", "Southeast",
	"South", "Southwest", "West", "Northwest",
}

func (d Direction) String() string {
	if d < North || d > Northwest {
		return "Unknown"
	}
	return directionNames[d]
}

// DirectionOf maps an angle to a 45° wide sector centered on the cardinal
// and intercardinal points. The angle is normalized first.
func DirectionOf(deg float64) Direction {
	a := Normalize(deg)
	switch {
	case a >= 337.5 || a < 22.5:
		return North
	case a < 67.5:
		return Northeast
	case a < 112.5:
		return East
	case a < 157.5:
		return Southeast
	case a < 202.5:
		return South
	case a < 247.5:
		return Southwest
	case a < 292.5:
		return West
	default:
		return Northwest
	}
}
