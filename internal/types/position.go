package types

// Position is the discrete position of either the selector switch or the
// shift actuator. Only the first four values are valid shift targets.
type Position int

const (
	PositionFourHigh Position = iota
	PositionAllWheelDrive
	PositionNeutral
	PositionFourLow
	// Sensor reading sits between calibrated windows (mid-travel or drift)
	PositionInvalidInRange
	// Sensor reading outside the plausible range (short or open circuit)
	PositionInvalidOutOfRange
)

// NamedPositions lists the valid positions in classification priority order
var NamedPositions = [4]Position{
	PositionFourHigh,
	PositionAllWheelDrive,
	PositionNeutral,
	PositionFourLow,
}

// Valid reports whether p is one of the four named positions
func (p Position) Valid() bool {
	return p >= PositionFourHigh && p <= PositionFourLow
}

func (p Position) String() string {
	switch p {
	case PositionFourHigh:
		return "4hi"
	case PositionAllWheelDrive:
		return "awd"
	case PositionNeutral:
		return "neutral"
	case PositionFourLow:
		return "4lo"
	case PositionInvalidInRange:
		return "invalid"
	case PositionInvalidOutOfRange:
		return "out-of-range"
	default:
		return "unknown"
	}
}

// Label is the text shown to the driver
func (p Position) Label() string {
	switch p {
	case PositionFourHigh:
		return "4HIGH"
	case PositionAllWheelDrive:
		return "AWD"
	case PositionNeutral:
		return "NEUTRAL"
	case PositionFourLow:
		return "4LOW"
	case PositionInvalidInRange:
		return "--"
	default:
		return "ERR"
	}
}

// ParsePosition accepts the String() spelling of a named position
func ParsePosition(s string) (Position, bool) {
	for _, p := range NamedPositions {
		if p.String() == s {
			return p, true
		}
	}
	return PositionInvalidInRange, false
}
