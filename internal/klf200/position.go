package klf200

import "fmt"

// Position is a raw main-parameter value. Values up to [PositionMax]
// are relative positions where 0 is fully open and PositionMax fully
// closed; values above carry special meaning.
type Position uint16

const (
	PositionMax     Position = 0xC800
	PositionTarget  Position = 0xD100
	PositionCurrent Position = 0xD200
	PositionDefault Position = 0xD300
	PositionIgnore  Position = 0xD400
	PositionUnknown Position = 0xF7FF
)

// PositionFromPercent converts 0..100 into a raw position.
func PositionFromPercent(percent int) (Position, error) {
	if percent < 0 || percent > 100 {
		return 0, fmt.Errorf("%w: %d%% is outside 0..100", ErrInvalidPosition, percent)
	}
	return Position(percent * int(PositionMax) / 100), nil
}

// Valid reports whether p is a relative position.
func (p Position) Valid() bool {
	return p <= PositionMax
}

// Percent rounds p to a whole percentage. Only meaningful when Valid.
func (p Position) Percent() int {
	return int((uint32(p)*100 + uint32(PositionMax)/2) / uint32(PositionMax))
}

func (p Position) String() string {
	switch {
	case p.Valid():
		return fmt.Sprintf("%d%%", p.Percent())
	case p == PositionTarget:
		return "target"
	case p == PositionCurrent:
		return "current"
	case p == PositionDefault:
		return "default"
	case p == PositionIgnore:
		return "ignore"
	case p == PositionUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("0x%04X", uint16(p))
	}
}
