package mount

import "fmt"

// Axis names a guide axis of the mount.
type Axis int

const (
	AxisWE Axis = iota // right ascension
	AxisNS             // declination
)

func (a Axis) String() string {
	switch a {
	case AxisWE:
		return "WE"
	case AxisNS:
		return "NS"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// Property is the INDI timed-guide property driving this axis.
func (a Axis) Property() string {
	if a == AxisNS {
		return PropTimedGuideNS
	}
	return PropTimedGuideWE
}

// Direction is a pulse-guide direction. The order is the calibration order.
type Direction int

const (
	West Direction = iota
	East
	North
	South
)

// Directions lists every direction in calibration order.
var Directions = [...]Direction{West, East, North, South}

func (d Direction) String() string {
	switch d {
	case West:
		return "W"
	case East:
		return "E"
	case North:
		return "N"
	case South:
		return "S"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Axis returns the axis the direction moves.
func (d Direction) Axis() Axis {
	if d == North || d == South {
		return AxisNS
	}
	return AxisWE
}

// Element is the INDI element carrying the pulse duration for this direction.
func (d Direction) Element() string {
	return "TIMED_GUIDE_" + d.String()
}

// INDI property and element names read or written by the guider.
const (
	PropEquatorialCoord = "EQUATORIAL_EOD_COORD"
	ElemRA              = "RA"
	ElemDEC             = "DEC"
	PropPierSide        = "TELESCOPE_PIER_SIDE"
	ElemPierWest        = "PIER_WEST"
	PropTimedGuideNS    = "TELESCOPE_TIMED_GUIDE_NS"
	PropTimedGuideWE    = "TELESCOPE_TIMED_GUIDE_WE"
	PropFrameReset      = "CCD_FRAME_RESET"
)
