// Package drive maps planar maneuvers onto the four mecanum wheels, both open
// loop (Perform) and closed loop over the wheel encoders (MoveForDuration).
package drive

import (
	"errors"
	"fmt"
	"strings"
)

// WheelID indexes every per-wheel array in the rover. The order is fixed and
// shared with the motor board protocol.
type WheelID int

const (
	FrontRight WheelID = iota
	FrontLeft
	BackRight
	BackLeft
)

// Wheels lists every wheel in index order.
var Wheels = [4]WheelID{FrontRight, FrontLeft, BackRight, BackLeft}

func (w WheelID) String() string {
	switch w {
	case FrontRight:
		return "FR"
	case FrontLeft:
		return "FL"
	case BackRight:
		return "BR"
	case BackLeft:
		return "BL"
	default:
		return fmt.Sprintf("wheel(%d)", int(w))
	}
}

// Valid reports whether w is one of the four wheels.
func (w WheelID) Valid() bool { return w >= FrontRight && w <= BackLeft }

// Maneuver is a planar motion request.
type Maneuver int

const (
	Stop Maneuver = iota
	Forward
	Backward
	Left
	Right
	ForwardLeft
	ForwardRight
	BackwardLeft
	BackwardRight
	RotateCW
	RotateCCW
	Custom
)

// ErrUnsupportedManeuver is returned when a maneuver has no sign vector for
// the requested primitive.
var ErrUnsupportedManeuver = errors.New("unsupported maneuver")

var maneuverNames = map[Maneuver]string{
	Stop:          "STOP",
	Forward:       "FORWARD",
	Backward:      "BACKWARD",
	Left:          "LEFT",
	Right:         "RIGHT",
	ForwardLeft:   "FORWARD_LEFT",
	ForwardRight:  "FORWARD_RIGHT",
	BackwardLeft:  "BACKWARD_LEFT",
	BackwardRight: "BACKWARD_RIGHT",
	RotateCW:      "ROTATE_CW",
	RotateCCW:     "ROTATE_CCW",
	Custom:        "CUSTOM",
}

func (m Maneuver) String() string {
	if s, ok := maneuverNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MANEUVER(%d)", int(m))
}

// ParseManeuver accepts names like "forward", "ROTATE_CW" or "rotate-ccw".
func ParseManeuver(s string) (Maneuver, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for m, n := range maneuverNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedManeuver, s)
}

// signTable holds the per-wheel direction of each maneuver in FR, FL, BR, BL
// order. Encoder ticks grow in the sign direction; the actuator command has
// the opposite polarity.
var signTable = map[Maneuver][4]float64{
	Forward:       {+1, -1, +1, -1},
	Backward:      {-1, +1, -1, +1},
	Left:          {+1, +1, -1, -1},
	Right:         {-1, -1, +1, +1},
	ForwardLeft:   {0, -1, +1, 0},
	ForwardRight:  {+1, 0, 0, -1},
	BackwardLeft:  {-1, 0, 0, +1},
	BackwardRight: {0, +1, -1, 0},
	RotateCW:      {-1, -1, -1, -1},
	RotateCCW:     {+1, +1, +1, +1},
}

// Signs returns the sign vector of m. STOP, CUSTOM and unknown values have none.
func Signs(m Maneuver) ([4]float64, bool) {
	s, ok := signTable[m]
	return s, ok
}
