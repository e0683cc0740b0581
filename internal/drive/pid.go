package drive

import (
	"math"

	"OmniRover/internal/model"
)

// PID is one wheel's position controller. A fresh value is used for every
// closed-loop move so no integral carries between maneuvers.
type PID struct {
	Kp, Ki, Kd float64

	integral float64
	lastErr  float64
}

// NewPID returns a zeroed controller with the given gains.
func NewPID(g model.PIDGains) *PID {
	return &PID{Kp: g.Kp, Ki: g.Ki, Kd: g.Kd}
}

// Update advances the controller by one tick and returns its output,
// truncated to whole percent like the motor board expects.
func (p *PID) Update(err float64) float64 {
	p.integral += err
	derivative := err - p.lastErr
	p.lastErr = err
	return math.Trunc(p.Kp*err + p.Ki*p.integral + p.Kd*derivative)
}

// Clamp limits a wheel command to [-100, 100].
func Clamp(pct float64) float64 {
	if math.IsNaN(pct) {
		return 0
	}
	return math.Max(-100, math.Min(100, pct))
}
