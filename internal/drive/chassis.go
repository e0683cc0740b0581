package drive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"OmniRover/internal/clock"
	"OmniRover/internal/model"
	"OmniRover/internal/util"
)

// Actuator drives the wheel motors and the servo. Implementations clamp
// out-of-range input silently.
type Actuator interface {
	SetWheelSpeed(w WheelID, percent float64) error
	SetServoAngle(degrees float64) error
}

// Encoders reads the wheel quadrature counters, which saturate at the
// configured limit instead of wrapping.
type Encoders interface {
	ReadEncoder(w WheelID) (int, error)
	ReadLimitSwitch() (bool, error)
}

// Publisher receives drive telemetry. The telemetry hub implements it.
type Publisher interface {
	Publish(kind string, data any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Dead-reckoning calibration, measured at speed 25.
const (
	calibrationSpeed   = 25.0
	forwardFeetPerSec  = 0.66
	strafeFeetPerSec   = 0.5
	rotateDegPerSec    = 42.0
	deadReckoningPoll  = 20 * time.Millisecond
	maxOpenLoopPercent = 100.0
)

// Chassis is the rover's mecanum base.
type Chassis struct {
	act Actuator
	enc Encoders
	clk clock.Clock
	cfg model.DriveConfig
	pub Publisher
	log zerolog.Logger
}

// NewChassis builds a chassis over the given actuator and encoders.
func NewChassis(act Actuator, enc Encoders, clk clock.Clock, cfg model.DriveConfig) *Chassis {
	return &Chassis{
		act: act,
		enc: enc,
		clk: clk,
		cfg: cfg,
		pub: nopPublisher{},
		log: util.Component("drive"),
	}
}

// SetPublisher routes drive events to p.
func (c *Chassis) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	c.pub = p
}

// Perform applies an open-loop maneuver at scalar percent (clamped to
// [0,100]). Each wheel gets -sign*scalar*trim. CUSTOM uses custom[i]*scalar
// without trim; STOP zeroes every wheel.
func (c *Chassis) Perform(m Maneuver, custom [4]float64, scalar float64) error {
	scalar = math.Max(0, math.Min(maxOpenLoopPercent, scalar))

	var out [4]float64
	switch m {
	case Stop:
	case Custom:
		for i := range out {
			out[i] = custom[i] * scalar
		}
	default:
		signs, ok := Signs(m)
		if !ok {
			c.log.Error().Stringer("maneuver", m).Msg("rejecting open-loop maneuver")
			return fmt.Errorf("%w: %s", ErrUnsupportedManeuver, m)
		}
		for i := range out {
			out[i] = -signs[i] * scalar * c.cfg.Trim[i]
		}
	}
	return c.apply(out)
}

// Stop commands zero speed on every wheel.
func (c *Chassis) Stop() error {
	return c.apply([4]float64{})
}

func (c *Chassis) apply(out [4]float64) error {
	var errs []error
	for _, w := range Wheels {
		if err := c.act.SetWheelSpeed(w, Clamp(out[w])); err != nil {
			errs = append(errs, fmt.Errorf("wheel %s: %w", w, err))
		}
	}
	return errors.Join(errs...)
}

// MoveForDuration tracks an ever-advancing per-wheel tick setpoint at
// speedPct of the maximum encoder velocity for d, then stops. ctx is checked
// once per control tick; cancellation still stops the wheels.
func (c *Chassis) MoveForDuration(ctx context.Context, m Maneuver, speedPct float64, d time.Duration) error {
	signs, ok := Signs(m)
	if !ok {
		c.log.Error().Stringer("maneuver", m).Msg("rejecting closed-loop maneuver")
		c.pub.Publish(model.EventDrive, model.DriveStatus{Maneuver: m.String(), Speed: speedPct, Phase: "reject"})
		return fmt.Errorf("%w: %s", ErrUnsupportedManeuver, m)
	}

	velocity := speedPct / 100 * c.cfg.MaxVelocityTicks
	tick := time.Duration(c.cfg.TickMs) * time.Millisecond

	var pids [4]*PID
	var start [4]float64
	for _, w := range Wheels {
		pids[w] = NewPID(c.cfg.Gains[w])
		n, err := c.enc.ReadEncoder(w)
		if err != nil {
			c.log.Warn().Err(err).Stringer("wheel", w).Msg("start encoder read failed, assuming 0")
		}
		start[w] = float64(n)
	}
	c.pub.Publish(model.EventDrive, model.DriveStatus{
		Maneuver: m.String(), Speed: speedPct, Duration: d.Seconds(), Phase: "start", Ticks: toTicks(start),
	})
	c.log.Debug().Stringer("maneuver", m).Float64("speed", speedPct).Dur("duration", d).Msg("closed-loop move")

	began := c.clk.Now()
	var out [4]float64
	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		elapsed := c.clk.Now().Sub(began)
		if elapsed >= d {
			break
		}
		secs := elapsed.Seconds()
		for _, w := range Wheels {
			cur, err := c.enc.ReadEncoder(w)
			if err != nil {
				c.log.Warn().Err(err).Stringer("wheel", w).Msg("encoder read failed, holding command")
				continue
			}
			target := start[w] + signs[w]*velocity*secs
			out[w] = Clamp(-pids[w].Update(target - float64(cur)))
			if err := c.act.SetWheelSpeed(w, out[w]); err != nil {
				c.log.Warn().Err(err).Stringer("wheel", w).Msg("set wheel speed failed")
			}
		}
		c.log.Trace().Float64("t", secs).Floats64("out", out[:]).Msg("tick")
		if err := c.clk.Sleep(ctx, tick); err != nil {
			runErr = err
			break
		}
	}

	stopErr := c.Stop()
	var ticks [4]int
	for _, w := range Wheels {
		ticks[w], _ = c.enc.ReadEncoder(w)
	}
	phase := "stop"
	if runErr != nil {
		phase = "cancel"
	}
	c.pub.Publish(model.EventDrive, model.DriveStatus{
		Maneuver: m.String(), Speed: speedPct, Duration: d.Seconds(), Phase: phase, Ticks: ticks, Output: out,
	})
	return errors.Join(runErr, stopErr)
}

// MoveDistance drives open loop for the time the calibration says it takes
// to cover feet at speed. Only FORWARD, BACKWARD, LEFT and RIGHT are calibrated.
func (c *Chassis) MoveDistance(ctx context.Context, m Maneuver, speed, feet float64) error {
	var perSec float64
	switch m {
	case Forward, Backward:
		perSec = forwardFeetPerSec
	case Left, Right:
		perSec = strafeFeetPerSec
	default:
		return fmt.Errorf("%w: %s has no distance calibration", ErrUnsupportedManeuver, m)
	}
	return c.runOpenLoop(ctx, m, speed, feet, perSec)
}

// RotateAngle rotates open loop for the calibrated time to turn degrees.
func (c *Chassis) RotateAngle(ctx context.Context, m Maneuver, speed, degrees float64) error {
	if m != RotateCW && m != RotateCCW {
		return fmt.Errorf("%w: %s is not a rotation", ErrUnsupportedManeuver, m)
	}
	return c.runOpenLoop(ctx, m, speed, degrees, rotateDegPerSec)
}

func (c *Chassis) runOpenLoop(ctx context.Context, m Maneuver, speed, amount, perSec float64) error {
	if speed <= 0 {
		return fmt.Errorf("speed must be positive, got %v", speed)
	}
	secs := amount / ((speed / calibrationSpeed) * perSec)
	target := time.Duration(secs * float64(time.Second))
	c.pub.Publish(model.EventDrive, model.DriveStatus{Maneuver: m.String(), Speed: speed, Duration: secs, Phase: "start"})

	began := c.clk.Now()
	var runErr error
	for c.clk.Now().Sub(began) < target {
		if err := c.Perform(m, [4]float64{}, speed); err != nil {
			runErr = err
			break
		}
		if err := c.clk.Sleep(ctx, deadReckoningPoll); err != nil {
			runErr = err
			break
		}
	}
	stopErr := c.Stop()
	c.pub.Publish(model.EventDrive, model.DriveStatus{Maneuver: m.String(), Speed: speed, Duration: secs, Phase: "stop"})
	return errors.Join(runErr, stopErr)
}

func toTicks(v [4]float64) [4]int {
	var out [4]int
	for i, f := range v {
		out[i] = int(f)
	}
	return out
}
