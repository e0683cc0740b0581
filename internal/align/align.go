// Package align is the visual servo that centers, levels and ranges the rover
// on a fiducial using open-loop maneuvers.
package align

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"OmniRover/internal/clock"
	"OmniRover/internal/drive"
	"OmniRover/internal/model"
	"OmniRover/internal/util"
	"OmniRover/internal/vision"
)

// Source yields the latest detection snapshot. *vision.Store implements it.
type Source interface {
	Snapshot() *vision.Snapshot
}

// Driver issues open-loop maneuvers. *drive.Chassis implements it.
type Driver interface {
	Perform(m drive.Maneuver, custom [4]float64, scalar float64) error
}

// Indicator is flashed while waiting for a valid detection.
type Indicator interface {
	Flash()
}

// Publisher receives phase transitions.
type Publisher interface {
	Publish(kind string, data any)
}

// Controller runs the alignment state machine. It is not reentrant.
type Controller struct {
	src Source
	drv Driver
	clk clock.Clock
	cfg model.AlignConfig
	log zerolog.Logger

	filter *vision.Filter
	ind    Indicator
	pub    Publisher
}

// NewController creates a controller.
func NewController(src Source, drv Driver, clk clock.Clock, cfg model.AlignConfig) *Controller {
	return &Controller{src: src, drv: drv, clk: clk, cfg: cfg, log: util.Component("align")}
}

// SetFilter makes the controller read smoothed values from f. f must be a
// fiducial filter fed elsewhere, normally by the link dispatcher.
func (c *Controller) SetFilter(f *vision.Filter) { c.filter = f }

// SetIndicator sets the status indicator.
func (c *Controller) SetIndicator(ind Indicator) { c.ind = ind }

// SetPublisher routes phase events to p.
func (c *Controller) SetPublisher(p Publisher) { c.pub = p }

type reading struct {
	tx, ta, dy float64
}

// read takes one consistent set of measurements from a single snapshot.
func (c *Controller) read() reading {
	snap := c.src.Snapshot()
	if c.filter != nil {
		if !c.filter.Initialized() && snap.Valid() {
			c.filter.Update(snap)
		}
		bl, br := c.filter.Corner(vision.BottomLeft), c.filter.Corner(vision.BottomRight)
		return reading{tx: c.filter.TX(), ta: c.filter.TA(), dy: br.Y - bl.Y}
	}
	bl := snap.Corner(vision.KindFiducial, vision.BottomLeft)
	br := snap.Corner(vision.KindFiducial, vision.BottomRight)
	return reading{tx: snap.TX(vision.KindFiducial), ta: snap.TA(vision.KindFiducial), dy: br.Y - bl.Y}
}

func (c *Controller) acceptable(desiredFID int) bool {
	snap := c.src.Snapshot()
	if !snap.Valid() {
		return false
	}
	return desiredFID < 0 || snap.FiducialID() == desiredFID
}

func (c *Controller) perform(m drive.Maneuver, speed float64) {
	if err := c.drv.Perform(m, [4]float64{}, math.Max(0, speed)); err != nil {
		c.log.Warn().Err(err).Stringer("maneuver", m).Msg("perform failed")
	}
}

func (c *Controller) stop() { c.perform(drive.Stop, 0) }

func (c *Controller) publish(phase string, tx, dy, ta float64, pass int) {
	if c.pub != nil {
		c.pub.Publish(model.EventAlign, model.AlignStatus{Phase: phase, Tx: tx, Dy: dy, Ta: ta, Pass: pass})
	}
}

// Align centers on the fiducial (tx), levels it (bottom-edge dy) and, unless
// targetTA is negative, ranges until its area is targetTA. desiredFID < 0
// accepts any fiducial. It returns nil once both axes hold after ranging;
// the wheels are stopped on every return.
func (c *Controller) Align(ctx context.Context, desiredFID int, targetTA float64) (err error) {
	cfg := c.cfg
	poll := time.Duration(cfg.PollMs) * time.Millisecond
	settle := time.Duration(cfg.SettleMs) * time.Millisecond
	eps := cfg.SampleEpsilon

	if c.filter != nil {
		c.filter.Reset()
	}
	defer func() {
		c.stop()
		if err != nil {
			c.publish("cancel", 0, 0, 0, 0)
		}
	}()

	var tx, dy, ta float64
	holdTX := func(r reading) {
		if math.Abs(r.tx) > eps {
			tx = r.tx
		}
	}
	holdDY := func(r reading) {
		if math.Abs(r.dy) > eps {
			dy = r.dy
		}
	}
	holdTA := func(r reading) {
		if r.ta > eps {
			ta = r.ta
		}
	}

	for pass := 1; ; pass++ {
		c.publish("await", tx, dy, ta, pass)
		for !c.acceptable(desiredFID) {
			if c.ind != nil {
				c.ind.Flash()
			}
			if err := c.clk.Sleep(ctx, poll); err != nil {
				return err
			}
		}

		for aligned := false; !aligned; {
			r := c.read()
			tx, dy = 0, 0
			holdTX(r)
			holdDY(r)

			c.publish("strafe", tx, dy, ta, pass)
			for math.Abs(tx) > cfg.TxThreshold {
				holdTA(c.read())
				speed := math.Max(0, cfg.StrafeSpeed*(1-ta))
				if tx < -cfg.TxThreshold {
					c.perform(drive.Left, speed)
				} else if tx > cfg.TxThreshold {
					c.perform(drive.Right, speed)
				}
				if err := c.clk.Sleep(ctx, poll); err != nil {
					return err
				}
				holdTX(c.read())
				c.log.Debug().Float64("tx", tx).Msg("strafe")
			}
			c.stop()

			holdDY(c.read())
			centered := math.Abs(tx) < cfg.TxEpsilon
			if dy < -cfg.DyThreshold && centered {
				c.perform(drive.RotateCCW, cfg.RotateSpeed)
			} else if dy > cfg.DyThreshold && centered {
				c.perform(drive.RotateCW, cfg.RotateSpeed)
			}
			c.publish("rotate", tx, dy, ta, pass)
			for math.Abs(dy) > cfg.DyThreshold && math.Abs(tx) < cfg.TxEpsilon {
				if err := c.clk.Sleep(ctx, poll); err != nil {
					return err
				}
				r := c.read()
				holdDY(r)
				holdTX(r)
				c.log.Debug().Float64("dy", dy).Float64("tx", tx).Msg("rotate")
			}
			c.stop()

			r = c.read()
			holdTX(r)
			holdDY(r)
			aligned = math.Abs(tx) <= cfg.TxThreshold && math.Abs(dy) <= cfg.DyThreshold

			if err := c.clk.Sleep(ctx, settle); err != nil {
				return err
			}
		}

		if targetTA >= 0 {
			ta = 0
			c.publish("range", tx, dy, ta, pass)
			for {
				holdTA(c.read())
				if ta < targetTA-cfg.TaEpsilon {
					c.perform(drive.Forward, cfg.RangeSpeed*(1-ta))
				} else if ta > targetTA+cfg.TaEpsilon {
					c.perform(drive.Backward, cfg.RangeSpeed*(1-ta))
				} else {
					break
				}
				if err := c.clk.Sleep(ctx, settle); err != nil {
					return err
				}
			}
			c.stop()
		}

		r := c.read()
		tx, dy = 0, 0
		holdTX(r)
		holdDY(r)
		if math.Abs(tx) <= cfg.TxThreshold && math.Abs(dy) <= cfg.DyThreshold {
			c.publish("done", tx, dy, ta, pass)
			c.log.Info().Int("passes", pass).Float64("tx", tx).Float64("dy", dy).Float64("ta", ta).Msg("aligned")
			return nil
		}
		c.log.Debug().Int("pass", pass).Float64("tx", tx).Float64("dy", dy).Msg("lost alignment after ranging, repeating")
	}
}

// ErrNoTarget is returned by WaitForTarget when ctx ends before a valid detection.
var ErrNoTarget = errors.New("no valid target")

// WaitForTarget blocks until a valid detection of desiredFID arrives.
func (c *Controller) WaitForTarget(ctx context.Context, desiredFID int) error {
	poll := time.Duration(c.cfg.PollMs) * time.Millisecond
	for !c.acceptable(desiredFID) {
		if err := c.clk.Sleep(ctx, poll); err != nil {
			return errors.Join(ErrNoTarget, err)
		}
	}
	return nil
}
