// Package mission runs a scripted list of drive, alignment and pipeline
// steps, the configurable replacement for hardcoded competition routines.
package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"OmniRover/internal/clock"
	"OmniRover/internal/drive"
	"OmniRover/internal/model"
	"OmniRover/internal/util"
)

// Step actions.
const (
	ActionMove     = "move"
	ActionPerform  = "perform"
	ActionAlign    = "align"
	ActionAwait    = "await"
	ActionPause    = "pause"
	ActionPipeline = "pipeline"
	ActionDistance = "distance"
	ActionRotate   = "rotate"
)

// Mover is the drive surface a mission needs. *drive.Chassis implements it.
type Mover interface {
	Perform(m drive.Maneuver, custom [4]float64, scalar float64) error
	Stop() error
	MoveForDuration(ctx context.Context, m drive.Maneuver, speedPct float64, d time.Duration) error
	MoveDistance(ctx context.Context, m drive.Maneuver, speed, feet float64) error
	RotateAngle(ctx context.Context, m drive.Maneuver, speed, degrees float64) error
}

// Aligner runs the visual servo. *align.Controller implements it.
type Aligner interface {
	Align(ctx context.Context, desiredFID int, targetTA float64) error
	WaitForTarget(ctx context.Context, desiredFID int) error
}

// PipelineSwitcher selects the co-processor pipeline.
type PipelineSwitcher interface {
	SwitchPipeline(ctx context.Context, n int) error
}

// Publisher receives step events.
type Publisher interface {
	Publish(kind string, data any)
}

// ErrInvalidStep wraps every validation failure.
var ErrInvalidStep = errors.New("invalid mission step")

// Runner executes steps sequentially.
type Runner struct {
	mover   Mover
	aligner Aligner
	pipes   PipelineSwitcher
	clk     clock.Clock
	pub     Publisher
	log     zerolog.Logger
}

// NewRunner creates a runner. pub may be nil.
func NewRunner(mover Mover, aligner Aligner, pipes PipelineSwitcher, clk clock.Clock, pub Publisher) *Runner {
	return &Runner{mover: mover, aligner: aligner, pipes: pipes, clk: clk, pub: pub, log: util.Component("mission")}
}

// Validate checks every step before anything moves.
func Validate(steps []model.MissionStep) error {
	var errs []error
	for i, s := range steps {
		if err := validateStep(s); err != nil {
			errs = append(errs, fmt.Errorf("%w %d (%s): %w", ErrInvalidStep, i, s.Action, err))
		}
	}
	return errors.Join(errs...)
}

func validateStep(s model.MissionStep) error {
	needManeuver := func() error {
		if s.Maneuver == "" {
			return errors.New("maneuver required")
		}
		_, err := drive.ParseManeuver(s.Maneuver)
		return err
	}
	switch s.Action {
	case ActionMove:
		if s.Seconds < 0 {
			return errors.New("seconds must not be negative")
		}
		return needManeuver()
	case ActionPerform:
		return needManeuver()
	case ActionDistance:
		if s.Speed <= 0 || s.Feet <= 0 {
			return errors.New("speed and feet must be positive")
		}
		return needManeuver()
	case ActionRotate:
		if s.Speed <= 0 || s.Degrees <= 0 {
			return errors.New("speed and degrees must be positive")
		}
		return needManeuver()
	case ActionPause:
		if s.Seconds < 0 {
			return errors.New("seconds must not be negative")
		}
	case ActionPipeline:
		if s.Pipeline < 0 {
			return errors.New("pipeline must not be negative")
		}
	case ActionAlign, ActionAwait:
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

func (r *Runner) publish(i int, action, phase string, err error) {
	if r.pub == nil {
		return
	}
	st := model.MissionStatus{Step: i, Action: action, Phase: phase}
	if err != nil {
		st.Error = err.Error()
	}
	r.pub.Publish(model.EventMission, st)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Run validates and executes steps. The first failing step aborts the
// mission; the wheels are stopped before returning.
func (r *Runner) Run(ctx context.Context, steps []model.MissionStep) error {
	if err := Validate(steps); err != nil {
		return err
	}
	for i, s := range steps {
		r.publish(i, s.Action, "start", nil)
		r.log.Info().Int("step", i).Str("action", s.Action).Str("maneuver", s.Maneuver).Msg("step")
		if err := r.runStep(ctx, s); err != nil {
			r.publish(i, s.Action, "error", err)
			if stopErr := r.mover.Stop(); stopErr != nil {
				r.log.Warn().Err(stopErr).Msg("stop after failed step")
			}
			return fmt.Errorf("mission step %d (%s): %w", i, s.Action, err)
		}
		r.publish(i, s.Action, "done", nil)
	}
	r.log.Info().Int("steps", len(steps)).Msg("mission complete")
	return nil
}

func (r *Runner) runStep(ctx context.Context, s model.MissionStep) error {
	fid := -1
	if s.FiducialID != nil {
		fid = *s.FiducialID
	}
	var m drive.Maneuver
	if s.Maneuver != "" {
		var err error
		if m, err = drive.ParseManeuver(s.Maneuver); err != nil {
			return err
		}
	}

	switch s.Action {
	case ActionMove:
		return r.mover.MoveForDuration(ctx, m, s.Speed, seconds(s.Seconds))
	case ActionPerform:
		if err := r.mover.Perform(m, s.Custom, s.Speed); err != nil {
			return err
		}
		if s.Seconds <= 0 {
			return nil
		}
		err := r.clk.Sleep(ctx, seconds(s.Seconds))
		return errors.Join(err, r.mover.Stop())
	case ActionDistance:
		return r.mover.MoveDistance(ctx, m, s.Speed, s.Feet)
	case ActionRotate:
		return r.mover.RotateAngle(ctx, m, s.Speed, s.Degrees)
	case ActionAlign:
		targetTA := -1.0
		if s.TargetTA != nil {
			targetTA = *s.TargetTA
		}
		return r.aligner.Align(ctx, fid, targetTA)
	case ActionAwait:
		return r.aligner.WaitForTarget(ctx, fid)
	case ActionPause:
		return r.clk.Sleep(ctx, seconds(s.Seconds))
	case ActionPipeline:
		return r.pipes.SwitchPipeline(ctx, s.Pipeline)
	}
	return fmt.Errorf("unknown action %q", s.Action)
}
