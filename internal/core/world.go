package core

import (
	"math"
	"time"

	"OmniRover/internal/drive"
	"OmniRover/internal/parser"
)

// Scale of the simulated camera response per encoder tick.
const (
	worldTxPerTick = 0.05   // degrees of tx per lateral tick
	worldDyPerTick = 0.05   // pixels of bottom-edge skew per rotation tick
	worldTaPerTick = 0.0002 // area fraction per forward tick
)

// SimWorld renders a fiducial whose position relative to the camera follows
// the simulated chassis odometry. It is the camera half of simulation mode.
type SimWorld struct {
	enc        drive.Encoders
	tx, dy, ta float64
	fid        int
}

// NewSimWorld places a fiducial fid at the given initial offsets.
func NewSimWorld(enc drive.Encoders, tx, dy, ta float64, fid int) *SimWorld {
	return &SimWorld{enc: enc, tx: tx, dy: dy, ta: ta, fid: fid}
}

// odometry resolves the wheel ticks into forward, lateral (left positive)
// and counter-clockwise components.
func (w *SimWorld) odometry() (fwd, lat, rot float64) {
	var t [4]float64
	for _, wh := range drive.Wheels {
		n, err := w.enc.ReadEncoder(wh)
		if err != nil {
			return 0, 0, 0
		}
		t[wh] = float64(n)
	}
	fr, fl, br, bl := t[drive.FrontRight], t[drive.FrontLeft], t[drive.BackRight], t[drive.BackLeft]
	fwd = (fr - fl + br - bl) / 4
	lat = (fr + fl - br - bl) / 4
	rot = (fr + fl + br + bl) / 4
	return fwd, lat, rot
}

// Scene implements link.Scene. Nothing is seen before a pipeline is selected.
func (w *SimWorld) Scene(pipeline int, _ time.Time) *parser.Detection {
	if pipeline < 0 {
		return nil
	}
	fwd, lat, rot := w.odometry()
	tx := w.tx + lat*worldTxPerTick
	dy := w.dy + rot*worldDyPerTick
	ta := math.Max(0, math.Min(1, w.ta+fwd*worldTaPerTick))

	return &parser.Detection{
		PipelineType: "pipe_fiducial", HasPipelineType: true,
		Valid: 1, HasValid: true,
		Fiducial: &parser.Target{
			TX: tx, TY: 0, TA: ta, ID: w.fid, Family: "apriltag_36h11",
			Corners: [4]parser.Point{
				{X: 300, Y: 260},
				{X: 340, Y: 260 + dy},
				{X: 340, Y: 220},
				{X: 300, Y: 220},
			},
			Present: parser.FieldTX | parser.FieldTY | parser.FieldTA | parser.FieldID | parser.FieldFamily | parser.FieldCorners,
		},
	}
}
