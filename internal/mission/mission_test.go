package mission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"OmniRover/internal/clock"
	"OmniRover/internal/drive"
	"OmniRover/internal/model"
)

type fakeAligner struct {
	calls []string
	tas   []float64
	err   error
}

func (f *fakeAligner) Align(_ context.Context, fid int, ta float64) error {
	f.calls = append(f.calls, "align")
	f.tas = append(f.tas, ta)
	if fid != 4 || (ta != 0.12 && ta != -1) {
		return errors.New("unexpected align arguments")
	}
	return f.err
}

func (f *fakeAligner) WaitForTarget(_ context.Context, fid int) error {
	f.calls = append(f.calls, "await")
	if fid != -1 {
		return errors.New("await should accept any fiducial")
	}
	return nil
}

type fakePipes struct{ switched []int }

func (f *fakePipes) SwitchPipeline(_ context.Context, n int) error {
	f.switched = append(f.switched, n)
	return nil
}

type statusSink struct{ st []model.MissionStatus }

func (s *statusSink) Publish(kind string, data any) {
	if st, ok := data.(model.MissionStatus); ok {
		s.st = append(s.st, st)
	}
}

const script = `
- action: pipeline
  pipeline: 6
- action: await
- action: move
  maneuver: forward
  speed: 30
  seconds: 0.5
- action: perform
  maneuver: custom
  custom: [1, 1, 1, 1]
  speed: 20
  seconds: 0.1
- action: align
  fiducial_id: 4
  target_ta: 0.12
- action: distance
  maneuver: left
  speed: 25
  feet: 0.5
- action: rotate
  maneuver: rotate_cw
  speed: 25
  degrees: 42
- action: pause
  seconds: 0.2
`

func newRunner(t *testing.T) (*Runner, *drive.SimChassis, *clock.Manual, *fakeAligner, *fakePipes, *statusSink) {
	t.Helper()
	cfg := model.DefaultConfig()
	clk := clock.NewManual(time.Unix(0, 0))
	sim := drive.NewSimChassis(clk, cfg.Drive.MaxVelocityTicks, cfg.Drive.EncoderLimit)
	ch := drive.NewChassis(sim, sim, clk, cfg.Drive)
	al := &fakeAligner{}
	pp := &fakePipes{}
	sink := &statusSink{}
	return NewRunner(ch, al, pp, clk, sink), sim, clk, al, pp, sink
}

func TestRunScript(t *testing.T) {
	var steps []model.MissionStep
	require.NoError(t, yaml.Unmarshal([]byte(script), &steps))

	r, sim, clk, al, pp, sink := newRunner(t)
	start := clk.Now()
	require.NoError(t, r.Run(context.Background(), steps))

	assert.Equal(t, []int{6}, pp.switched)
	assert.Equal(t, []string{"await", "align"}, al.calls)
	assert.Equal(t, [4]float64{}, sim.Speeds())
	// move 0.5s + perform 0.1s + distance 1s + rotate 1s + pause 0.2s
	assert.InDelta(t, 2.8, clk.Now().Sub(start).Seconds(), 0.05)
	require.Len(t, sink.st, 2*len(steps))
	assert.Equal(t, "done", sink.st[len(sink.st)-1].Phase)
}

func TestRunStopsOnFailure(t *testing.T) {
	r, sim, _, al, _, sink := newRunner(t)
	al.err = errors.New("lost target")
	fid, ta := 4, 0.12
	steps := []model.MissionStep{
		{Action: ActionPerform, Maneuver: "forward", Speed: 40},
		{Action: ActionAlign, FiducialID: &fid, TargetTA: &ta},
		{Action: ActionPause, Seconds: 1},
	}

	err := r.Run(context.Background(), steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mission step 1 (align)")
	assert.Equal(t, [4]float64{}, sim.Speeds())
	assert.Equal(t, "error", sink.st[len(sink.st)-1].Phase)
}

func TestAlignWithoutTargetAreaSkipsRanging(t *testing.T) {
	var steps []model.MissionStep
	require.NoError(t, yaml.Unmarshal([]byte("- action: align\n  fiducial_id: 4\n"), &steps))
	require.Len(t, steps, 1)
	assert.Nil(t, steps[0].TargetTA)

	r, _, _, al, _, _ := newRunner(t)
	require.NoError(t, r.Run(context.Background(), steps))
	assert.Equal(t, []float64{-1}, al.tas)
}

func TestValidate(t *testing.T) {
	err := Validate([]model.MissionStep{
		{Action: ActionMove, Maneuver: "diagonal"},
		{Action: "dance"},
		{Action: ActionDistance, Maneuver: "forward"},
		{Action: ActionPause, Seconds: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStep)
	assert.ErrorIs(t, err, drive.ErrUnsupportedManeuver)
	assert.Contains(t, err.Error(), "step 1 (dance)")
	assert.Contains(t, err.Error(), "step 2 (distance)")
	assert.NotContains(t, err.Error(), "step 3")
}
