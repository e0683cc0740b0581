package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OmniRover/internal/clock"
	"OmniRover/internal/drive"
	"OmniRover/internal/link"
	"OmniRover/internal/model"
	"OmniRover/internal/parser"
	"OmniRover/internal/vision"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func newSimSystem(t *testing.T, steps []model.MissionStep) *System {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Telemetry.DBPath = filepath.Join(t.TempDir(), "runs.db")
	cfg.Mission = steps
	s, err := New(cfg, clock.Real{})
	require.NoError(t, err)
	require.NoError(t, s.StartAll())
	t.Cleanup(s.StopAll)
	return s
}

func TestHandshakeAndPipelineSwitch(t *testing.T) {
	s := newSimSystem(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Handshake(ctx))
	assert.Equal(t, link.InitToken, s.Store.Text())

	require.NoError(t, s.SwitchPipeline(ctx, 6))
	assert.Equal(t, 6, s.Store.Snapshot().PipelineID())
	assert.Equal(t, 6, s.Link.Peer().Pipeline())

	st := s.Status()
	assert.Equal(t, 6, st.Pipeline)
	assert.True(t, st.Valid)
	assert.NotZero(t, st.Link.Messages)
	assert.False(t, st.LastChunk.IsZero())

	// the link feeds the april_tag filter without anyone reading it
	f := s.Filters.Get("april_tag")
	require.NotNil(t, f)
	require.Eventually(t, f.Initialized, 2*time.Second, 5*time.Millisecond)
}

type linkSink struct {
	mu  sync.Mutex
	evs []model.LinkEvent
}

func (l *linkSink) Publish(kind string, data any) {
	if ev, ok := data.(model.LinkEvent); ok && kind == model.EventLink {
		l.mu.Lock()
		l.evs = append(l.evs, ev)
		l.mu.Unlock()
	}
}

func (l *linkSink) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.evs {
		out = append(out, ev.State)
	}
	return out
}

func TestLinkServicePublishesStateChanges(t *testing.T) {
	cfg := model.DefaultConfig()
	scene := func(int, time.Time) *parser.Detection {
		return &parser.Detection{Valid: 1, HasValid: true}
	}
	sink := &linkSink{}
	ls, err := newLinkService(cfg.Link, vision.NewStore(nil), nil, sink, clock.Real{}, scene)
	require.NoError(t, err)
	ls.Start()
	defer ls.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ls.Handshake(ctx))
	require.NoError(t, ls.SwitchPipeline(ctx, 1))
	assert.Equal(t, []string{"established", "pipeline"}, sink.states())
	assert.Equal(t, 1, sink.evs[1].Pipeline)

	_ = ls.tr.Close()
	require.Eventually(t, func() bool {
		st := sink.states()
		return len(st) == 3 && st[2] == "down"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Error(t, ls.Err())
}

func TestHandshakeCancelled(t *testing.T) {
	cfg := model.DefaultConfig()
	s, err := New(cfg, clock.Real{})
	require.NoError(t, err)
	// link never started, so nothing answers
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Handshake(ctx), context.DeadlineExceeded)
}

func TestRunMissionAlignsOnSimulatedTag(t *testing.T) {
	s := newSimSystem(t, []model.MissionStep{
		{Action: "await", FiducialID: intPtr(simFiducial)},
		{Action: "align", FiducialID: intPtr(simFiducial), TargetTA: floatPtr(0.13)},
		{Action: "move", Maneuver: "FORWARD", Speed: 10, Seconds: 0.1},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, s.RunMission(ctx))

	snap := s.Store.Snapshot()
	require.NotNil(t, snap)
	assert.Less(t, snap.TX(vision.KindFiducial), 3.0)
	assert.Equal(t, [4]float64{}, s.Sim.Speeds())

	latest := s.Hub.Latest()
	require.Contains(t, latest, model.EventAlign)
	assert.Equal(t, "done", latest[model.EventAlign].Data.(model.AlignStatus).Phase)
}

func TestRunMissionCancelStopsWheels(t *testing.T) {
	s := newSimSystem(t, []model.MissionStep{
		{Action: "perform", Maneuver: "ROTATE_CW", Speed: 30},
		{Action: "pause", Seconds: 30},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.RunMission(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, [4]float64{}, s.Sim.Speeds())
}

func TestStatusEndpoint(t *testing.T) {
	s := newSimSystem(t, nil)
	srv := httptest.NewServer(s.Server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, s.Hub.RunID(), st.RunID)
}

func TestNewSystemFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rover.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
link:
  simulate: true
motor_board:
  simulate: true
align:
  use_ema: true
mission:
  - action: pipeline
    pipeline: 6
  - action: rotate
    maneuver: ROTATE_CCW
    speed: 25
    degrees: 90
`), 0o644))

	s, err := NewSystem(path)
	require.NoError(t, err)
	assert.Len(t, s.Config().Mission, 2)
	assert.Equal(t, 64, s.Config().Link.ChunkSize)
}

func TestNewRejectsBadMission(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Mission = []model.MissionStep{{Action: "move", Maneuver: "SIDEWAYS"}}
	_, err := New(cfg, clock.Real{})
	assert.Error(t, err)
}

func TestNewRejectsEMAWithoutFiducialFilter(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Align.UseEMA = true
	cfg.Vision.Pipelines = map[string]string{"april_tag": "retro"}
	cfg.Vision.PipelineIDs = map[int]string{6: "april_tag"}
	_, err := New(cfg, clock.Real{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fiducial")
}

func TestSimWorldFollowsOdometry(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	sim := drive.NewSimChassis(clk, 1000, 100000)
	w := NewSimWorld(sim, 10, 0, 0.2, 7)

	assert.Nil(t, w.Scene(-1, clk.Now()))

	ch := drive.NewChassis(sim, sim, clk, model.DefaultConfig().Drive)
	require.NoError(t, ch.Perform(drive.Right, [4]float64{}, 20))
	clk.Advance(time.Second)
	det := w.Scene(6, clk.Now())
	require.NotNil(t, det)
	require.NotNil(t, det.Fiducial)
	assert.Less(t, det.Fiducial.TX, 10.0)
	assert.InDelta(t, 0, det.Fiducial.Corners[1].Y-det.Fiducial.Corners[0].Y, 1e-6)
	assert.Equal(t, 7, det.Fiducial.ID)

	require.NoError(t, ch.Perform(drive.RotateCCW, [4]float64{}, 20))
	clk.Advance(time.Second)
	det = w.Scene(6, clk.Now())
	assert.Greater(t, det.Fiducial.Corners[1].Y-det.Fiducial.Corners[0].Y, 0.0)
}

func TestHandshakeTokensFitMinimumChunk(t *testing.T) {
	assert.LessOrEqual(t, len(link.InitToken), model.LongestCommand)
	assert.LessOrEqual(t, len(EstablishedMessage), model.LongestCommand)
}
