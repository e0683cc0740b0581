// Package core wires the rover together: the co-processor link, vision
// store, chassis, alignment controller, mission runner and telemetry, and
// manages their lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"OmniRover/internal/align"
	"OmniRover/internal/clock"
	"OmniRover/internal/device"
	"OmniRover/internal/drive"
	"OmniRover/internal/link"
	"OmniRover/internal/mission"
	"OmniRover/internal/model"
	"OmniRover/internal/telemetry"
	"OmniRover/internal/util"
	"OmniRover/internal/vision"
)

// Initial placement of the simulated fiducial.
const (
	simStartTX  = 12
	simStartDY  = -9
	simStartTA  = 0.1
	simFiducial = 3
)

// System manages lifecycle of the rover components.
type System struct {
	cfg *model.Config
	clk clock.Clock
	log zerolog.Logger

	Store   *vision.Store
	Filters *vision.Bank
	Link    *LinkService
	Chassis *drive.Chassis
	Sim     *drive.SimChassis // nil on hardware
	Aligner *align.Controller
	Runner  *mission.Runner
	Hub     *telemetry.Hub
	Server  *telemetry.Server

	rec   *telemetry.Recorder
	board *device.MotorBoard

	started   bool
	startLock sync.Mutex
}

// Status is reported by /api/status.
type Status struct {
	RunID     string     `json:"run_id"`
	Pipeline  int        `json:"pipeline"`
	Valid     bool       `json:"valid"`
	Seq       uint64     `json:"seq"`
	Text      string     `json:"text"`
	Link      link.Stats `json:"link"`
	LastChunk time.Time  `json:"last_chunk"`
	Dropped   uint64     `json:"dropped_events"`
	Speeds    [4]float64 `json:"wheel_speeds,omitempty"`
}

// NewSystem loads the YAML configuration at cfgPath and builds a System on
// the wall clock.
func NewSystem(cfgPath string) (*System, error) {
	cfg, err := model.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return New(cfg, clock.Real{})
}

// New builds every component from cfg. Hardware is opened here; simulated
// links and chassis are created in memory.
func New(cfg *model.Config, clk clock.Clock) (*System, error) {
	if err := mission.Validate(cfg.Mission); err != nil {
		return nil, err
	}
	s := &System{cfg: cfg, clk: clk, log: util.Component("system")}

	if cfg.Telemetry.DBPath != "" {
		rec, err := telemetry.OpenRecorder(cfg.Telemetry.DBPath)
		if err != nil {
			return nil, err
		}
		s.rec = rec
	}
	s.Hub = telemetry.NewHub(s.rec)

	s.Store = vision.NewStore(clk.Now)
	bank, err := vision.NewBank(cfg.Vision.EMAAlpha, cfg.Vision.Pipelines, cfg.Vision.PipelineIDs)
	if err != nil {
		s.closeResources()
		return nil, err
	}
	s.Filters = bank

	var act drive.Actuator
	var enc drive.Encoders
	if cfg.MotorBoard.Simulate {
		s.Sim = drive.NewSimChassis(clk, cfg.Drive.MaxVelocityTicks, cfg.Drive.EncoderLimit)
		act, enc = s.Sim, s.Sim
	} else {
		board, err := device.OpenMotorBoard(cfg.MotorBoard.Device, cfg.MotorBoard.Baud)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("open motor board: %w", err)
		}
		s.board = board
		act, enc = board, board
	}
	s.Chassis = drive.NewChassis(act, enc, clk, cfg.Drive)
	s.Chassis.SetPublisher(s.Hub)

	var scene link.Scene
	if cfg.Link.Simulate {
		scene = NewSimWorld(enc, simStartTX, simStartDY, simStartTA, simFiducial).Scene
	}
	ls, err := newLinkService(cfg.Link, s.Store, s.Filters, s.Hub, clk, scene)
	if err != nil {
		s.closeResources()
		return nil, err
	}
	s.Link = ls

	s.Aligner = align.NewController(s.Store, s.Chassis, clk, cfg.Align)
	s.Aligner.SetPublisher(s.Hub)
	s.Aligner.SetIndicator(newLogIndicator())
	if cfg.Align.UseEMA {
		f := s.Filters.Get("april_tag")
		if f == nil || f.Kind() != vision.KindFiducial {
			s.closeResources()
			return nil, errors.New("align.use_ema needs a fiducial april_tag filter in vision.pipelines")
		}
		s.Aligner.SetFilter(f)
	}

	s.Runner = mission.NewRunner(s.Chassis, s.Aligner, s, clk, s.Hub)
	s.Server = telemetry.NewServer(s.Hub, s.rec, func() any { return s.Status() }, s.Link.Queue)
	s.Server.SetCommandToken(cfg.Telemetry.Token)
	return s, nil
}

func (s *System) closeResources() {
	if s.board != nil {
		_ = s.board.Close()
	}
	if s.rec != nil {
		_ = s.rec.Close()
	}
}

// Config returns the loaded configuration.
func (s *System) Config() *model.Config { return s.cfg }

// StartAll starts the hub, link and telemetry server.
func (s *System) StartAll() error {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	if s.started {
		return nil
	}
	s.Hub.Start()
	s.Link.Start()
	if err := s.Server.Start(s.cfg.Telemetry.Addr); err != nil {
		s.log.Error().Err(err).Msg("telemetry server start failed")
	}
	s.started = true
	return nil
}

// StopAll stops the wheels, then every running component.
func (s *System) StopAll() {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	if !s.started {
		return
	}
	if err := s.Chassis.Stop(); err != nil {
		s.log.Error().Err(err).Msg("failed to stop wheels")
	}
	s.Server.Stop()
	s.Link.Stop()
	s.Hub.Stop()
	s.closeResources()
	s.started = false
}

// Handshake establishes the co-processor link.
func (s *System) Handshake(ctx context.Context) error { return s.Link.Handshake(ctx) }

// SwitchPipeline selects co-processor pipeline n and clears the smoothing
// filters, whose history belongs to the previous pipeline.
func (s *System) SwitchPipeline(ctx context.Context, n int) error {
	if err := s.Link.SwitchPipeline(ctx, n); err != nil {
		return err
	}
	s.Filters.ResetAll()
	return nil
}

// RunMission performs the handshake, selects the startup pipeline and runs
// the configured mission.
func (s *System) RunMission(ctx context.Context) error {
	if err := s.Handshake(ctx); err != nil {
		return err
	}
	if err := s.SwitchPipeline(ctx, s.cfg.Vision.Startup()); err != nil {
		return err
	}
	s.log.Info().Int("steps", len(s.cfg.Mission)).Msg("mission starting")
	return s.Runner.Run(ctx, s.cfg.Mission)
}

// Status snapshots live state.
func (s *System) Status() Status {
	snap := s.Store.Snapshot()
	st := Status{
		RunID:     s.Hub.RunID(),
		Pipeline:  snap.PipelineID(),
		Valid:     snap.Valid(),
		Seq:       s.Store.Seq(),
		Text:      s.Store.Text(),
		Link:      s.Link.Stats(),
		LastChunk: s.Link.LastChunk(),
		Dropped:   s.Hub.Dropped(),
	}
	if s.Sim != nil {
		st.Speeds = s.Sim.Speeds()
	}
	return st
}

// logIndicator stands in for the status LED.
type logIndicator struct {
	log     zerolog.Logger
	flashes int
}

func newLogIndicator() *logIndicator {
	return &logIndicator{log: util.Component("indicator")}
}

func (l *logIndicator) Flash() {
	l.flashes++
	if l.flashes%50 == 1 {
		l.log.Info().Int("flashes", l.flashes).Msg("waiting for a valid target")
	}
}
