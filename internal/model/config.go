// Package model defines shared configuration structures used to initialize the rover.
// It includes link, vision, drive, alignment, telemetry and mission settings.
package model

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the root structure loaded from configs/rover.yml.
type Config struct {
	Link       LinkConfig       `yaml:"link"`
	Vision     VisionConfig     `yaml:"vision"`
	Drive      DriveConfig      `yaml:"drive"`
	MotorBoard MotorBoardConfig `yaml:"motor_board"`
	Align      AlignConfig      `yaml:"align"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Mission    []MissionStep    `yaml:"mission"`
	Log        LogConfig        `yaml:"log"`
}

// LinkConfig defines the chunked co-processor link.
type LinkConfig struct {
	Device               string `yaml:"device"`
	Baud                 int    `yaml:"baud"`
	ChunkSize            int    `yaml:"chunk_size"`
	EndMarker            string `yaml:"end_marker"`
	TransactionTimeoutMs int    `yaml:"transaction_timeout_ms"` // 0 blocks until the peer clocks a chunk
	MaxMessageBytes      int    `yaml:"max_message_bytes"`
	Simulate             bool   `yaml:"simulate"`
}

// VisionConfig defines smoothing and pipeline selection.
type VisionConfig struct {
	EMAAlpha        float64           `yaml:"ema_alpha"`
	Pipelines       map[string]string `yaml:"pipelines"`        // filter name -> detection kind (fiducial/retro)
	PipelineIDs     map[int]string    `yaml:"pipeline_ids"`     // co-processor pipeline number -> filter name
	StartupPipeline *int              `yaml:"startup_pipeline"` // nil selects 6
}

// Startup is the pipeline selected before a mission runs.
func (v VisionConfig) Startup() int {
	if v.StartupPipeline == nil {
		return 6
	}
	return *v.StartupPipeline
}

// PIDGains holds one wheel's controller gains.
type PIDGains struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

// DriveConfig defines the closed-loop drive parameters. Per-wheel arrays are
// ordered front-right, front-left, back-right, back-left.
type DriveConfig struct {
	MaxVelocityTicks float64     `yaml:"max_velocity_ticks"`
	TickMs           int         `yaml:"tick_ms"`
	Gains            [4]PIDGains `yaml:"gains"`
	Trim             [4]float64  `yaml:"trim"`
	EncoderLimit     int         `yaml:"encoder_limit"`
}

// MotorBoardConfig defines the serial motor controller.
type MotorBoardConfig struct {
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	Simulate bool   `yaml:"simulate"`
}

// AlignConfig holds the visual servo thresholds and speeds.
type AlignConfig struct {
	DyThreshold   float64 `yaml:"dy_threshold"`
	TxThreshold   float64 `yaml:"tx_threshold"`
	TxEpsilon     float64 `yaml:"tx_epsilon"`
	TaEpsilon     float64 `yaml:"ta_epsilon"`
	SampleEpsilon float64 `yaml:"sample_epsilon"`
	StrafeSpeed   float64 `yaml:"strafe_speed"`
	RotateSpeed   float64 `yaml:"rotate_speed"`
	RangeSpeed    float64 `yaml:"range_speed"`
	PollMs        int     `yaml:"poll_ms"`
	SettleMs      int     `yaml:"settle_ms"`
	UseEMA        bool    `yaml:"use_ema"` // read the april_tag filter instead of raw detections
}

// TelemetryConfig defines the dashboard server and run recorder.
type TelemetryConfig struct {
	Addr   string `yaml:"addr"`    // empty disables the HTTP/websocket server
	DBPath string `yaml:"db_path"` // empty disables the recorder
	Token  string `yaml:"token"`   // required on /api/command when set
}

// LogConfig defines logger output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MissionStep is one scripted action. Which fields apply depends on Action.
type MissionStep struct {
	Action     string     `yaml:"action"` // move, perform, align, await, pause, pipeline, distance, rotate
	Maneuver   string     `yaml:"maneuver,omitempty"`
	Speed      float64    `yaml:"speed,omitempty"`
	Seconds    float64    `yaml:"seconds,omitempty"`
	Feet       float64    `yaml:"feet,omitempty"`
	Degrees    float64    `yaml:"degrees,omitempty"`
	TargetTA   *float64   `yaml:"target_ta,omitempty"` // nil or negative skips ranging
	Pipeline   int        `yaml:"pipeline,omitempty"`
	Custom     [4]float64 `yaml:"custom,omitempty"`
	FiducialID *int       `yaml:"fiducial_id,omitempty"` // nil accepts any fiducial
}

// LongestCommand is the length of the longest command the rover queues on the
// link ("communication established"). A chunk carries it plus a NUL.
const LongestCommand = len("communication established")

// LoadConfig reads the YAML file at path, applies defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns a configuration with every default applied and the
// hardware replaced by simulators.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Link.Simulate = true
	cfg.MotorBoard.Simulate = true
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with the reference tuning.
func (c *Config) ApplyDefaults() {
	if c.Link.Baud == 0 {
		c.Link.Baud = 115200
	}
	if c.Link.ChunkSize == 0 {
		c.Link.ChunkSize = 64
	}
	if c.Link.EndMarker == "" {
		c.Link.EndMarker = "<END>"
	}
	if c.Link.MaxMessageBytes == 0 {
		c.Link.MaxMessageBytes = 1 << 20
	}

	if c.Vision.EMAAlpha == 0 {
		c.Vision.EMAAlpha = 0.2
	}
	if len(c.Vision.Pipelines) == 0 {
		c.Vision.Pipelines = map[string]string{
			"april_tag":     "fiducial",
			"purple_object": "retro",
		}
	}
	if len(c.Vision.PipelineIDs) == 0 {
		c.Vision.PipelineIDs = map[int]string{
			1: "purple_object",
			6: "april_tag",
		}
	}
	if c.Vision.StartupPipeline == nil {
		startup := 6
		c.Vision.StartupPipeline = &startup
	}

	if c.Drive.MaxVelocityTicks == 0 {
		c.Drive.MaxVelocityTicks = 1300
	}
	if c.Drive.TickMs == 0 {
		c.Drive.TickMs = 50
	}
	if c.Drive.Gains == [4]PIDGains{} {
		c.Drive.Gains = [4]PIDGains{
			{Kp: 1.25, Kd: 0.03},
			{Kp: 1.25, Kd: 0.03},
			{Kp: 1.25, Kd: 0.03},
			{Kp: 0.8, Kd: 0.03},
		}
	}
	if c.Drive.Trim == [4]float64{} {
		c.Drive.Trim = [4]float64{0.95, 1, 0.95, 1}
	}
	if c.Drive.EncoderLimit == 0 {
		c.Drive.EncoderLimit = 10000
	}

	if c.MotorBoard.Baud == 0 {
		c.MotorBoard.Baud = 115200
	}

	a := &c.Align
	if a.DyThreshold == 0 {
		a.DyThreshold = 3
	}
	if a.TxThreshold == 0 {
		a.TxThreshold = 3
	}
	if a.TxEpsilon == 0 {
		a.TxEpsilon = 10
	}
	if a.TaEpsilon == 0 {
		a.TaEpsilon = 0.01
	}
	if a.SampleEpsilon == 0 {
		a.SampleEpsilon = 1e-5
	}
	if a.StrafeSpeed == 0 {
		a.StrafeSpeed = 23
	}
	if a.RotateSpeed == 0 {
		a.RotateSpeed = 18
	}
	if a.RangeSpeed == 0 {
		a.RangeSpeed = 18
	}
	if a.PollMs == 0 {
		a.PollMs = 20
	}
	if a.SettleMs == 0 {
		a.SettleMs = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects settings the control core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Link.ChunkSize < len(c.Link.EndMarker) {
		errs = append(errs, fmt.Errorf("link.chunk_size %d smaller than end marker %q", c.Link.ChunkSize, c.Link.EndMarker))
	}
	if c.Link.ChunkSize < LongestCommand+1 {
		errs = append(errs, fmt.Errorf("link.chunk_size %d cannot carry a %d byte command", c.Link.ChunkSize, LongestCommand))
	}
	if c.Link.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("link.max_message_bytes must be positive, got %d", c.Link.MaxMessageBytes))
	}
	if c.Link.TransactionTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("link.transaction_timeout_ms must not be negative, got %d", c.Link.TransactionTimeoutMs))
	}
	if !c.Link.Simulate && c.Link.Device == "" {
		errs = append(errs, errors.New("link.device required unless link.simulate is set"))
	}
	if !c.MotorBoard.Simulate && c.MotorBoard.Device == "" {
		errs = append(errs, errors.New("motor_board.device required unless motor_board.simulate is set"))
	}
	if c.Vision.EMAAlpha <= 0 || c.Vision.EMAAlpha > 1 {
		errs = append(errs, fmt.Errorf("vision.ema_alpha %v outside (0,1]", c.Vision.EMAAlpha))
	}
	fed := make(map[string]bool, len(c.Vision.PipelineIDs))
	for id, name := range c.Vision.PipelineIDs {
		if _, ok := c.Vision.Pipelines[name]; !ok {
			errs = append(errs, fmt.Errorf("vision.pipeline_ids[%d]: unknown pipeline %q", id, name))
		}
		fed[name] = true
	}
	for name, kind := range c.Vision.Pipelines {
		if kind != "fiducial" && kind != "retro" {
			errs = append(errs, fmt.Errorf("vision.pipelines[%s]: unknown kind %q", name, kind))
		}
		if !fed[name] {
			errs = append(errs, fmt.Errorf("vision.pipelines[%s]: no entry in vision.pipeline_ids", name))
		}
	}
	if p := c.Vision.StartupPipeline; p != nil && *p < 0 {
		errs = append(errs, fmt.Errorf("vision.startup_pipeline must not be negative, got %d", *p))
	}
	if c.Drive.TickMs <= 0 {
		errs = append(errs, fmt.Errorf("drive.tick_ms must be positive, got %d", c.Drive.TickMs))
	}
	if c.Drive.EncoderLimit <= 0 {
		errs = append(errs, fmt.Errorf("drive.encoder_limit must be positive, got %d", c.Drive.EncoderLimit))
	}
	for name, v := range map[string]float64{
		"align.strafe_speed": c.Align.StrafeSpeed,
		"align.rotate_speed": c.Align.RotateSpeed,
		"align.range_speed":  c.Align.RangeSpeed,
	} {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Errorf("%s %v outside [0,100]", name, v))
		}
	}
	return errors.Join(errs...)
}
