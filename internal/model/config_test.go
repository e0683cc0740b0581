package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rover.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
link:
  simulate: true
motor_board:
  simulate: true
mission:
  - action: align
    fiducial_id: 0
    target_ta: -1
  - action: align
`))
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Link.ChunkSize)
	assert.Equal(t, "<END>", cfg.Link.EndMarker)
	assert.Equal(t, 0.2, cfg.Vision.EMAAlpha)
	require.NotNil(t, cfg.Vision.StartupPipeline)
	assert.Equal(t, 6, *cfg.Vision.StartupPipeline)
	assert.Equal(t, "april_tag", cfg.Vision.PipelineIDs[6])
	assert.Equal(t, "fiducial", cfg.Vision.Pipelines["april_tag"])
	assert.Equal(t, 1300.0, cfg.Drive.MaxVelocityTicks)
	assert.Equal(t, 0.8, cfg.Drive.Gains[3].Kp)
	assert.Equal(t, [4]float64{0.95, 1, 0.95, 1}, cfg.Drive.Trim)
	assert.Equal(t, 3.0, cfg.Align.TxThreshold)
	assert.Equal(t, "info", cfg.Log.Level)

	require.Len(t, cfg.Mission, 2)
	require.NotNil(t, cfg.Mission[0].FiducialID)
	assert.Equal(t, 0, *cfg.Mission[0].FiducialID)
	assert.Nil(t, cfg.Mission[1].FiducialID)
	require.NotNil(t, cfg.Mission[0].TargetTA)
	assert.Equal(t, -1.0, *cfg.Mission[0].TargetTA)
	assert.Nil(t, cfg.Mission[1].TargetTA)
}

func TestLoadConfigKeepsExplicitValues(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
link:
  simulate: true
  chunk_size: 32
motor_board:
  simulate: true
drive:
  trim: [1, 1, 1, 1]
align:
  strafe_speed: 40
`))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Link.ChunkSize)
	assert.Equal(t, [4]float64{1, 1, 1, 1}, cfg.Drive.Trim)
	assert.Equal(t, 40.0, cfg.Align.StrafeSpeed)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "link: [not, a, map"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `
link:
  chunk_size: 2
vision:
  ema_alpha: 1.5
  pipelines:
    april_tag: laser
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "chunk_size")
	assert.Contains(t, msg, "link.device")
	assert.Contains(t, msg, "motor_board.device")
	assert.Contains(t, msg, "ema_alpha")
	assert.Contains(t, msg, "laser")
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.Link.Simulate)
	assert.True(t, cfg.MotorBoard.Simulate)
}

func TestValidateRejectsChunkTooSmallForCommands(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Link.ChunkSize = 16
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot carry")

	cfg.Link.ChunkSize = LongestCommand + 1
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigKeepsExplicitZeroStartupPipeline(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
link:
  simulate: true
motor_board:
  simulate: true
vision:
  startup_pipeline: 0
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Vision.StartupPipeline)
	assert.Equal(t, 0, cfg.Vision.Startup())
	assert.Equal(t, 6, VisionConfig{}.Startup())
}

func TestValidateRejectsNegativeLimits(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
link:
  simulate: true
  max_message_bytes: -1
  transaction_timeout_ms: -5
motor_board:
  simulate: true
vision:
  startup_pipeline: -2
align:
  strafe_speed: 150
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "max_message_bytes")
	assert.Contains(t, msg, "transaction_timeout_ms")
	assert.Contains(t, msg, "startup_pipeline")
	assert.Contains(t, msg, "align.strafe_speed")
}

func TestValidatePipelineIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Vision.PipelineIDs = map[int]string{6: "april_tag", 2: "line"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown pipeline "line"`)
	assert.Contains(t, err.Error(), "vision.pipelines[purple_object]: no entry")

	cfg.Vision.PipelineIDs = map[int]string{6: "april_tag", 1: "purple_object"}
	assert.NoError(t, cfg.Validate())
}
