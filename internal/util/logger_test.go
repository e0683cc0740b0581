package util

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warning "))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	SetupLoggerTo(&buf, "info", false)

	l := Component("framer")
	l.Debug().Msg("hidden")
	l.Info().Int("chunks", 3).Msg("dispatched")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "framer", line["component"])
	assert.Equal(t, "dispatched", line["message"])
	assert.EqualValues(t, 3, line["chunks"])
}
