package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("debug", "json", &buf)

	Station(logger, "north-ridge").Debug("cycle started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "north-ridge", entry["station"])
	assert.Equal(t, "cycle started", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNewWithWriter_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("loud", "text", &buf)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	require.NoError(t, SetLevel(logger, "debug"))
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Error(t, SetLevel(logger, "loud"))
}
