package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gregtusar/brokerd/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brokerd.log")
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.WithField("component", "pool").Debug("Connected")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "Connected", line["msg"])
	assert.Equal(t, "pool", line["component"])
	assert.Equal(t, "debug", line["level"])
}

func TestNew_Errors(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")

	_, _, err = New(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.ErrorContains(t, err, "unknown log format")

	logger, closer, err := New(config.LoggingConfig{Level: "warn", Format: "text"})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.NoError(t, closer.Close())
}
