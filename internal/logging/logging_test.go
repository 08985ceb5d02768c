package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/logging"
)

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(logging.Config{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("component", "store").Debug("saved")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "saved", line["msg"])
	assert.Equal(t, "store", line["component"])
}

func TestRejectsUnknownSettings(t *testing.T) {
	_, err := logging.New(logging.Config{Level: "chatty"})
	assert.Error(t, err)
	_, err = logging.New(logging.Config{Format: "xml"})
	assert.Error(t, err)
}
