package common

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{
		JSON:    true,
		Service: "mgmt",
		Version: "v1.2.3",
		Output:  &buf,
	})

	log.Info("hello", "port", 9090)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "mgmt", entry["service"])
	assert.Equal(t, "v1.2.3", entry["version"])
	assert.EqualValues(t, 9090, entry["port"])
}

func TestSetupLogger_DebugLevel(t *testing.T) {
	var buf bytes.Buffer
	quiet := SetupLogger(&LoggingOpts{Output: &buf})
	quiet.Debug("hidden")
	assert.Empty(t, buf.String())

	loud := SetupLogger(&LoggingOpts{Debug: true, Output: &buf})
	loud.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}
