package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
LOGGER:
  PATH: /tmp/shellwatch.log
  RAW_LOG: true
DEVICES:
  unix_local:
    DEVICE_CLASS: unix_local
    CONNECTION_DESC:
      io_type: process
      variant: "/bin/bash"
  unix_remote:
    DEVICE_CLASS: unix_remote
    CONNECTION_DESC:
      io_type: process
      variant: "ssh remote-host"
    CONNECTION_HOPS:
      NOT_CONNECTED:
        UNIX_REMOTE:
          execute_command: ssh
          expected_prompt: "remote#\\s*$"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

// Load fills in documented defaults for unset LOGGER and DEVICES fields.
func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "append", cfg.Logger.Mode)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "NOT_CONNECTED", cfg.Devices["unix_local"].InitialState)
	require.NotNil(t, cfg.Devices["unix_local"].ConnectionDesc)
	assert.Equal(t, "process", cfg.Devices["unix_local"].ConnectionDesc.IOType)
}

// A device with neither its own CONNECTION_DESC nor a DEFAULT_CONNECTION
// fails validation.
func TestValidateRejectsDeviceWithNoConnection(t *testing.T) {
	path := writeTempConfig(t, `
DEVICES:
  orphan:
    DEVICE_CLASS: something
`)

	_, err := Load(path)
	assert.Error(t, err)
}

// CLONED_FROM referencing an unknown device name fails validation.
func TestValidateRejectsUnknownClonedFrom(t *testing.T) {
	path := writeTempConfig(t, `
DEVICES:
  clone:
    DEVICE_CLASS: something
    CLONED_FROM: nonexistent
    CONNECTION_DESC:
      io_type: process
      variant: "/bin/bash"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

// Env vars referenced in the document are expanded before parsing.
func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("SHELLWATCH_LOG_PATH", "/var/log/shellwatch.log")
	path := writeTempConfig(t, `
LOGGER:
  PATH: ${SHELLWATCH_LOG_PATH}
DEVICES:
  unix_local:
    DEVICE_CLASS: unix_local
    CONNECTION_DESC:
      io_type: process
      variant: "/bin/bash"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/shellwatch.log", cfg.Logger.Path)
}

// An invalid LOGGER.MODE is rejected.
func TestValidateRejectsBadMode(t *testing.T) {
	path := writeTempConfig(t, `
LOGGER:
  MODE: clobber
DEVICES:
  unix_local:
    DEVICE_CLASS: unix_local
    CONNECTION_DESC:
      io_type: process
      variant: "/bin/bash"
`)

	_, err := Load(path)
	assert.Error(t, err)
}
