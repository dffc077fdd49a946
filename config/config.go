// Package config loads the YAML configuration described in spec.md §6:
// a LOGGER block, a named DEVICES map, and a DEFAULT_CONNECTION fallback.
//
// Grounded on nugget-thane-ai-agent/internal/config/config.go's
// Load/applyDefaults/Validate pipeline (env-var expansion via
// os.ExpandEnv, gopkg.in/yaml.v3 for unmarshalling, defaults filled in
// before validation so callers never see zero values).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/outrigger-labs/shellwatch/obslog"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Logger            LoggerConfig            `yaml:"LOGGER"`
	Devices           map[string]DeviceConfig `yaml:"DEVICES"`
	DefaultConnection ConnectionDesc          `yaml:"DEFAULT_CONNECTION"`
}

// LoggerConfig mirrors spec.md §6's LOGGER block.
type LoggerConfig struct {
	Path          string `yaml:"PATH"`
	DateFormat    string `yaml:"DATE_FORMAT"`
	Mode          string `yaml:"MODE"` // "write" or "append"
	RawLog        bool   `yaml:"RAW_LOG"`
	ErrorLogStack bool   `yaml:"ERROR_LOG_STACK"`
	Level         string `yaml:"LEVEL"`
}

// ConnectionDesc identifies the transport a device (or the default) binds
// to: io_type selects the TransportFactory (see DefaultTransports, e.g.
// "serial", "process"), variant is transport-specific (a device path, a
// shell command line, ...).
type ConnectionDesc struct {
	IOType  string `yaml:"io_type"`
	Variant string `yaml:"variant"`
}

// ConnectionHop is one entry of a device's CONNECTION_HOPS table: the
// command to run, and its parameters, to move from one state to another.
type ConnectionHop struct {
	ExecuteCommand string         `yaml:"execute_command"`
	CommandParams  map[string]any `yaml:"command_params"`
	ExpectedPrompt string         `yaml:"expected_prompt"`
	Reverse        string         `yaml:"reverse_command"`
}

// ConnectionHops is CONNECTION_HOPS: from_state -> to_state -> hop.
type ConnectionHops map[string]map[string]ConnectionHop

// DeviceConfig is one entry of the DEVICES map.
type DeviceConfig struct {
	DeviceClass       string          `yaml:"DEVICE_CLASS"`
	InitialState      string          `yaml:"INITIAL_STATE"`
	ClonedFrom        string          `yaml:"CLONED_FROM"`
	ConnectionDesc    *ConnectionDesc `yaml:"CONNECTION_DESC"`
	ConnectionHops    ConnectionHops  `yaml:"CONNECTION_HOPS"`
	LazyCmdsEvents    bool            `yaml:"LAZY_CMDS_EVENTS"`
	AdditionalParams  map[string]any  `yaml:"ADDITIONAL_PARAMS"`
	DefaultTimeoutSec int             `yaml:"DEFAULT_TIMEOUT_SEC"`
}

// DefaultTimeout returns the device's configured default observer timeout,
// or a package-wide fallback when unset.
func (d DeviceConfig) DefaultTimeout() time.Duration {
	if d.DefaultTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.DefaultTimeoutSec) * time.Second
}

// Load reads path, expands environment variables, applies defaults and
// validates the result. After Load returns successfully every field is
// directly usable.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills unset fields with spec.md §6's documented defaults.
func (c *Config) applyDefaults() {
	if c.Logger.Mode == "" {
		c.Logger.Mode = "append"
	}
	if c.Logger.DateFormat == "" {
		c.Logger.DateFormat = "15:04:05.000"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}

	for name, dev := range c.Devices {
		if dev.InitialState == "" {
			dev.InitialState = "NOT_CONNECTED"
		}
		if dev.ConnectionDesc == nil {
			desc := c.DefaultConnection
			dev.ConnectionDesc = &desc
		}
		c.Devices[name] = dev
	}
}

// Validate checks internal consistency. Runs after applyDefaults.
func (c *Config) Validate() error {
	if c.Logger.Mode != "write" && c.Logger.Mode != "append" {
		return fmt.Errorf("LOGGER.MODE %q must be \"write\" or \"append\"", c.Logger.Mode)
	}
	if _, err := obslog.ParseLevel(c.Logger.Level); err != nil {
		return fmt.Errorf("LOGGER.LEVEL: %w", err)
	}

	for name, dev := range c.Devices {
		if dev.DeviceClass == "" {
			return fmt.Errorf("DEVICES.%s.DEVICE_CLASS is required", name)
		}
		if dev.ClonedFrom != "" {
			if _, ok := c.Devices[dev.ClonedFrom]; !ok {
				return fmt.Errorf("DEVICES.%s.CLONED_FROM references unknown device %q", name, dev.ClonedFrom)
			}
		}
		if dev.ConnectionDesc == nil || dev.ConnectionDesc.IOType == "" {
			return fmt.Errorf("DEVICES.%s has no CONNECTION_DESC and no DEFAULT_CONNECTION is set", name)
		}
	}
	return nil
}
