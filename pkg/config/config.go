// Package config loads the daemon's settings file. A missing file yields
// the defaults; a present but malformed file is an error, not a silent
// fallback.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/serverket/cpugovd/pkg/governor"
	"github.com/serverket/cpugovd/pkg/store"
	"github.com/serverket/cpugovd/pkg/sysfs"
)

const DefaultPath = "/etc/cpugov/config.yaml"

// Duration is a time.Duration that unmarshals from yaml strings like
// "30s" or "2m".
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	// SysfsRoot is the kernel control surface base directory.
	SysfsRoot string `yaml:"sysfsRoot,omitempty"`
	// CPUInfoPath is the system descriptor file for the CPU model string.
	CPUInfoPath string `yaml:"cpuinfoPath,omitempty"`
	// StatePath holds the persisted governor choice.
	StatePath string `yaml:"statePath,omitempty"`
	// AuthTimeout bounds one authorization round-trip, including any
	// interactive consent dialog.
	AuthTimeout Duration `yaml:"authTimeout,omitempty"`
	// LogLevel is a zap level name (debug, info, warn, error).
	LogLevel string `yaml:"logLevel,omitempty"`
}

func Default() *Config {
	return &Config{
		SysfsRoot:   sysfs.DefaultRoot,
		CPUInfoPath: sysfs.DefaultCPUInfoPath,
		StatePath:   store.DefaultPath,
		AuthTimeout: Duration(governor.DefaultAuthTimeout),
		LogLevel:    "info",
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SysfsRoot == "" {
		return errors.New("sysfsRoot cannot be empty")
	}
	if c.StatePath == "" {
		return errors.New("statePath cannot be empty")
	}
	if c.AuthTimeout < 0 {
		return errors.New("authTimeout must be >= 0")
	}
	return nil
}
