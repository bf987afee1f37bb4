package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/serverket/cpugovd/pkg/config"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
	require.Equal(t, "/sys/devices/system/cpu", cfg.SysfsRoot)
	require.Equal(t, "/var/lib/cpugov/governor.json", cfg.StatePath)
	require.Equal(t, 2*time.Minute, cfg.AuthTimeout.Duration())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"statePath: /tmp/governor.json\nauthTimeout: 30s\nlogLevel: debug\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/governor.json", cfg.StatePath)
	require.Equal(t, 30*time.Second, cfg.AuthTimeout.Duration())
	require.Equal(t, "debug", cfg.LogLevel)
	// Untouched fields keep their defaults.
	require.Equal(t, "/sys/devices/system/cpu", cfg.SysfsRoot)
}

func TestLoadEmptyFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("statePath: [broken"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnparseableDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("authTimeout: banana\n"), 0o644))

	_, err := config.Load(path)
	require.ErrorContains(t, err, "banana")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`statePath: ""`), 0o644))

	_, err := config.Load(path)
	require.ErrorContains(t, err, "statePath")
}
