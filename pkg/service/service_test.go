package service

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/serverket/cpugovd/pkg/governor"
)

func TestMapErrorInvalidGovernor(t *testing.T) {
	err := mapError(&governor.InvalidGovernorError{
		Requested: "turbo",
		Available: []string{"performance", "powersave", "schedutil"},
	})

	require.Equal(t, ErrNameInvalidGovernor, err.Name)
	require.Len(t, err.Body, 1)
	msg := err.Body[0].(string)
	require.Contains(t, msg, "turbo")
	require.Contains(t, msg, "performance, powersave, schedutil")
}

func TestMapErrorNotAuthorized(t *testing.T) {
	err := mapError(governor.ErrNotAuthorized)
	require.Equal(t, ErrNameNotAuthorized, err.Name)
}

func TestMapErrorUnavailable(t *testing.T) {
	err := mapError(governor.ErrNoCores)
	require.Equal(t, ErrNameUnavailable, err.Name)
}

func TestMapErrorIOFailure(t *testing.T) {
	err := mapError(&governor.ApplyError{
		Governor: "performance",
		Errs:     []error{errors.New("write cpu0: permission denied")},
	})
	require.Equal(t, ErrNameIOFailure, err.Name)
}

func TestMapErrorFallback(t *testing.T) {
	err := mapError(errors.New("boom"))
	require.Equal(t, "org.freedesktop.DBus.Error.Failed", err.Name)
}

func TestSnapshotToWire(t *testing.T) {
	wire := snapshotToWire(governor.Snapshot{
		Model:     "Intel(R) Core(TM) i7-1165G7",
		CoreCount: 2,
		Online:    "0-1",
		LoadAvg:   []float64{0.5, 0.4, 0.3},
		Cores: []governor.CoreInfo{
			{Name: "cpu0", Governor: "powersave", CurFreqKHz: 2400000, MinFreqKHz: 800000, MaxFreqKHz: 4200000},
			{Name: "cpu1", Governor: "powersave"},
		},
	})

	require.Equal(t, dbus.MakeVariant("Intel(R) Core(TM) i7-1165G7"), wire["model"])
	require.Equal(t, dbus.MakeVariant(int32(2)), wire["core_count"])
	require.Equal(t, dbus.MakeVariant("0-1"), wire["online"])
	require.Equal(t, dbus.MakeVariant([]float64{0.5, 0.4, 0.3}), wire["load_avg"])

	perCore := wire["per_core"].Value().([]map[string]dbus.Variant)
	require.Len(t, perCore, 2)
	require.Equal(t, dbus.MakeVariant("cpu0"), perCore[0]["name"])
	require.Equal(t, dbus.MakeVariant(uint64(2400000)), perCore[0]["cur_freq_khz"])
	// Unknown frequencies stay zero rather than being dropped.
	require.Equal(t, dbus.MakeVariant(uint64(0)), perCore[1]["min_freq_khz"])
}

func TestSnapshotToWireEmpty(t *testing.T) {
	wire := snapshotToWire(governor.Snapshot{Model: "Unknown"})

	require.Equal(t, dbus.MakeVariant(int32(0)), wire["core_count"])
	require.NotContains(t, wire, "load_avg")

	perCore := wire["per_core"].Value().([]map[string]dbus.Variant)
	require.Empty(t, perCore)
}
