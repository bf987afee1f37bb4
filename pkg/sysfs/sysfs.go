// Package sysfs is the I/O boundary to the kernel's cpufreq control files.
// It carries no policy: callers decide what to write, sysfs decides what it
// means.
package sysfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultRoot        = "/sys/devices/system/cpu"
	DefaultCPUInfoPath = "/proc/cpuinfo"

	AttrGovernor           = "cpufreq/scaling_governor"
	AttrAvailableGovernors = "cpufreq/scaling_available_governors"
	AttrCurFreq            = "cpufreq/scaling_cur_freq"
	AttrMinFreq            = "cpufreq/cpuinfo_min_freq"
	AttrMaxFreq            = "cpufreq/cpuinfo_max_freq"
)

// Core identifies a single cpufreq-capable CPU directory.
type Core struct {
	Index int
	Path  string
}

func (c Core) Name() string {
	return "cpu" + strconv.Itoa(c.Index)
}

// Accessor reads and writes per-core control files under a sysfs root.
// Every Write changes live hardware scaling behaviour; there is no dry-run
// mode.
type Accessor struct {
	root        string
	cpuinfoPath string
	log         *zap.SugaredLogger
}

type Option func(*Accessor)

// WithCPUInfoPath overrides the system descriptor file used for the CPU
// model string.
func WithCPUInfoPath(path string) Option {
	return func(a *Accessor) { a.cpuinfoPath = path }
}

func New(root string, opts ...Option) *Accessor {
	if root == "" {
		root = DefaultRoot
	}
	a := &Accessor{
		root:        root,
		cpuinfoPath: DefaultCPUInfoPath,
		log:         zap.S().Named("sysfs"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ListCores returns the cpuN directories that expose a scaling_governor
// file, ordered by core index. Cores without cpufreq support are excluded
// from all operations.
func (a *Accessor) ListCores() []Core {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		a.log.Debugw("cannot enumerate cores", "root", a.root, "error", err)
		return nil
	}

	var cores []Core
	for _, e := range entries {
		idx, ok := coreIndex(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(a.root, e.Name())
		if _, err := os.Stat(filepath.Join(path, AttrGovernor)); err != nil {
			continue
		}
		cores = append(cores, Core{Index: idx, Path: path})
	}

	sort.Slice(cores, func(i, j int) bool { return cores[i].Index < cores[j].Index })
	return cores
}

// Read returns the trimmed content of a core attribute, or the empty string
// on any failure. Callers treat empty as "unknown".
func (a *Accessor) Read(core Core, attr string) string {
	raw, err := os.ReadFile(filepath.Join(core.Path, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// Write sets a core attribute. The failure is propagated untouched; the
// kernel rejecting a value and a permission error look the same to callers.
func (a *Accessor) Write(core Core, attr, value string) error {
	path := filepath.Join(core.Path, attr)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// OnlineRange returns the kernel's online-CPU descriptor (e.g. "0-7"),
// empty when unreadable.
func (a *Accessor) OnlineRange() string {
	raw, err := os.ReadFile(filepath.Join(a.root, "online"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// ModelName returns the first "model name" entry of the system descriptor
// file, or "Unknown" when it cannot be determined.
func (a *Accessor) ModelName() string {
	f, err := os.Open(a.cpuinfoPath)
	if err != nil {
		return "Unknown"
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "model name") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return "Unknown"
}

func coreIndex(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, "cpu")
	if !ok || digits == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(digits)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
