// Package cputest builds throwaway sysfs-style directory trees for tests.
package cputest

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// FakeCore describes one cpuN directory in a fake tree. A nil Attrs map
// produces a core directory without cpufreq support.
type FakeCore struct {
	Index int
	Attrs map[string]string
}

// DefaultAttrs returns a fully-populated cpufreq attribute set.
func DefaultAttrs(governor, available string) map[string]string {
	return map[string]string{
		"cpufreq/scaling_governor":            governor + "\n",
		"cpufreq/scaling_available_governors": available + "\n",
		"cpufreq/scaling_cur_freq":            "2400000\n",
		"cpufreq/cpuinfo_min_freq":            "800000\n",
		"cpufreq/cpuinfo_max_freq":            "4200000\n",
	}
}

// WriteTree materializes the fake cores under root and returns root.
func WriteTree(t *testing.T, root string, cores ...FakeCore) string {
	t.Helper()

	for _, core := range cores {
		dir := filepath.Join(root, "cpu"+strconv.Itoa(core.Index))
		if core.Attrs == nil {
			mkdir(t, dir)
			continue
		}
		for attr, content := range core.Attrs {
			path := filepath.Join(dir, attr)
			mkdir(t, filepath.Dir(path))
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write %s: %v", path, err)
			}
		}
	}
	return root
}

// WriteFile drops a single file under root, creating parents.
func WriteFile(t *testing.T, root, name, content string) string {
	t.Helper()

	path := filepath.Join(root, name)
	mkdir(t, filepath.Dir(path))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func mkdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
}
