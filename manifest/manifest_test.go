package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/minigc/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[heap]
initial-threshold = 32
min-threshold = 8
root-capacity = 64

[log]
verbosity = 2
file = "gc.log"

[stats]
database = "stats.db"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Heap.InitialThreshold != 32 {
		t.Errorf("initial-threshold = %d, want 32", m.Heap.InitialThreshold)
	}
	if m.Heap.MinThreshold != 8 {
		t.Errorf("min-threshold = %d, want 8", m.Heap.MinThreshold)
	}
	if m.Heap.RootCapacity != 64 {
		t.Errorf("root-capacity = %d, want 64", m.Heap.RootCapacity)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", m.Log.Verbosity)
	}

	absDir, _ := filepath.Abs(dir)
	if m.Dir != absDir {
		t.Errorf("Dir = %q, want %q", m.Dir, absDir)
	}
	if got := m.DatabasePath(); got != filepath.Join(absDir, "stats.db") {
		t.Errorf("DatabasePath = %q", got)
	}
	if got := m.LogPath(); got != filepath.Join(absDir, "gc.log") {
		t.Errorf("LogPath = %q", got)
	}

	cfg := m.VMConfig()
	want := vm.Config{InitialThreshold: 32, MinThreshold: 8, RootCapacity: 64}
	if cfg != want {
		t.Errorf("VMConfig = %+v, want %+v", cfg, want)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[stats]
database = ":memory:"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Heap.InitialThreshold != vm.DefaultInitialThreshold {
		t.Errorf("initial-threshold = %d, want %d", m.Heap.InitialThreshold, vm.DefaultInitialThreshold)
	}
	if m.Heap.RootCapacity != vm.DefaultRootCapacity {
		t.Errorf("root-capacity = %d, want %d", m.Heap.RootCapacity, vm.DefaultRootCapacity)
	}
	if m.DatabasePath() != ":memory:" {
		t.Errorf("DatabasePath = %q, want :memory:", m.DatabasePath())
	}
	if m.LogPath() != "" {
		t.Errorf("LogPath = %q, want empty", m.LogPath())
	}
}

func TestLoadManifestExplicitZeroThreshold(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[heap]
initial-threshold = 0
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Heap.InitialThreshold != 0 {
		t.Errorf("initial-threshold = %d, want 0", m.Heap.InitialThreshold)
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	cases := map[string]string{
		"negative threshold":     "[heap]\ninitial-threshold = -1\n",
		"zero capacity":          "[heap]\nroot-capacity = 0\n",
		"verbosity":              "[log]\nverbosity = 9\n",
		"verbosity above debug":  "[log]\nverbosity = 3\n",
		"verbosity below silent": "[log]\nverbosity = -5\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, content)
			if _, err := Load(dir); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadManifestParseError(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[heap\ninitial-threshold = ")

	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadManifestMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[heap]\ninitial-threshold = 5\n")

	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Heap.InitialThreshold != 5 {
		t.Errorf("initial-threshold = %d, want 5", m.Heap.InitialThreshold)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil manifest, got %+v", m)
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}
