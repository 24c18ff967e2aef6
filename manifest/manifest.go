// Package manifest handles minigc.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/minigc/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "minigc.toml"

// Manifest represents a minigc.toml configuration.
type Manifest struct {
	Heap  HeapConfig  `toml:"heap" json:"heap"`
	Log   LogConfig   `toml:"log" json:"log"`
	Stats StatsConfig `toml:"stats" json:"stats"`

	// Dir is the directory containing the minigc.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// HeapConfig sizes the VM heap and root set.
type HeapConfig struct {
	InitialThreshold int `toml:"initial-threshold" json:"initial-threshold"`
	MinThreshold     int `toml:"min-threshold" json:"min-threshold"`
	RootCapacity     int `toml:"root-capacity" json:"root-capacity"`
}

// LogConfig configures commonlog. Verbosity follows commonlog.Configure:
// 0 logs notices and above, 1 adds info, 2 adds debug, negative values
// silence progressively more.
type LogConfig struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// StatsConfig configures the collection history store.
type StatsConfig struct {
	Database string `toml:"database" json:"database"`
}

// Default returns the configuration used when no minigc.toml exists.
func Default() *Manifest {
	return &Manifest{
		Heap: HeapConfig{
			InitialThreshold: vm.DefaultInitialThreshold,
			RootCapacity:     vm.DefaultRootCapacity,
		},
	}
}

// Load parses the minigc.toml file in the given directory.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses a configuration file at an explicit path. Keys absent
// from the file keep their Default values.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if _, err := toml.Decode(string(data), m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a minigc.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// VMConfig converts the heap section into a vm.Config.
func (m *Manifest) VMConfig() vm.Config {
	return vm.Config{
		InitialThreshold: m.Heap.InitialThreshold,
		MinThreshold:     m.Heap.MinThreshold,
		RootCapacity:     m.Heap.RootCapacity,
	}
}

// DatabasePath returns the stats database path resolved against Dir, or ""
// when stats recording is off. ":memory:" is passed through.
func (m *Manifest) DatabasePath() string {
	return m.resolve(m.Stats.Database)
}

// LogPath returns the log file path resolved against Dir, or "" for stderr.
func (m *Manifest) LogPath() string {
	return m.resolve(m.Log.File)
}

func (m *Manifest) resolve(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
