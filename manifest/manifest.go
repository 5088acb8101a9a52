// Package manifest handles passer.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/passer/vm"
)

// FileName is the name of the manifest file.
const FileName = "passer.toml"

// Manifest represents a passer.toml project configuration.
type Manifest struct {
	VM      VMConfig      `toml:"vm"`
	Log     LogConfig     `toml:"log"`
	Program ProgramConfig `toml:"program"`

	// Dir is the directory containing the passer.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig sets the VM's resource limits. Zero values take the VM's
// defaults.
type VMConfig struct {
	MaxFrameDepth int `toml:"max-frame-depth"`
	InitialStack  int `toml:"initial-stack"`
	GCThreshold   int `toml:"gc-threshold"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// ProgramConfig names what the host runs.
type ProgramConfig struct {
	Unit  string `toml:"unit"`
	Store string `toml:"store"`
}

// Default returns the manifest used when no passer.toml exists.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses a passer.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("manifest: parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("manifest: unknown key %s in %s", undecoded[0], path)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("manifest: cannot resolve path %s: %w", dir, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find a passer.toml file,
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

func (m *Manifest) validate() error {
	switch {
	case m.VM.MaxFrameDepth < 0:
		return fmt.Errorf("vm.max-frame-depth must not be negative")
	case m.VM.InitialStack < 0:
		return fmt.Errorf("vm.initial-stack must not be negative")
	case m.VM.GCThreshold < 0:
		return fmt.Errorf("vm.gc-threshold must not be negative")
	}
	return nil
}

func (m *Manifest) applyDefaults() {
	defaults := vm.DefaultConfig()
	if m.VM.MaxFrameDepth == 0 {
		m.VM.MaxFrameDepth = defaults.MaxFrameDepth
	}
	if m.VM.InitialStack == 0 {
		m.VM.InitialStack = defaults.InitialStack
	}
}

// VMConfig returns the configuration for vm.New.
func (m *Manifest) VMConfig() vm.Config {
	return vm.Config{
		MaxFrameDepth: m.VM.MaxFrameDepth,
		InitialStack:  m.VM.InitialStack,
		GCThreshold:   m.VM.GCThreshold,
	}
}

// UnitPath returns the absolute path of the configured unit, or "".
func (m *Manifest) UnitPath() string {
	return m.resolve(m.Program.Unit)
}

// StorePath returns the absolute path of the configured unit store, or "".
func (m *Manifest) StorePath() string {
	return m.resolve(m.Program.Store)
}

// LogPath returns the absolute path of the log file, or "" for stderr.
func (m *Manifest) LogPath() string {
	return m.resolve(m.Log.Path)
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
