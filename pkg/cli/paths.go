package cli

import (
	"os"
	"path/filepath"
)

// Paths resolves the tool's per-user directory layout.
type Paths struct {
	// HomeDir is the user's home directory.
	HomeDir string
}

// NewPaths creates a Paths instance rooted at the user's home directory.
func NewPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{HomeDir: home}, nil
}

// BaseDir returns the base directory (~/.cringekd).
func (p *Paths) BaseDir() string {
	return filepath.Join(p.HomeDir, DefaultBaseDir)
}

// ConfigFile returns the settings file path (~/.cringekd/config.yaml).
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.BaseDir(), DefaultConfigFile)
}

// RunsDir returns the run registry database directory (~/.cringekd/runs).
func (p *Paths) RunsDir() string {
	return filepath.Join(p.BaseDir(), "runs")
}

// EnsureBaseDir creates the base directory if it doesn't exist.
func (p *Paths) EnsureBaseDir() error {
	return os.MkdirAll(p.BaseDir(), 0o755)
}

// EnsureRunsDir creates the runs directory if it doesn't exist.
func (p *Paths) EnsureRunsDir() error {
	return os.MkdirAll(p.RunsDir(), 0o755)
}
