package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

const (
	// DefaultBaseDir is the base configuration directory name
	DefaultBaseDir = ".cringekd"
	// DefaultConfigFile is the settings filename
	DefaultConfigFile = "config.yaml"
)

// Settings holds per-user defaults that commands fall back to when the
// corresponding flag is not set.
type Settings struct {
	// Store is the default dataset/artifact store URL ("" for the local
	// filesystem, or s3://bucket/prefix).
	Store string `yaml:"store,omitempty"`

	// Runtime is the default training runtime websocket URL.
	Runtime string `yaml:"runtime,omitempty"`

	// RunsDir overrides where the run registry database lives.
	RunsDir string `yaml:"runs_dir,omitempty"`

	// path is where the settings were loaded from
	path string
}

// LoadSettings loads the settings from ~/.cringekd/config.yaml, creating
// an empty file on first use.
func LoadSettings() (*Settings, error) {
	paths, err := NewPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadSettingsFromPath(paths.ConfigFile())
}

// LoadSettingsFromPath loads settings from a custom path.
func LoadSettingsFromPath(path string) (*Settings, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	s := &Settings{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Create empty settings file
			return s, s.Save()
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	s.path = path

	return s, nil
}

// Save saves the settings to disk
func (s *Settings) Save() error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	return nil
}

// Path returns the settings file path
func (s *Settings) Path() string {
	return s.path
}

// Dir returns the settings directory path
func (s *Settings) Dir() string {
	return filepath.Dir(s.path)
}
