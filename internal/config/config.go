// Package config locates the kernelfs configuration directory and loads
// the global settings file kept there.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"kernelfs/internal/artifacts"
)

// Mount types accepted in the mount table.
const (
	TypeMinix3  = "minix3"
	TypeDevFS   = "devfs"
	TypeStorage = "storage"
)

// EnvConfigDir overrides the configuration directory.
const EnvConfigDir = "KERNELFS_CONFIG_DIR"

// getConfigDir returns the config directory path.
// Uses KERNELFS_CONFIG_DIR env var if set, otherwise defaults to ~/.kernelfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kernelfs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SettingsPath returns the global settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// LogPath returns the log file path used by `kernelfs serve`.
// Uses KERNELFS_LOG env var if set.
func LogPath() string {
	if envPath := os.Getenv("KERNELFS_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "kernelfs.log")
}

// PIDPath returns the pid file written by `kernelfs serve`.
func PIDPath() string {
	return filepath.Join(getConfigDir(), "serve.pid")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default
// settings file when none exists.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path := SettingsPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// MountSpec is one row of the mount table.
type MountSpec struct {
	Path   string `yaml:"path"`
	Type   string `yaml:"type"`
	Source string `yaml:"source,omitempty"`
	// Init runs the backend's Init during mount (default true).
	Init *bool `yaml:"init,omitempty"`
}

// InitOnMount reports whether the backend is initialized while mounting.
func (m MountSpec) InitOnMount() bool {
	return m.Init == nil || *m.Init
}

// Settings is the content of settings.yaml.
type Settings struct {
	LogLevel         string      `yaml:"log_level"`          // trace, debug, info, warn, error, off
	BlockCacheBlocks int         `yaml:"block_cache_blocks"` // blocks cached per Minix3 mount
	IndexOnMount     bool        `yaml:"index_on_mount"`     // rebuild the path cache after mounting
	BusyTimeout      int         `yaml:"busy_timeout"`       // SQLite busy_timeout (ms), 0 = default
	NFSAddr          string      `yaml:"nfs_addr"`
	MetricsAddr      string      `yaml:"metrics_addr"`
	Mounts           []MountSpec `yaml:"mounts"`
}

// DefaultSettings parses the embedded settings template.
func DefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// LoadSettings reads SettingsPath, falling back to the embedded defaults
// when the file does not exist. Keys missing from the file keep their
// default values.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFromPath(SettingsPath())
}

// LoadSettingsFromPath is LoadSettings for an explicit file.
func LoadSettingsFromPath(path string) (*Settings, error) {
	settings := DefaultSettings()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &settings, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &settings, nil
}

// SaveSettings writes settings to SettingsPath.
func SaveSettings(settings *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# kernelfs settings\n# See: kernelfs --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}

// Validate checks the mount table.
func (s *Settings) Validate() error {
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return err
	}
	for i, m := range s.Mounts {
		if i == 0 && m.Path != "/" {
			return fmt.Errorf("mount 0: first mount must be at \"/\", got %q", m.Path)
		}
		if !strings.HasPrefix(m.Path, "/") {
			return fmt.Errorf("mount %d: path %q is not absolute", i, m.Path)
		}
		switch m.Type {
		case TypeMinix3, TypeStorage:
			if m.Source == "" {
				return fmt.Errorf("mount %d: %s needs a source", i, m.Type)
			}
		case TypeDevFS:
		default:
			return fmt.Errorf("mount %d: unknown type %q", i, m.Type)
		}
	}
	return nil
}

// ParseLogLevel maps a settings log level to logrus. "off", "none" and
// the empty string disable logging and return (0, nil).
func ParseLogLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "", "off", "none":
		return 0, nil
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

// ConfigureLogging points logrus at out with the given level, or discards
// everything when the level is off.
func ConfigureLogging(level string, out io.Writer) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	switch strings.ToLower(level) {
	case "", "off", "none":
		logrus.SetOutput(io.Discard)
		return nil
	}
	logrus.SetOutput(out)
	logrus.SetLevel(lvl)
	return nil
}
