// Package config handles configuration loading, validation, and management for keyguard.
//
// Detection thresholds are compiled in and cannot be set from a file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"keyguard/internal/security"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Audit trail of flags and lockouts.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// Source selects and tunes the key event source.
	Source SourceConfig `toml:"source" json:"source" yaml:"source"`

	// Notify configures where flag and lockout notices go.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`

	// Journal configures the incident journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// IPC configuration for keyguardctl.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Metrics endpoint configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file used when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the size at which the log file rotates.
	MaxSizeMB int64 `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// LogKeyCodes writes key identifiers in clear instead of redacting them.
	LogKeyCodes bool `toml:"log_key_codes" json:"log_key_codes" yaml:"log_key_codes"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Enabled  bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// SourceConfig holds key source configuration.
type SourceConfig struct {
	// Devices lists evdev nodes to read on Linux. Empty means every
	// keyboard found in /proc/bus/input/devices.
	Devices []string `toml:"devices" json:"devices" yaml:"devices"`
}

// NotifyConfig holds notification configuration.
type NotifyConfig struct {
	// Desktop posts desktop notifications on lockouts (Linux, D-Bus).
	Desktop bool `toml:"desktop" json:"desktop" yaml:"desktop"`

	// DesktopFlags also posts a notification for every flag.
	DesktopFlags bool `toml:"desktop_flags" json:"desktop_flags" yaml:"desktop_flags"`

	// QueueSize is the notification buffer. Notices beyond it are dropped
	// rather than delaying key delivery.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// JournalConfig holds incident journal configuration.
type JournalConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database. ":memory:" keeps incidents for the
	// lifetime of the daemon only.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the Unix socket; on Windows it is a loopback address.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()
	return &Config{
		Version: Version,
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(paths.LogDir, "keyguard.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Audit: AuditConfig{
			Enabled:  true,
			FilePath: filepath.Join(paths.LogDir, "audit.log"),
		},
		Notify: NotifyConfig{
			Desktop:   true,
			QueueSize: 256,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    ":memory:",
		},
		IPC: IPCConfig{
			Enabled:    true,
			SocketPath: paths.SocketPath,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if p := os.Getenv("KEYGUARD_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads the configuration at path, applies environment overrides and
// validates it. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as TOML. The file is replaced atomically with mode 0600.
func Save(cfg *Config, path string) error {
	return security.WriteAtomic(path, security.PermPrivateFile, func(w io.Writer) error {
		return Encode(w, cfg)
	})
}

// Encode writes cfg to w as TOML.
func Encode(w io.Writer, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into. The
// socket directory is also made private, since peers are trusted by
// reaching it.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dirs := []string{filepath.Dir(c.Logging.FilePath)}
	if c.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(c.Audit.FilePath))
	}
	if c.Journal.Enabled && !IsMemoryJournal(c.Journal.Path) {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if c.IPC.Enabled && !strings.Contains(c.IPC.SocketPath, ":") {
		if dir := filepath.Dir(c.IPC.SocketPath); dir != "." {
			if err := security.EnsurePrivateDir(dir); err != nil {
				return fmt.Errorf("socket directory %s: %w", dir, err)
			}
		}
	}
	return nil
}

// IsMemoryJournal reports whether path names an in-memory SQLite database.
func IsMemoryJournal(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with KEYGUARD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("KEYGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYGUARD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("KEYGUARD_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("KEYGUARD_LOG_FILE"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("KEYGUARD_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("KEYGUARD_IPC_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("KEYGUARD_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("KEYGUARD_NOTIFY_DESKTOP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Notify.Desktop = b
		}
	}
	if v := os.Getenv("KEYGUARD_DEVICES"); v != "" {
		c.Source.Devices = strings.Split(v, string(os.PathListSeparator))
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version: c.Version,
		Logging: c.Logging,
		Audit:   c.Audit,
		Source:  c.Source,
		Notify:  c.Notify,
		Journal: c.Journal,
		IPC:     c.IPC,
		Metrics: c.Metrics,
	}
	clone.Source.Devices = append([]string(nil), c.Source.Devices...)
	return clone
}
