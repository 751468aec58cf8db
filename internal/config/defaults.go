package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "keyguard"

// PlatformDataDir returns the platform-specific data directory, or
// KEYGUARD_DATA_DIR when set.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keyguard/
//   - Linux:   ~/.local/share/keyguard/
//   - Windows: %APPDATA%\keyguard\
func PlatformDataDir() string {
	if dir := os.Getenv("KEYGUARD_DATA_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "windows":
		return windowsDir("APPDATA", "Roaming")
	default:
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		return xdgDir("XDG_CONFIG_HOME", ".config")
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/keyguard/
//   - Linux:   ~/.local/state/keyguard/
//   - Windows: %LOCALAPPDATA%\keyguard\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "windows":
		return filepath.Join(windowsDir("LOCALAPPDATA", "Local"), "logs")
	default:
		return xdgDir("XDG_STATE_HOME", ".local", "state")
	}
}

// PlatformRuntimeDir returns the directory for the control socket.
// Windows listens on loopback TCP and has none.
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "windows":
		return ""
	case "linux":
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, appName)
		}
	}
	return filepath.Join(os.TempDir(), appName+"-"+getUserID())
}

func homeDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home
}

func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	parts := append([]string{homeDir()}, fallback...)
	return filepath.Join(append(parts, appName)...)
}

func windowsDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(homeDir(), "AppData", fallback, appName)
}

func getUserID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

// DefaultPaths holds every default location for the current platform.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	LogDir     string
	RuntimeDir string

	ConfigFile string
	SocketPath string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	configDir := PlatformConfigDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    PlatformDataDir(),
		ConfigDir:  configDir,
		LogDir:     PlatformLogDir(),
		RuntimeDir: runtimeDir,
		ConfigFile: filepath.Join(configDir, "config.toml"),
		SocketPath: defaultSocketPath(runtimeDir),
	}
}

func defaultSocketPath(runtimeDir string) string {
	if runtime.GOOS == "windows" {
		return "127.0.0.1:47017"
	}
	return filepath.Join(runtimeDir, appName+".sock")
}

// SupportedConfigFormats lists the recognised config file extensions.
func SupportedConfigFormats() []string {
	return []string{".toml", ".yaml", ".yml", ".json"}
}
