package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
	if cfg.Journal.Path != ":memory:" {
		t.Errorf("expected in-memory journal by default, got %s", cfg.Journal.Path)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics endpoint should be off by default")
	}
	if !strings.HasSuffix(cfg.Logging.FilePath, "keyguard.log") {
		t.Errorf("unexpected log path %s", cfg.Logging.FilePath)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("KEYGUARD_CONFIG", "")
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}

	t.Setenv("KEYGUARD_CONFIG", "/etc/keyguard.yaml")
	if got := ConfigPath(); got != "/etc/keyguard.yaml" {
		t.Errorf("expected env override, got %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "config.toml", `
version = 1
[logging]
level = "debug"
format = "json"
[source]
devices = ["/dev/input/event3"]
[journal]
path = "/var/lib/keyguard/incidents.db"
`},
		{"yaml", "config.yaml", `
version: 1
logging:
  level: debug
  format: json
source:
  devices: [/dev/input/event3]
journal:
  path: /var/lib/keyguard/incidents.db
`},
		{"json", "config.json", `{
  "version": 1,
  "logging": {"level": "debug", "format": "json"},
  "source": {"devices": ["/dev/input/event3"]},
  "journal": {"path": "/var/lib/keyguard/incidents.db"}
}`},
		{"autodetect", "keyguard.conf", `
version = 1
[logging]
level = "debug"
format = "json"
[source]
devices = ["/dev/input/event3"]
[journal]
path = "/var/lib/keyguard/incidents.db"
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "debug", cfg.Logging.Level)
			assert.Equal(t, "json", cfg.Logging.Format)
			assert.Equal(t, []string{"/dev/input/event3"}, cfg.Source.Devices)
			assert.Equal(t, "/var/lib/keyguard/incidents.db", cfg.Journal.Path)

			// Untouched sections keep their defaults.
			assert.Equal(t, 256, cfg.Notify.QueueSize)
			assert.True(t, cfg.Audit.Enabled)
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[logging]
level = "verbose"
[notify]
queue_size = 0
[metrics]
enabled = true
listen = "0.0.0.0:9464"
`), 0600))

	_, err := Load(path)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.True(t, verrs.Has("logging.level"))
	assert.True(t, verrs.Has("notify.queue_size"))
	assert.True(t, verrs.Has("metrics.listen"))
	assert.False(t, verrs.Has("journal.path"))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KEYGUARD_LOG_LEVEL", "warn")
	t.Setenv("KEYGUARD_JOURNAL_PATH", "/tmp/j.db")
	t.Setenv("KEYGUARD_METRICS_LISTEN", "127.0.0.1:9999")
	t.Setenv("KEYGUARD_NOTIFY_DESKTOP", "false")
	t.Setenv("KEYGUARD_DEVICES", "/dev/input/event1"+string(os.PathListSeparator)+"/dev/input/event2")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/tmp/j.db", cfg.Journal.Path)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Listen)
	assert.False(t, cfg.Notify.Desktop)
	assert.Equal(t, []string{"/dev/input/event1", "/dev/input/event2"}, cfg.Source.Devices)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Source.Devices = []string{"/dev/input/event7"}
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", loaded.Logging.Level)
	assert.Equal(t, cfg.Source.Devices, loaded.Source.Devices)
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source.Devices = []string{"a"}

	clone := cfg.Clone()
	clone.Source.Devices[0] = "b"
	clone.Logging.Level = "debug"

	assert.Equal(t, "a", cfg.Source.Devices[0])
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Logging.FilePath = filepath.Join(dir, "logs", "keyguard.log")
	cfg.Audit.FilePath = filepath.Join(dir, "audit", "audit.log")
	cfg.Journal.Path = filepath.Join(dir, "data", "incidents.db")
	cfg.IPC.SocketPath = filepath.Join(dir, "run", "keyguard.sock")

	require.NoError(t, cfg.EnsureDirectories())
	for _, sub := range []string{"logs", "audit", "data", "run"} {
		assert.DirExists(t, filepath.Join(dir, sub))
	}
}

func TestIsMemoryJournal(t *testing.T) {
	assert.True(t, IsMemoryJournal(":memory:"))
	assert.True(t, IsMemoryJournal("file::memory:?cache=shared"))
	assert.False(t, IsMemoryJournal("/tmp/incidents.db"))
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"info\"\n"), 0600))

	l := NewLoader(path)
	l.debounce = 10 * time.Millisecond
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Logging.Level)

	changed := make(chan [2]string, 16)
	l.OnChange(func(old, updated *Config) {
		changed <- [2]string{old.Logging.Level, updated.Logging.Level}
	})
	require.NoError(t, l.Watch())
	defer l.Close()

	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"debug\"\n"), 0600))

	// A write can surface as several events; wait for the one carrying
	// the new level.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-changed:
			if got[1] != "debug" {
				continue
			}
		case <-timeout:
			t.Fatal("config change not observed")
		}
		break
	}
	assert.Equal(t, "debug", l.Config().Logging.Level)
}

func TestLoaderReloadRunsEveryCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"info\"\n"), 0600))

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	var seen []string
	l.OnChange(func(old, updated *Config) {
		seen = append(seen, "first:"+old.Logging.Level+"->"+updated.Logging.Level)
		// Registering from inside a callback must not deadlock or join
		// the reload already in progress.
		l.OnChange(func(_, updated *Config) {
			seen = append(seen, "late:"+updated.Logging.Level)
		})
	})
	l.OnChange(func(_, updated *Config) {
		seen = append(seen, "second:"+updated.Logging.Level)
	})

	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"debug\"\n"), 0600))
	l.reload()
	assert.Equal(t, []string{"first:info->debug", "second:debug"}, seen)

	seen = nil
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"warn\"\n"), 0600))
	l.reload()
	assert.Equal(t, []string{"first:debug->warn", "second:warn", "late:warn"}, seen)
}

func TestLoaderKeepsConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"info\"\n"), 0600))

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"loud\"\n"), 0600))
	l.reload()

	assert.Equal(t, "info", l.Config().Logging.Level)
	select {
	case err := <-l.Errors():
		assert.Contains(t, err.Error(), "logging.level")
	default:
		t.Fatal("expected reload error")
	}
}

func TestEncode(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, Encode(&sb, DefaultConfig()))
	assert.Contains(t, sb.String(), "[logging]")
	assert.Contains(t, sb.String(), `path = ":memory:"`)
}
