package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
control_sock: unix:/run/keeper/control.sock
workers:
  - name: web
    executable_path: /usr/bin/webapp
    args: ["--port", "8080"]
    auto_upgrade: true
    upgrader: /usr/local/bin/fetch-release
    upgrader_active_interval: 5m
    upgrader_timeout: 30s
  - name: worker
    executable_path: /usr/bin/jobrunner
    numprocesses: 2
`)

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, "unix:/run/keeper/control.sock", cfg.ControlSock)
	assert.Equal(t, "/run/keeper", cfg.SockDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"web", "worker"}, cfg.WorkerNames())

	web, ok := cfg.Worker("web")
	require.True(t, ok)
	assert.True(t, web.AutoUpgrade)
	assert.Equal(t, 5*time.Minute, web.UpgraderActiveInterval)
	assert.Equal(t, 30*time.Second, web.UpgraderTimeout)
	assert.Equal(t, 1, web.NumProcesses)

	worker, ok := cfg.Worker("worker")
	require.True(t, ok)
	assert.Equal(t, 2, worker.NumProcesses)
	assert.Equal(t, defaultUpgraderTimeout, worker.UpgraderTimeout)

	_, ok = cfg.Worker("missing")
	assert.False(t, ok)
}

func TestLoadConfigFromFile_MissingFile(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFromFile_MalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "control_sock: [")
	_, err := LoadConfigFromFile(path)
	assert.Error(t, err)
}

func TestValidateConfig_Failures(t *testing.T) {
	base := func() *Config {
		return &Config{
			ControlSock: "/tmp/keeper.sock",
			SockDir:     "/tmp",
			Workers: []WorkerConfig{
				{Name: "web", ExecutablePath: "/usr/bin/webapp", NumProcesses: 1},
			},
		}
	}

	assert.Error(t, ValidateConfig(nil))

	cfg := base()
	cfg.ControlSock = ""
	assert.Error(t, ValidateConfig(cfg))

	cfg = base()
	cfg.Workers = nil
	assert.Error(t, ValidateConfig(cfg))

	cfg = base()
	cfg.Workers[0].Name = ""
	assert.Error(t, ValidateConfig(cfg))

	cfg = base()
	cfg.Workers = append(cfg.Workers, cfg.Workers[0])
	assert.Error(t, ValidateConfig(cfg))

	cfg = base()
	cfg.Workers[0].ExecutablePath = ""
	assert.Error(t, ValidateConfig(cfg))

	cfg = base()
	cfg.Workers[0].UpgraderActiveInterval = -time.Second
	assert.Error(t, ValidateConfig(cfg))
}

func TestWorkerControlSock(t *testing.T) {
	cfg := &Config{ControlSock: "/run/keeper/control.sock", SockDir: "/run/keeper"}
	assert.Equal(t, "/run/keeper/web.sock", cfg.WorkerControlSock("web"))

	// Deterministic: same name, same path.
	assert.Equal(t, cfg.WorkerControlSock("web"), cfg.WorkerControlSock("web"))
}

func TestControlSockPath(t *testing.T) {
	cfg := &Config{ControlSock: "unix:/run/keeper/control.sock"}
	assert.Equal(t, "/run/keeper/control.sock", cfg.ControlSockPath())

	cfg = &Config{ControlSock: "/run/keeper/control.sock"}
	assert.Equal(t, "/run/keeper/control.sock", cfg.ControlSockPath())

	cfg = &Config{ControlSock: "fd:3"}
	assert.Equal(t, "", cfg.ControlSockPath())
}
