//go:build !windows

package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/proc-tools/keeper/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type monitorMockLogger struct{}

func (m *monitorMockLogger) Debugf(format string, args ...interface{}) {}
func (m *monitorMockLogger) Infof(format string, args ...interface{})  {}
func (m *monitorMockLogger) Warnf(format string, args ...interface{})  {}
func (m *monitorMockLogger) Errorf(format string, args ...interface{}) {}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestMonitor(t *testing.T, script string, numProcs int) *Monitor {
	t.Helper()
	wc := &config.WorkerConfig{
		Name:           "test",
		ExecutablePath: script,
		NumProcesses:   numProcs,
	}
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	return New("test", wc, sockPath, &monitorMockLogger{})
}

func waitLiveness(t *testing.T, m *Monitor, want Liveness) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return m.TryWait() == want
	}, 5*time.Second, 10*time.Millisecond, "expected liveness %s", want)
}

func TestSpawn_RecordsBinaryState(t *testing.T) {
	script := writeScript(t, "worker", "sleep 60")
	m := newTestMonitor(t, script, 1)

	started, err := m.Spawn()
	require.NoError(t, err)
	require.True(t, started)
	defer m.KillAll()

	assert.Equal(t, script, m.CmdPath)
	info, err := os.Stat(script)
	require.NoError(t, err)
	assert.True(t, m.CmdMtime.Equal(info.ModTime()))
	assert.Len(t, m.PIDs(), 1)
	assert.Equal(t, LivenessRunning, m.TryWait())
}

func TestSpawn_MissingBinary(t *testing.T) {
	m := newTestMonitor(t, filepath.Join(t.TempDir(), "gone"), 1)
	started, err := m.Spawn()
	assert.Error(t, err)
	assert.False(t, started)
}

func TestTryWait_CleanExitIsInterrupt(t *testing.T) {
	m := newTestMonitor(t, writeScript(t, "worker", "exit 0"), 1)
	started, err := m.Spawn()
	require.NoError(t, err)
	require.True(t, started)

	waitLiveness(t, m, LivenessInterrupt)
}

func TestTryWait_RestartExitCode(t *testing.T) {
	m := newTestMonitor(t, writeScript(t, "worker", fmt.Sprintf("exit %d", ExitCodeRestart)), 1)
	started, err := m.Spawn()
	require.NoError(t, err)
	require.True(t, started)

	waitLiveness(t, m, LivenessRestart)
}

func TestTryWait_CrashIsForceExit(t *testing.T) {
	m := newTestMonitor(t, writeScript(t, "worker", "exit 3"), 1)
	started, err := m.Spawn()
	require.NoError(t, err)
	require.True(t, started)

	waitLiveness(t, m, LivenessForceExit)
}

func TestKillAll_GroupReapsAsForceExit(t *testing.T) {
	m := newTestMonitor(t, writeScript(t, "worker", "sleep 60"), 2)
	started, err := m.Spawn()
	require.NoError(t, err)
	require.True(t, started)
	require.Len(t, m.PIDs(), 2)

	m.KillAll()
	waitLiveness(t, m, LivenessForceExit)
	assert.Empty(t, m.PIDs())
}

func TestTryWait_PartialRestartTearsDownGroup(t *testing.T) {
	// Two children race for a marker: the winner requests a restart, the
	// loser keeps running. The monitor must tear down the survivor and
	// classify the whole group as restart.
	body := fmt.Sprintf(`if mkdir "$(dirname "$0")/first" 2>/dev/null; then exit %d; else sleep 60; fi`, ExitCodeRestart)
	m := newTestMonitor(t, writeScript(t, "worker", body), 2)

	started, err := m.Spawn()
	require.NoError(t, err)
	require.True(t, started)

	waitLiveness(t, m, LivenessRestart)
	assert.Empty(t, m.PIDs())
}

func TestRemoveCtrlSock(t *testing.T) {
	m := newTestMonitor(t, writeScript(t, "worker", "exit 0"), 1)
	require.NoError(t, os.WriteFile(m.SockPath(), nil, 0o644))

	m.RemoveCtrlSock()

	_, err := os.Stat(m.SockPath())
	assert.True(t, os.IsNotExist(err))

	// Removing an absent socket is a no-op.
	m.RemoveCtrlSock()
}

func TestUpgradeActiveExceeds(t *testing.T) {
	m := newTestMonitor(t, writeScript(t, "worker", "exit 0"), 1)

	m.UpgradeActiveTime = time.Now()
	assert.False(t, m.UpgradeActiveExceeds(time.Minute))

	m.UpgradeActiveTime = time.Now().Add(-2 * time.Minute)
	assert.True(t, m.UpgradeActiveExceeds(time.Minute))
}

func TestLivenessString(t *testing.T) {
	assert.Equal(t, "running", LivenessRunning.String())
	assert.Equal(t, "interrupt", LivenessInterrupt.String())
	assert.Equal(t, "force_exit", LivenessForceExit.String())
	assert.Equal(t, "restart", LivenessRestart.String())
}
