//go:build !windows

package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processMockLogger struct{}

func (m *processMockLogger) Debugf(format string, args ...interface{}) {}
func (m *processMockLogger) Infof(format string, args ...interface{})  {}
func (m *processMockLogger) Warnf(format string, args ...interface{})  {}
func (m *processMockLogger) Errorf(format string, args ...interface{}) {}

func TestStartWorker_SpawnProbeKill(t *testing.T) {
	logger := &processMockLogger{}

	proc, err := StartWorker(ExecutionConfig{
		ExecutablePath: "/bin/sleep",
		Args:           []string{"60"},
	}, "test-worker", logger)
	require.NoError(t, err)

	running, err := IsProcessRunning(proc.Pid)
	require.NoError(t, err)
	assert.True(t, running)

	_, reaped, err := WaitStatus(proc.Pid)
	require.NoError(t, err)
	assert.False(t, reaped, "sleep must still be running")

	require.NoError(t, KillGroup(proc.Pid))

	assert.Eventually(t, func() bool {
		ws, reaped, err := WaitStatus(proc.Pid)
		if err != nil || !reaped {
			return false
		}
		return ws.Signaled()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartWorker_MissingExecutable(t *testing.T) {
	_, err := StartWorker(ExecutionConfig{
		ExecutablePath: filepath.Join(t.TempDir(), "nope"),
	}, "test-worker", &processMockLogger{})
	assert.Error(t, err)
}

func TestStartWorker_EmptyExecutable(t *testing.T) {
	_, err := StartWorker(ExecutionConfig{}, "test-worker", &processMockLogger{})
	assert.Error(t, err)
}

func TestUpgrader_NormalExitWithOutput(t *testing.T) {
	u, err := StartUpgrader("/bin/echo release fetched", &processMockLogger{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		exited, err := u.ExitedNormally()
		return err == nil && exited
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, u.Output(), "release fetched")
}

func TestUpgrader_AbnormalExit(t *testing.T) {
	u, err := StartUpgrader("/bin/false", &processMockLogger{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := u.ExitedNormally()
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUpgrader_Kill(t *testing.T) {
	u, err := StartUpgrader("/bin/sleep 60", &processMockLogger{})
	require.NoError(t, err)

	exited, err := u.ExitedNormally()
	require.NoError(t, err)
	assert.False(t, exited)
	assert.Empty(t, u.Output())

	require.NoError(t, u.Kill())

	assert.Eventually(t, func() bool {
		_, err := u.ExitedNormally()
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartUpgrader_EmptyCommand(t *testing.T) {
	_, err := StartUpgrader("   ", &processMockLogger{})
	assert.Error(t, err)
}

func TestEnsureExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o644))

	require.NoError(t, ensureExecutable(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111)
}

func TestIsProcessRunning_InvalidPid(t *testing.T) {
	_, err := IsProcessRunning(0)
	assert.Error(t, err)
}
