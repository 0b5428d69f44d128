package processfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/proc-tools/keeper/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pidFileMockLogger struct{}

func (m *pidFileMockLogger) Debugf(format string, args ...interface{}) {}
func (m *pidFileMockLogger) Infof(format string, args ...interface{})  {}
func (m *pidFileMockLogger) Warnf(format string, args ...interface{})  {}
func (m *pidFileMockLogger) Errorf(format string, args ...interface{}) {}

func TestAcquire_WritesCurrentPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeperd.pid")
	p := New(path, &pidFileMockLogger{})

	require.NoError(t, p.Acquire())
	defer p.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquire_SecondHolderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeperd.pid")

	first := New(path, &pidFileMockLogger{})
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := New(path, &pidFileMockLogger{})
	err := second.Acquire()
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestRelease_AllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeperd.pid")

	p := New(path, &pidFileMockLogger{})
	require.NoError(t, p.Acquire())
	p.Release()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	next := New(path, &pidFileMockLogger{})
	require.NoError(t, next.Acquire())
	next.Release()
}

func TestAcquire_CreatesMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "keeperd.pid")
	p := New(path, &pidFileMockLogger{})

	require.NoError(t, p.Acquire())
	defer p.Release()

	_, err := os.Stat(path)
	assert.NoError(t, err)
}
