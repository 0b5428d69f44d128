// Package processfile guards single-daemon-instance startup with a
// flock-held PID file.
package processfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/proc-tools/keeper/pkg/errors"
	"github.com/proc-tools/keeper/pkg/logging"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// ErrAlreadyRunning matches (via errors.Is) the conflict error Acquire
// returns when another daemon holds the PID file lock.
var ErrAlreadyRunning = errors.NewConflictError("daemon is already running", nil)

// PIDFile is a flock-guarded PID file. The lock, not the file content,
// is the liveness authority: a stale file from a crashed daemon does not
// block the next one.
type PIDFile struct {
	path   string
	lock   *flock.Flock
	logger logging.Logger
}

// New creates a PID file handle at path.
func New(path string, logger logging.Logger) *PIDFile {
	return &PIDFile{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
	}
}

// Path returns the PID file path.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire takes the non-blocking lock and atomically writes the current
// pid. ErrAlreadyRunning is returned when the lock is held elsewhere.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return errors.NewIOError("failed to create PID file directory", err).WithContext("pid_file", p.path)
	}

	locked, err := p.lock.TryLock()
	if err != nil {
		return errors.NewIOError("failed to lock PID file", err).WithContext("pid_file", p.path)
	}
	if !locked {
		return errors.NewConflictError("daemon is already running", nil).WithContext("pid_file", p.path)
	}

	pid := os.Getpid()
	content := fmt.Sprintf("%d\n", pid)
	if err := renameio.WriteFile(p.path, []byte(content), 0o644); err != nil {
		p.lock.Unlock()
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", p.path).WithContext("pid", pid)
	}

	p.logger.Infof("PID file written, pid: %d, path: %s", pid, p.path)
	return nil
}

// Release removes the PID file and drops the lock. Failures are logged
// only; releasing must not block shutdown.
func (p *PIDFile) Release() {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		p.logger.Warnf("Failed to remove PID file, path: %s, error: %v", p.path, err)
	}
	if err := p.lock.Unlock(); err != nil {
		p.logger.Warnf("Failed to unlock PID file, path: %s, error: %v", p.path, err)
	}
}
