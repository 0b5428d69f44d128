// Package reloader probes the on-disk state of a worker's tracked binary
// for upgrade detection.
package reloader

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/proc-tools/keeper/pkg/config"
	"github.com/proc-tools/keeper/pkg/errors"
)

// CmdPath resolves the tracked binary path of a worker: relative commands
// without a path separator go through $PATH lookup, everything else is
// made absolute.
func CmdPath(wc *config.WorkerConfig) (string, error) {
	path := wc.ExecutablePath
	if !strings.ContainsRune(path, os.PathSeparator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", errors.NewNotFoundError("worker executable not found in PATH", err).WithContext("executable", path)
		}
		path = resolved
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.NewIOError("failed to resolve executable path", err).WithContext("executable", path)
	}
	return abs, nil
}

// ProbeMtime returns the binary's current modification time.
func ProbeMtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, errors.NewIOError("failed to stat tracked binary", err).WithContext("path", path)
	}
	return info.ModTime(), nil
}

// Modified reports whether the binary at path has a modification time
// different from since.
func Modified(path string, since time.Time) (bool, error) {
	mtime, err := ProbeMtime(path)
	if err != nil {
		return false, err
	}
	return !mtime.Equal(since), nil
}
