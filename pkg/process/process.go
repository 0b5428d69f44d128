package process

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/proc-tools/keeper/pkg/errors"
	"github.com/proc-tools/keeper/pkg/logging"
)

// ExecutionConfig describes how to launch one worker child process.
type ExecutionConfig struct {
	ExecutablePath   string
	Args             []string
	Environment      []string
	WorkingDirectory string
}

// StartWorker launches a worker child in its own process group and returns
// its process handle. The child inherits the supervisor's stdout/stderr.
func StartWorker(execution ExecutionConfig, id string, logger logging.Logger) (*os.Process, error) {
	if execution.ExecutablePath == "" {
		return nil, errors.NewValidationError("executable path cannot be empty", nil).WithContext("id", id)
	}

	if err := ensureExecutable(execution.ExecutablePath); err != nil {
		return nil, errors.NewProcessError("failed to ensure process is executable", err).WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	workDir := execution.WorkingDirectory
	if workDir == "" {
		absPath, err := filepath.Abs(execution.ExecutablePath)
		if err != nil {
			return nil, errors.NewIOError("failed to get absolute path", err).WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}
		workDir = filepath.Dir(absPath)
	}

	env := os.Environ()
	env = append(env, execution.Environment...)

	cmd := exec.Command(execution.ExecutablePath, execution.Args...)
	cmd.Dir = workDir
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// Own process group, so the whole worker tree can be signalled at once.
	setupProcessAttributes(cmd)

	logger.Debugf("Executing process, id: %s, executable path: '%s', args: %v, working directory: '%s'",
		id, execution.ExecutablePath, execution.Args, workDir)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to start the process", err).WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)

	return cmd.Process, nil
}

// Upgrader is a running upgrader subprocess. Its combined output is
// captured and becomes available once the process has been reaped.
type Upgrader struct {
	cmd    *exec.Cmd
	output bytes.Buffer

	done    chan struct{}
	waitErr error
}

// StartUpgrader launches the configured upgrader command. The command is
// split on whitespace; it is an opaque external command, no shell is
// involved.
func StartUpgrader(command string, logger logging.Logger) (*Upgrader, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.NewValidationError("upgrader command cannot be empty", nil)
	}

	u := &Upgrader{
		done: make(chan struct{}),
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = &u.output
	cmd.Stderr = &u.output
	setupProcessAttributes(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to start upgrader", err).WithContext("command", command)
	}
	u.cmd = cmd

	logger.Infof("Started upgrader process, PID: %d, command: %s", cmd.Process.Pid, command)

	// The reaper goroutine is the spawning primitive's concern; the
	// orchestrator only ever observes it through ExitedNormally.
	go func() {
		u.waitErr = cmd.Wait()
		close(u.done)
	}()

	return u, nil
}

// PID returns the upgrader's process id.
func (u *Upgrader) PID() int {
	return u.cmd.Process.Pid
}

// ExitedNormally is a non-blocking probe of the upgrader's exit state:
// (true, nil) when it exited with status 0, (false, nil) while it is still
// running, and an error when it terminated abnormally.
func (u *Upgrader) ExitedNormally() (bool, error) {
	select {
	case <-u.done:
		if u.waitErr != nil {
			return false, errors.NewProcessError("upgrader terminated abnormally", u.waitErr).WithContext("pid", u.cmd.Process.Pid)
		}
		return true, nil
	default:
		return false, nil
	}
}

// Output returns the combined output captured so far. It is only complete
// after the process has been reaped.
func (u *Upgrader) Output() string {
	select {
	case <-u.done:
		return u.output.String()
	default:
		return ""
	}
}

// Kill force-kills the upgrader's process group.
func (u *Upgrader) Kill() error {
	if err := KillGroup(u.cmd.Process.Pid); err != nil {
		return errors.NewProcessError("failed to kill upgrader", err).WithContext("pid", u.cmd.Process.Pid)
	}
	return nil
}

// ensureExecutable checks that the file exists and carries an execute bit,
// setting one if missing.
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}

	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewProcessError("failed to make file executable", err).WithContext("path", path)
	}
	return nil
}
