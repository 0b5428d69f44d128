//go:build !windows

// Package monitor tracks the runtime state of one supervised worker: its
// child process group, the tracked binary's modification time, and a
// possibly running upgrader subprocess.
package monitor

import (
	"fmt"
	"os"
	"time"

	"github.com/proc-tools/keeper/pkg/config"
	"github.com/proc-tools/keeper/pkg/logging"
	"github.com/proc-tools/keeper/pkg/process"
	"github.com/proc-tools/keeper/pkg/reloader"

	"golang.org/x/sys/unix"
)

// ExitCodeRestart is the wait-status convention by which a worker asks to
// be respawned (EX_TEMPFAIL).
const ExitCodeRestart = 75

// Liveness is the classification of a worker's process state.
type Liveness int

const (
	// LivenessRunning means at least one child is still alive.
	LivenessRunning Liveness = iota
	// LivenessInterrupt means the worker stopped cleanly; no respawn.
	LivenessInterrupt
	// LivenessForceExit means the worker crashed or was killed; no respawn.
	LivenessForceExit
	// LivenessRestart means the worker asked to be respawned.
	LivenessRestart
)

func (l Liveness) String() string {
	switch l {
	case LivenessRunning:
		return "running"
	case LivenessInterrupt:
		return "interrupt"
	case LivenessForceExit:
		return "force_exit"
	case LivenessRestart:
		return "restart"
	}
	return fmt.Sprintf("liveness(%d)", int(l))
}

// Monitor is exclusively owned by the supervisor; a restart always builds
// a brand-new instance, so no upgrade state survives a respawn.
type Monitor struct {
	Name string

	// CmdPath/CmdMtime track the worker binary for upgrade detection.
	CmdPath  string
	CmdMtime time.Time

	// UpgradeProc is the currently running upgrader, if any.
	UpgradeProc *process.Upgrader

	// UpgradeActiveTime anchors both the proactive-upgrade recheck and
	// the upgrader kill deadline.
	UpgradeActiveTime time.Time

	wc       *config.WorkerConfig
	sockPath string
	pids     []int
	pending  Liveness
	logger   logging.Logger
}

// New creates a monitor for the named worker. Spawn must be called before
// the monitor is tracked.
func New(name string, wc *config.WorkerConfig, sockPath string, logger logging.Logger) *Monitor {
	return &Monitor{
		Name:              name,
		UpgradeActiveTime: time.Now(),
		wc:                wc,
		sockPath:          sockPath,
		logger:            logger,
	}
}

// Spawn launches the worker's process group and records the tracked
// binary's current path and modification time. It reports whether at
// least one child started.
func (m *Monitor) Spawn() (bool, error) {
	cmdPath, err := reloader.CmdPath(m.wc)
	if err != nil {
		return false, err
	}
	mtime, err := reloader.ProbeMtime(cmdPath)
	if err != nil {
		return false, err
	}

	execution := process.ExecutionConfig{
		ExecutablePath:   m.wc.ExecutablePath,
		Args:             m.wc.Args,
		WorkingDirectory: m.wc.WorkingDirectory,
		Environment: append([]string{
			"KEEPER_WORKER_NAME=" + m.Name,
			"KEEPER_CONTROL_SOCK=" + m.sockPath,
		}, m.wc.Environment...),
	}

	for i := 0; i < m.wc.NumProcesses; i++ {
		proc, err := process.StartWorker(execution, m.Name, m.logger)
		if err != nil {
			if len(m.pids) == 0 {
				return false, err
			}
			// Partial spawn: keep what started, the liveness check
			// owns the fallout.
			m.logger.Errorf("Failed to spawn worker child %d/%d, worker: %s, error: %v",
				i+1, m.wc.NumProcesses, m.Name, err)
			break
		}
		m.pids = append(m.pids, proc.Pid)
	}

	m.CmdPath = cmdPath
	m.CmdMtime = mtime
	m.UpgradeActiveTime = time.Now()

	return len(m.pids) > 0, nil
}

// PIDs returns the currently tracked child pids.
func (m *Monitor) PIDs() []int {
	out := make([]int, len(m.pids))
	copy(out, m.pids)
	return out
}

// TryWait probes every tracked child without blocking and classifies the
// worker's state. While any child lives the result is LivenessRunning;
// once all children are reaped the most severe observed exit wins
// (restart over force-exit over clean interrupt). A child exiting with
// ExitCodeRestart requests a respawn; termination by signal or a non-zero
// exit is a force-exit; a probe failure counts as a force-exit.
func (m *Monitor) TryWait() Liveness {
	remaining := m.pids[:0]
	for _, pid := range m.pids {
		ws, reaped, err := process.WaitStatus(pid)
		if err != nil {
			m.logger.Errorf("Failed to probe worker child, worker: %s, pid: %d, error: %v", m.Name, pid, err)
			m.noteExit(LivenessForceExit)
			continue
		}
		if !reaped {
			remaining = append(remaining, pid)
			continue
		}
		cls := classifyWaitStatus(ws)
		m.noteExit(cls)
		m.logger.Infof("Worker child exited, worker: %s, pid: %d, status: %s", m.Name, pid, cls)
	}
	m.pids = remaining

	if len(m.pids) > 0 {
		// A partially dead group that crashed or wants a restart is
		// torn down as a whole; the survivors are reaped on later
		// ticks.
		if m.pending == LivenessRestart || m.pending == LivenessForceExit {
			m.KillAll()
		}
		return LivenessRunning
	}
	if m.pending == LivenessRunning {
		// Never spawned or already drained.
		return LivenessInterrupt
	}
	return m.pending
}

// noteExit records the most severe classification seen so far.
func (m *Monitor) noteExit(l Liveness) {
	if l > m.pending {
		m.pending = l
	}
}

func classifyWaitStatus(ws unix.WaitStatus) Liveness {
	if ws.Exited() {
		switch ws.ExitStatus() {
		case 0:
			return LivenessInterrupt
		case ExitCodeRestart:
			return LivenessRestart
		default:
			return LivenessForceExit
		}
	}
	return LivenessForceExit
}

// UpgradeActiveExceeds reports whether more than d has elapsed since the
// last upgrade-related activity.
func (m *Monitor) UpgradeActiveExceeds(d time.Duration) bool {
	return time.Since(m.UpgradeActiveTime) > d
}

// ClearUpgrader drops the upgrader handle, allowing a future proactive
// spawn.
func (m *Monitor) ClearUpgrader() {
	m.UpgradeProc = nil
}

// KillAll force-kills every tracked child process group. Failures are
// logged only; one stuck process must not block shutdown.
func (m *Monitor) KillAll() {
	for _, pid := range m.pids {
		if err := process.KillGroup(pid); err != nil {
			m.logger.Warnf("Failed to kill worker child, worker: %s, pid: %d, error: %v", m.Name, pid, err)
		}
	}
}

// SockPath returns the worker's private control socket path.
func (m *Monitor) SockPath() string {
	return m.sockPath
}

// RemoveCtrlSock unlinks the worker's private control socket file.
func (m *Monitor) RemoveCtrlSock() {
	if _, err := os.Stat(m.sockPath); err != nil {
		return
	}
	if err := os.Remove(m.sockPath); err != nil {
		m.logger.Warnf("Failed to remove worker control socket, worker: %s, path: %s, error: %v", m.Name, m.sockPath, err)
		return
	}
	m.logger.Infof("Removed worker control socket, worker: %s, path: %s", m.Name, m.sockPath)
}
