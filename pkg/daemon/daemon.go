//go:build !windows

// Package daemon implements the supervisor: it launches one monitor per
// configured worker, multiplexes control-socket traffic with the periodic
// health and upgrade checks on a single event loop, and tears everything
// down on drain or interrupt.
package daemon

import (
	"encoding/json"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proc-tools/keeper/pkg/config"
	"github.com/proc-tools/keeper/pkg/errors"
	"github.com/proc-tools/keeper/pkg/listenfd"
	"github.com/proc-tools/keeper/pkg/logging"
	"github.com/proc-tools/keeper/pkg/monitor"
	"github.com/proc-tools/keeper/pkg/process"
	"github.com/proc-tools/keeper/pkg/protocol"
	"github.com/proc-tools/keeper/pkg/reloader"
)

const (
	// tickInterval is the cadence of the periodic checks.
	tickInterval = time.Second

	// respawnDelay is the fixed pause before respawning a worker that
	// requested a restart, and the drain-loop cadence during cleanup.
	respawnDelay = 500 * time.Millisecond
)

// Supervisor owns every monitor and runs the event loop. All state is
// confined to the loop's goroutine; the only concurrency is the acceptor
// feeding connections into a channel.
type Supervisor struct {
	config   *config.Config
	monitors map[string]*monitor.Monitor
	pid      int
	logger   logging.Logger

	sigCh    chan os.Signal
	listener *net.UnixListener
}

// New creates a supervisor and installs the SIGINT/SIGQUIT trap. The
// signals no longer terminate the process; the event loop observes them
// as the graceful-shutdown trigger. The creation-time pid is recorded:
// only the process matching it will open the control socket and run the
// loop.
func New(cfg *config.Config, logger logging.Logger) *Supervisor {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT)

	return &Supervisor{
		config:   cfg,
		monitors: make(map[string]*monitor.Monitor),
		pid:      os.Getpid(),
		logger:   logger,
		sigCh:    sigCh,
	}
}

func (s *Supervisor) isDaemonProcess() bool {
	return s.pid == os.Getpid()
}

// Run spawns a monitor for every configured worker not already tracked,
// then, if this is the daemon process and at least one monitor started,
// opens the control socket and enters the event loop.
func (s *Supervisor) Run() error {
	s.logger.Infof("Starting daemon, pid: %d", s.pid)

	if err := s.spawnMonitors(); err != nil {
		return err
	}

	if !s.isDaemonProcess() {
		return nil
	}

	listener, err := s.listenCtrlSock()
	if err != nil {
		return err
	}
	s.listener = listener

	if len(s.monitors) > 0 {
		if err := s.wait(); err != nil {
			return err
		}
	}

	s.logger.Infof("Exited daemon, pid: %d", s.pid)
	return nil
}

// spawnMonitors starts a monitor for every configured worker not already
// tracked.
func (s *Supervisor) spawnMonitors() error {
	for i := range s.config.Workers {
		wc := &s.config.Workers[i]
		if _, exists := s.monitors[wc.Name]; exists {
			continue
		}
		m := monitor.New(wc.Name, wc, s.config.WorkerControlSock(wc.Name), s.logger)
		started, err := m.Spawn()
		if err != nil {
			return errors.NewProcessError("failed to spawn worker", err).WithContext("worker", wc.Name)
		}
		if started {
			s.monitors[wc.Name] = m
		}
	}
	return nil
}

func (s *Supervisor) listenCtrlSock() (*net.UnixListener, error) {
	lf, err := listenfd.Parse(s.config.ControlSock)
	if err != nil {
		return nil, err
	}
	listener, err := lf.Listen()
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Listening on control socket %s, pid: %d", lf.Describe(), s.pid)
	return listener, nil
}

// wait is the event loop. It multiplexes accepted control connections,
// the periodic tick, and the shutdown signal, and runs until the monitor
// map drains. A delivered signal short-circuits to cleanup and a normal
// return; it is never an error.
func (s *Supervisor) wait() error {
	connCh := make(chan net.Conn)
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				return
			}
			connCh <- conn
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for len(s.monitors) > 0 {
		select {
		case <-s.sigCh:
			s.logger.Debugf("Interrupted main loop, pid: %d", s.pid)
			s.cleanProcesses()
			return nil

		case conn := <-connCh:
			s.handleConn(conn)

		case <-ticker.C:
			s.runChecks()
		}
	}

	s.cleanProcesses()
	return nil
}

// runChecks executes the periodic checks in fixed order. Each check
// isolates its own per-worker failures; a failing check never stops the
// others.
func (s *Supervisor) runChecks() {
	if err := s.checkCmdModified(); err != nil {
		s.logger.Warnf("Failed binary-change check, error: %v", err)
	}
	if err := s.checkUpgrade(); err != nil {
		s.logger.Warnf("Failed proactive-upgrade check, error: %v", err)
	}
	if err := s.checkUpgraderProcesses(); err != nil {
		s.logger.Warnf("Failed upgrader-process check, error: %v", err)
	}
	if err := s.checkMonitorProcesses(); err != nil {
		s.logger.Warnf("Failed monitor-process check, error: %v", err)
	}
}

// handleConn serves one control-plane request: read one JSON request until
// EOF, dispatch, write one JSON response plus a single newline, close.
func (s *Supervisor) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		s.logger.Warnf("Failed to read control request, error: %v", err)
		return
	}

	switch req.CommandType {
	case protocol.CommandTypeCtrlWorker:
		s.sendCommandWorker(req, conn)
	case protocol.CommandTypeList:
		s.sendList(conn)
	case protocol.CommandTypeStatus:
		s.sendCommandWorkers(req, conn)
	default:
		s.writeResponse(conn, protocol.ErrorResponse{Error: "unknown command type: " + string(req.CommandType)})
	}
}

func (s *Supervisor) writeResponse(conn net.Conn, v interface{}) {
	if err := protocol.WriteResponse(conn, v); err != nil {
		s.logger.Warnf("Failed to write control response, error: %v", err)
	}
}

// sendCommandWorker relays the embedded sub-command to the named worker's
// private socket and forwards the raw reply to the caller.
func (s *Supervisor) sendCommandWorker(req *protocol.Request, conn net.Conn) {
	if req.Command == nil {
		s.writeResponse(conn, protocol.ErrorResponse{Error: "missing command"})
		return
	}
	if _, ok := s.config.Worker(req.Worker); !ok {
		s.writeResponse(conn, protocol.ErrorResponse{Error: "unknown worker: " + req.Worker})
		return
	}

	res, err := protocol.SendSubCommand(s.config.WorkerControlSock(req.Worker), req.Command)
	if err != nil {
		s.logger.Warnf("Failed to relay command, worker: %s, error: %v", req.Worker, err)
		s.writeResponse(conn, protocol.ErrorResponse{Error: err.Error()})
		return
	}
	s.writeResponse(conn, normalizeRawReply(res))
}

// sendList responds with the daemon pid and the worker names in
// configuration order.
func (s *Supervisor) sendList(conn net.Conn) {
	s.writeResponse(conn, protocol.ListResponse{
		PID:     uint32(s.pid),
		Workers: s.config.WorkerNames(),
	})
}

// sendCommandWorkers relays the embedded sub-command to every worker in
// configuration order and responds with the ordered array of raw replies.
// A relay failure contributes an error element in that worker's slot; the
// broadcast still completes for the rest.
func (s *Supervisor) sendCommandWorkers(req *protocol.Request, conn net.Conn) {
	if req.Command == nil {
		s.writeResponse(conn, protocol.ErrorResponse{Error: "missing command"})
		return
	}

	replies := make([]json.RawMessage, 0, len(s.config.Workers))
	for _, name := range s.config.WorkerNames() {
		res, err := protocol.SendSubCommand(s.config.WorkerControlSock(name), req.Command)
		if err != nil {
			s.logger.Warnf("Failed to relay command, worker: %s, error: %v", name, err)
			buf, _ := json.Marshal(protocol.ErrorResponse{Error: err.Error()})
			replies = append(replies, buf)
			continue
		}
		replies = append(replies, normalizeRawReply(res))
	}
	s.writeResponse(conn, replies)
}

// normalizeRawReply makes an empty worker reply re-encodable as null.
func normalizeRawReply(res json.RawMessage) json.RawMessage {
	if len(res) == 0 {
		return json.RawMessage("null")
	}
	return res
}

// checkCmdModified probes every auto-upgrade worker's tracked binary. On a
// modification-time change it relays an Upgrade command (best-effort) and
// then unconditionally refreshes the recorded path and mtime, so the same
// change never fires twice.
func (s *Supervisor) checkCmdModified() error {
	for name, m := range s.monitors {
		wc, ok := s.config.Worker(name)
		if !ok || !wc.AutoUpgrade {
			continue
		}

		modified, err := reloader.Modified(m.CmdPath, m.CmdMtime)
		if err != nil {
			s.logger.Warnf("Failed to probe tracked binary, worker: %s, error: %v", name, err)
			continue
		}
		if !modified {
			continue
		}

		s.logger.Infof("Program upgrade detected, starting upgrade, worker: %s, pid: %d", name, s.pid)
		cmd := &protocol.SubCommand{Command: protocol.CommandUpgrade, PID: uint32(s.pid)}
		if _, err := protocol.SendSubCommand(m.SockPath(), cmd); err != nil {
			s.logger.Warnf("Failed to relay upgrade command, worker: %s, error: %v", name, err)
		}

		cmdPath, err := reloader.CmdPath(wc)
		if err != nil {
			s.logger.Warnf("Failed to resolve tracked binary, worker: %s, error: %v", name, err)
			continue
		}
		mtime, err := reloader.ProbeMtime(cmdPath)
		if err != nil {
			s.logger.Warnf("Failed to probe tracked binary, worker: %s, error: %v", name, err)
			continue
		}
		m.CmdPath = cmdPath
		m.CmdMtime = mtime
	}
	return nil
}

// checkUpgrade spawns the configured upgrader for every worker whose
// proactive-upgrade interval has elapsed. The activity timestamp resets
// whether or not anything was spawned: the interval is a recurring
// cooldown, not a one-shot deadline.
func (s *Supervisor) checkUpgrade() error {
	for name, m := range s.monitors {
		wc, ok := s.config.Worker(name)
		if !ok || wc.UpgraderActiveInterval <= 0 {
			continue
		}
		if !m.UpgradeActiveExceeds(wc.UpgraderActiveInterval) {
			continue
		}

		if wc.Upgrader != "" && m.UpgradeProc == nil {
			up, err := process.StartUpgrader(wc.Upgrader, s.logger)
			if err != nil {
				s.logger.Warnf("Failed to start upgrader, worker: %s, error: %v", name, err)
			} else {
				m.UpgradeProc = up
			}
		}
		m.UpgradeActiveTime = time.Now()
	}
	return nil
}

// checkUpgraderProcesses probes every running upgrader. A normal exit
// notifies the worker over its private socket; one running past its
// kill-timeout is force-killed; a probe error counts as abnormal
// termination. All finished handles are cleared in one pass.
func (s *Supervisor) checkUpgraderProcesses() error {
	var clear []string
	for name, m := range s.monitors {
		if m.UpgradeProc == nil {
			continue
		}
		wc, ok := s.config.Worker(name)
		if !ok {
			continue
		}

		exited, err := m.UpgradeProc.ExitedNormally()
		switch {
		case err != nil:
			s.logger.Warnf("Upgrader terminated abnormally, worker: %s, error: %v", name, err)
			m.UpgradeActiveTime = time.Now()
			clear = append(clear, name)

		case exited:
			if out := m.UpgradeProc.Output(); out != "" {
				s.logger.Debugf("Upgrader output, worker: %s: %s", name, out)
			}
			s.logger.Infof("Upgrader terminated successfully, starting upgrade, worker: %s, upgrader pid: %d",
				name, m.UpgradeProc.PID())
			cmd := &protocol.SubCommand{Command: protocol.CommandUpgrade, PID: uint32(s.pid)}
			if _, err := protocol.SendSubCommand(m.SockPath(), cmd); err != nil {
				s.logger.Warnf("Failed to relay upgrade command, worker: %s, error: %v", name, err)
			}
			m.UpgradeActiveTime = time.Now()
			clear = append(clear, name)

		case m.UpgradeActiveExceeds(wc.UpgraderTimeout):
			if err := m.UpgradeProc.Kill(); err != nil {
				s.logger.Warnf("Failed to kill upgrader, worker: %s, error: %v", name, err)
			}
			s.logger.Warnf("Upgrader timeout, killed upgrader, worker: %s, upgrader pid: %d",
				name, m.UpgradeProc.PID())
			m.UpgradeActiveTime = time.Now()
			clear = append(clear, name)
		}
	}

	for _, name := range clear {
		if m, ok := s.monitors[name]; ok {
			m.ClearUpgrader()
		}
	}
	return nil
}

// checkMonitors runs the liveness probe over every monitor, removes the
// terminated ones (unlinking their private sockets), and returns the
// names that requested a restart. Removal is two-phase: classify first,
// mutate the map after.
func (s *Supervisor) checkMonitors() []string {
	var exitKeys, restartKeys []string
	for name, m := range s.monitors {
		switch m.TryWait() {
		case monitor.LivenessInterrupt, monitor.LivenessForceExit:
			exitKeys = append(exitKeys, name)
		case monitor.LivenessRestart:
			restartKeys = append(restartKeys, name)
		}
	}

	for _, key := range append(exitKeys, restartKeys...) {
		if m, ok := s.monitors[key]; ok {
			delete(s.monitors, key)
			m.RemoveCtrlSock()
		}
	}
	return restartKeys
}

// checkMonitorProcesses removes terminated workers and respawns the ones
// that requested a restart, each after the fixed delay. There is no retry
// cap: a worker that keeps asking is respawned every tick.
func (s *Supervisor) checkMonitorProcesses() error {
	restarts := s.checkMonitors()
	for _, name := range restarts {
		wc, ok := s.config.Worker(name)
		if !ok {
			continue
		}
		s.logger.Infof("Waiting to respawn worker: %s", name)
		time.Sleep(respawnDelay)

		m := monitor.New(name, wc, s.config.WorkerControlSock(name), s.logger)
		started, err := m.Spawn()
		if err != nil {
			return errors.NewProcessError("failed to respawn worker", err).WithContext("worker", name)
		}
		if started {
			s.monitors[name] = m
		}
	}
	return nil
}

// cleanProcesses drains every remaining monitor: kill-all, then reprocess
// liveness (including pending restarts) until the map is empty. Kill-all
// is re-issued every iteration so respawns triggered during shutdown are
// also reaped.
func (s *Supervisor) cleanProcesses() {
	for {
		for _, m := range s.monitors {
			m.KillAll()
		}
		if err := s.checkMonitorProcesses(); err != nil {
			s.logger.Errorf("Failed to process monitors during cleanup, error: %v", err)
		}
		if len(s.monitors) == 0 {
			return
		}
		time.Sleep(respawnDelay)
	}
}

// Close releases the control socket and removes every socket file the
// daemon may have left behind. Safe to call after both normal and
// aborted runs.
func (s *Supervisor) Close() {
	signal.Stop(s.sigCh)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}

	for _, name := range s.config.WorkerNames() {
		removeSocketFile(s.config.WorkerControlSock(name), s.logger, s.pid)
	}
	if path := s.config.ControlSockPath(); path != "" {
		removeSocketFile(path, s.logger, s.pid)
	}
}

func removeSocketFile(path string, logger logging.Logger, pid int) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		logger.Warnf("Failed to remove control socket, path: %s, error: %v, pid: %d", path, err, pid)
		return
	}
	logger.Infof("Removed control socket, path: %s, pid: %d", path, pid)
}
