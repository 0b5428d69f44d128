// Package protocol defines the JSON control-plane wire protocol spoken on
// the global control socket and relayed to per-worker private sockets.
//
// Framing: a client writes one JSON request and half-closes; the server
// answers with one JSON value followed by exactly one newline and closes.
package protocol

import (
	"encoding/json"
	"io"
	"net"

	"github.com/proc-tools/keeper/pkg/errors"
)

// CommandType selects the daemon-level operation.
type CommandType string

const (
	// CommandTypeCtrlWorker relays the embedded sub-command to one
	// worker's private socket.
	CommandTypeCtrlWorker CommandType = "CtrlWorker"
	// CommandTypeList lists the configured workers.
	CommandTypeList CommandType = "List"
	// CommandTypeStatus relays the embedded sub-command to every worker
	// and collects the replies.
	CommandTypeStatus CommandType = "Status"
)

// Command is the action carried by a SubCommand.
type Command string

const (
	CommandUpgrade Command = "Upgrade"
	CommandRestart Command = "Restart"
	CommandStop    Command = "Stop"
	CommandPing    Command = "Ping"
)

// Request is the top-level message read from the global control socket.
type Request struct {
	CommandType CommandType `json:"command_type"`
	Worker      string      `json:"worker,omitempty"`
	Command     *SubCommand `json:"command,omitempty"`
}

// SubCommand is relayed verbatim to a worker's private control socket.
type SubCommand struct {
	Command Command `json:"command"`
	PID     uint32  `json:"pid"`
	Signal  *int    `json:"signal,omitempty"`
}

// ListResponse answers a List request.
type ListResponse struct {
	PID     uint32   `json:"pid"`
	Workers []string `json:"workers"`
}

// ErrorResponse reports a daemon-side failure to the caller.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ReadRequest reads one request from the connection. The request body is
// terminated by EOF on the read side (the client half-closes after
// writing).
func ReadRequest(conn net.Conn) (*Request, error) {
	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, errors.NewNetworkError("failed to read control request", err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.NewValidationError("malformed control request", err)
	}
	return &req, nil
}

// WriteResponse writes one JSON value followed by exactly one newline.
func WriteResponse(w io.Writer, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return errors.NewInternalError("failed to encode control response", err)
	}
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return errors.NewNetworkError("failed to write control response", err)
	}
	return nil
}

// SendSubCommand relays cmd to the unix socket at sockPath and returns the
// raw reply unmodified. The reply is whatever JSON the worker's own
// supervisor chose to send, terminated by EOF.
func SendSubCommand(sockPath string, cmd *SubCommand) (json.RawMessage, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, errors.NewNetworkError("failed to dial worker control socket", err).WithContext("sock_path", sockPath)
	}
	defer conn.Close()

	buf, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode sub-command", err)
	}
	if _, err := conn.Write(buf); err != nil {
		return nil, errors.NewNetworkError("failed to send sub-command", err).WithContext("sock_path", sockPath)
	}
	// Half-close so the worker sees EOF on its read side.
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, errors.NewNetworkError("failed to half-close worker connection", err).WithContext("sock_path", sockPath)
		}
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, errors.NewNetworkError("failed to read worker reply", err).WithContext("sock_path", sockPath)
	}
	return json.RawMessage(reply), nil
}
