package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/proc-tools/keeper/pkg/protocol"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Socket string `long:"socket" short:"s" description:"path to the daemon control socket"`
}

func usage() {
	fmt.Println("Usage:")
	fmt.Printf("  %s --socket <path> list\n", os.Args[0])
	fmt.Printf("  %s --socket <path> status\n", os.Args[0])
	fmt.Printf("  %s --socket <path> upgrade <worker>\n", os.Args[0])
	fmt.Printf("  %s --socket <path> signal <worker> <signo>\n", os.Args[0])
}

func main() {
	var opts flagOptions
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	args, err := parser.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Socket == "" || len(args) == 0 {
		usage()
		os.Exit(1)
	}

	req, err := buildRequest(args)
	if err != nil {
		fmt.Println(err)
		usage()
		os.Exit(1)
	}

	reply, err := sendRequest(opts.Socket, req)
	if err != nil {
		fmt.Printf("Request failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(reply))
}

func buildRequest(args []string) (*protocol.Request, error) {
	pid := uint32(os.Getpid())

	switch args[0] {
	case "list":
		return &protocol.Request{CommandType: protocol.CommandTypeList}, nil

	case "status":
		return &protocol.Request{
			CommandType: protocol.CommandTypeStatus,
			Command:     &protocol.SubCommand{Command: protocol.CommandPing, PID: pid},
		}, nil

	case "upgrade":
		if len(args) != 2 {
			return nil, fmt.Errorf("upgrade requires a worker name")
		}
		return &protocol.Request{
			CommandType: protocol.CommandTypeCtrlWorker,
			Worker:      args[1],
			Command:     &protocol.SubCommand{Command: protocol.CommandUpgrade, PID: pid},
		}, nil

	case "signal":
		if len(args) != 3 {
			return nil, fmt.Errorf("signal requires a worker name and a signal number")
		}
		signo, err := strconv.Atoi(args[2])
		if err != nil {
			return nil, fmt.Errorf("invalid signal number %q", args[2])
		}
		return &protocol.Request{
			CommandType: protocol.CommandTypeCtrlWorker,
			Worker:      args[1],
			Command:     &protocol.SubCommand{Command: protocol.CommandStop, PID: pid, Signal: &signo},
		}, nil

	default:
		return nil, fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// sendRequest writes one JSON request, half-closes, and reads the reply
// up to the daemon-side close.
func sendRequest(sockPath string, req *protocol.Request) ([]byte, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	buf, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, err
		}
	}

	return io.ReadAll(conn)
}
