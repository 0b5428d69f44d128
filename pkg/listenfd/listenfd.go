//go:build !windows

// Package listenfd resolves a listen spec into a unix-domain listener. A
// spec either names a socket path to bind ("unix:/run/keeper/control.sock"
// or a bare path) or adopts an already-bound descriptor inherited from a
// socket-activating parent ("fd:3", or "listen_fds" for the LISTEN_FDS
// convention).
package listenfd

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/proc-tools/keeper/pkg/errors"
)

// listenFdsStart is the first inherited descriptor under the LISTEN_FDS
// convention (0, 1, 2 are stdio).
const listenFdsStart = 3

// Kind discriminates how the listener is obtained.
type Kind int

const (
	// KindUnixPath binds a fresh unix socket at a path.
	KindUnixPath Kind = iota
	// KindInheritedFd adopts an inherited, already-bound descriptor.
	KindInheritedFd
)

// ListenFd is a parsed listen spec.
type ListenFd struct {
	kind Kind
	path string
	fd   int
}

// Parse parses a listen spec. An empty spec is an error.
func Parse(spec string) (*ListenFd, error) {
	switch {
	case spec == "":
		return nil, errors.NewValidationError("empty listen spec", nil)

	case strings.HasPrefix(spec, "unix:"):
		path := strings.TrimPrefix(spec, "unix:")
		if path == "" {
			return nil, errors.NewValidationError("unix listen spec has no path", nil).WithContext("spec", spec)
		}
		return &ListenFd{kind: KindUnixPath, path: path}, nil

	case strings.HasPrefix(spec, "fd:"):
		fd, err := strconv.Atoi(strings.TrimPrefix(spec, "fd:"))
		if err != nil || fd < 0 {
			return nil, errors.NewValidationError("invalid fd listen spec", err).WithContext("spec", spec)
		}
		return &ListenFd{kind: KindInheritedFd, fd: fd}, nil

	case spec == "listen_fds":
		n, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
		if err != nil || n < 1 {
			return nil, errors.NewValidationError("LISTEN_FDS not set or invalid", err)
		}
		return &ListenFd{kind: KindInheritedFd, fd: listenFdsStart}, nil

	default:
		// A bare path is treated as a unix socket path.
		return &ListenFd{kind: KindUnixPath, path: spec}, nil
	}
}

// Kind reports how the listener will be obtained.
func (l *ListenFd) Kind() Kind {
	return l.kind
}

// Describe returns a human-readable form for log lines.
func (l *ListenFd) Describe() string {
	if l.kind == KindInheritedFd {
		return "fd:" + strconv.Itoa(l.fd)
	}
	return "unix:" + l.path
}

// Listen resolves the spec into a listening unix socket. Binding fails if
// a stale socket file already exists at the path; it is not cleared here.
// An inherited descriptor that is not a listening unix socket is an error.
func (l *ListenFd) Listen() (*net.UnixListener, error) {
	switch l.kind {
	case KindUnixPath:
		addr, err := net.ResolveUnixAddr("unix", l.path)
		if err != nil {
			return nil, errors.NewValidationError("invalid unix socket path", err).WithContext("path", l.path)
		}
		listener, err := net.ListenUnix("unix", addr)
		if err != nil {
			return nil, errors.NewNetworkError("failed to bind control socket", err).WithContext("path", l.path)
		}
		return listener, nil

	case KindInheritedFd:
		file := os.NewFile(uintptr(l.fd), l.Describe())
		if file == nil {
			return nil, errors.NewValidationError("invalid inherited descriptor", nil).WithContext("fd", l.fd)
		}
		defer file.Close()

		fl, err := net.FileListener(file)
		if err != nil {
			return nil, errors.NewNetworkError("inherited descriptor is not a listening socket", err).WithContext("fd", l.fd)
		}
		listener, ok := fl.(*net.UnixListener)
		if !ok {
			fl.Close()
			return nil, errors.NewValidationError("inherited descriptor is not a unix socket", nil).WithContext("fd", l.fd)
		}
		return listener, nil

	default:
		return nil, errors.NewInternalError("unknown listen spec kind", nil)
	}
}
