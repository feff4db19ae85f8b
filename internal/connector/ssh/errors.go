package ssh

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eugenetaranov/sshwrap/internal/process"
)

// ErrSSH matches every error returned by this package.
var ErrSSH = errors.New("ssh")

// Error kinds. Test with errors.Is.
var (
	// ErrConfiguration: invalid identifier, missing file, bad role/control path.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidIdentifier: a server or login contains illegal symbols.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrInvalidTunnel: a tunnel was built with a zero or out of range port.
	ErrInvalidTunnel = errors.New("invalid tunnel")

	// ErrBuild: a command could not be built (nothing to do, no files).
	ErrBuild = errors.New("build error")

	// ErrSpawn: the local client process could not be started.
	ErrSpawn = errors.New("spawn error")

	// ErrTimeout: the deadline elapsed and the client was terminated.
	ErrTimeout = errors.New("timeout")

	// ErrCanceled: the caller's context was canceled and the client was terminated.
	ErrCanceled = errors.New("canceled")

	// ErrRemoteClient: ssh exited with 255, a client-side failure.
	ErrRemoteClient = errors.New("ssh client error")

	// ErrTransfer: scp failed or a post-transfer fixup failed.
	ErrTransfer = errors.New("transfer error")

	// ErrRole: the connection's role forbids the operation.
	ErrRole = errors.New("role error")

	// ErrClosed: the connection was already closed.
	ErrClosed = errors.New("connection closed")
)

// Build failures, wrapped in an ErrBuild error.
var (
	ErrNothingToDo = errors.New("no interpreter, init-master or tunnels given")
	ErrNoFiles     = errors.New("no files to transfer")
	ErrInvalidPath = errors.New("empty path")
)

// clientErrorCode is the exit status ssh reserves for its own failures.
const clientErrorCode = 255

// Error is returned by every operation in this package.
type Error struct {
	// Kind is one of the Err* sentinels above.
	Kind error

	// Op is the operation that failed (e.g., "execute", "transfer-up").
	Op string

	// Command is the client argv, when one was built.
	Command []string

	// User is the local user the client ran as.
	User string

	// Stderr is the client's trimmed standard error.
	Stderr string

	// ExitCode is the client's exit status, when it exited.
	ExitCode int

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())

	if len(e.Command) > 0 {
		fmt.Fprintf(&b, " [%s", strings.Join(e.Command, " "))
		if e.User != "" {
			fmt.Fprintf(&b, " (under %s)", e.User)
		}
		b.WriteString("]")
	}

	switch {
	case e.Stderr != "":
		b.WriteString(": ")
		b.WriteString(e.Stderr)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrSSH and the error's own kind.
func (e *Error) Is(target error) bool {
	return target == ErrSSH || target == e.Kind
}

// fromProcess translates an internal/process failure into this package's kinds.
func fromProcess(op string, argv []string, user string, err error) *Error {
	kind := ErrSpawn
	switch {
	case errors.Is(err, process.ErrTimeout):
		kind = ErrTimeout
	case errors.Is(err, process.ErrCanceled):
		kind = ErrCanceled
	}

	e := &Error{Kind: kind, Op: op, Command: argv, User: user, Err: err}

	var perr *process.Error
	if errors.As(err, &perr) && len(perr.Stderr) > 0 {
		e.Stderr = strings.TrimSpace(string(perr.Stderr))
	}
	return e
}

// outcome labels an operation's result for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransfer):
		return "transfer_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrSpawn):
		return "spawn_error"
	case errors.Is(err, ErrRemoteClient):
		return "client_error"
	default:
		return "error"
	}
}
