// Package process spawns external programs with bounded lifetimes.
//
// Run executes a child to completion under a per-call deadline and captures
// its output. Start launches a long-lived child that the caller owns and must
// Stop. Neither ever goes through a shell: argv is passed as a true vector.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// terminateGrace is how long a child gets between SIGTERM and SIGKILL.
const terminateGrace = 2 * time.Second

var (
	// ErrSpawn means the child could not be started.
	ErrSpawn = errors.New("spawn failed")

	// ErrTimeout means the deadline elapsed and the child was terminated.
	ErrTimeout = errors.New("timed out")

	// ErrCanceled means the caller canceled the context and the child was terminated.
	ErrCanceled = errors.New("canceled")

	errDeadline = errors.New("process deadline exceeded")
)

// Spec describes a child process.
type Spec struct {
	// Argv is the program and its arguments. Argv[0] is resolved via PATH.
	Argv []string

	// Stdin is written to the child's standard input. Nil means no input.
	Stdin []byte

	// Env replaces the child's environment. Nil inherits the caller's.
	Env []string

	// Timeout bounds Run. Zero means only the context bounds it.
	Timeout time.Duration
}

// Output holds what a completed child produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Error describes a child that could not be run to completion.
type Error struct {
	// Kind is one of ErrSpawn, ErrTimeout or ErrCanceled.
	Kind error

	// Argv is the command that failed.
	Argv []string

	// Pid is the terminated child's pid, zero if it never started.
	Pid int

	// Stderr is whatever the child wrote before it was terminated.
	Stderr []byte

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", strings.Join(e.Argv, " "), e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Run starts the child described by spec, feeds it stdin, and waits for it
// to exit. The wait races a deadline scoped to this call; when the deadline
// or ctx fires the child is terminated and reaped before Run returns.
//
// A nonzero exit status is not an error: it is reported in Output.ExitCode.
func Run(ctx context.Context, spec Spec) (*Output, error) {
	if len(spec.Argv) == 0 {
		return nil, &Error{Kind: ErrSpawn, Err: errors.New("empty argv")}
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, spec.Timeout, errDeadline)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = spec.Env
	if spec.Stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// SIGTERM first; WaitDelay escalates to SIGKILL and closes the pipes.
	// interrupted is only set when the signal reached a running child.
	var interrupted atomic.Bool
	cmd.Cancel = func() error {
		err := cmd.Process.Signal(syscall.SIGTERM)
		if err == nil {
			interrupted.Store(true)
		}
		return err
	}
	cmd.WaitDelay = terminateGrace

	log.Debug().Strs("argv", spec.Argv).Dur("timeout", spec.Timeout).Msg("starting process")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if kind := contextKind(runCtx); kind != nil {
			return nil, &Error{Kind: kind, Argv: spec.Argv, Err: context.Cause(runCtx)}
		}
		return nil, &Error{Kind: ErrSpawn, Argv: spec.Argv, Err: err}
	}

	err := cmd.Wait()
	duration := time.Since(start)

	if kind := contextKind(runCtx); kind != nil && interrupted.Load() {
		log.Debug().
			Strs("argv", spec.Argv).
			Int("pid", cmd.Process.Pid).
			Dur("duration", duration).
			Msg("process terminated")
		return nil, &Error{
			Kind:   kind,
			Argv:   spec.Argv,
			Pid:    cmd.Process.Pid,
			Stderr: stderr.Bytes(),
			Err:    context.Cause(runCtx),
		}
	}

	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: duration,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// I/O failure after the child started
			return nil, &Error{Kind: ErrSpawn, Argv: spec.Argv, Pid: cmd.Process.Pid, Err: err}
		}
		out.ExitCode = exitErr.ExitCode()
	}

	log.Debug().
		Strs("argv", spec.Argv).
		Int("exit_code", out.ExitCode).
		Dur("duration", duration).
		Msg("process exited")

	return out, nil
}

// contextKind maps a finished context to ErrTimeout or ErrCanceled.
func contextKind(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return ErrCanceled
	}
}

// Process is a long-lived child owned by the caller.
type Process struct {
	cmd    *exec.Cmd
	argv   []string
	stderr *tailBuffer
	done   chan struct{}
	err    error

	stopOnce sync.Once
	stopErr  error
}

// Start launches a long-lived child. Its stdout is discarded and the tail of
// its stderr is kept for diagnostics. The caller must call Stop.
func Start(spec Spec) (*Process, error) {
	if len(spec.Argv) == 0 {
		return nil, &Error{Kind: ErrSpawn, Err: errors.New("empty argv")}
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = spec.Env
	if spec.Stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}
	stderr := newTailBuffer(stderrTail)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	cmd.WaitDelay = terminateGrace

	if err := cmd.Start(); err != nil {
		return nil, &Error{Kind: ErrSpawn, Argv: spec.Argv, Err: err}
	}

	p := &Process{
		cmd:    cmd,
		argv:   spec.Argv,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	log.Debug().Strs("argv", spec.Argv).Int("pid", cmd.Process.Pid).Msg("started managed process")
	return p, nil
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Argv returns the command the child was started with.
func (p *Process) Argv() []string {
	return p.argv
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the child has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the child's wait result. It is nil while the child runs.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stderr returns the retained tail of the child's standard error.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Stop terminates the child and waits for it to be reaped. Only the first
// call signals; later calls, and calls on an already exited child, are no-ops.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.terminate()
	})
	return p.stopErr
}

func (p *Process) terminate() error {
	if p.Exited() {
		return nil
	}

	log.Debug().Int("pid", p.Pid()).Msg("stopping managed process")

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return fmt.Errorf("failed to terminate pid %d: %w", p.Pid(), kerr)
		}
	}

	timer := time.NewTimer(terminateGrace)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}
