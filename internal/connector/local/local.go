// Package local provides an executor for running commands on the local machine.
//
// It is used to apply post-download fixups (chmod, chown) to files that were
// pulled from a remote host, with the same command text a remote fixup uses.
package local

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"time"

	"github.com/eugenetaranov/sshwrap/internal/connector"
	"github.com/eugenetaranov/sshwrap/internal/process"
	"github.com/eugenetaranov/sshwrap/internal/shell"
)

// Connector executes commands on the local machine.
type Connector struct {
	shell     string
	shellArgs []string
	sudo      bool
	sudoUser  string
	timeout   time.Duration
}

// Option configures the local connector.
type Option func(*Connector)

// WithSudo enables sudo for command execution.
func WithSudo(user string) Option {
	return func(c *Connector) {
		c.sudo = true
		c.sudoUser = user
	}
}

// WithShell sets a custom shell for command execution.
func WithShell(shell string, args ...string) Option {
	return func(c *Connector) {
		c.shell = shell
		c.shellArgs = args
	}
}

// WithTimeout bounds each command.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.timeout = d
	}
}

// New creates a new local connector.
func New(opts ...Option) *Connector {
	c := &Connector{}

	// Set default shell based on OS
	switch runtime.GOOS {
	case "windows":
		c.shell = "cmd"
		c.shellArgs = []string{"/C"}
	default:
		c.shell = "/bin/sh"
		c.shellArgs = []string{"-c"}
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Execute runs a command locally and returns the result.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	argv := append([]string{c.shell}, c.shellArgs...)
	argv = append(argv, c.buildCommand(cmd))

	out, err := process.Run(ctx, process.Spec{
		Argv:    argv,
		Timeout: c.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	return &connector.Result{
		Command:  cmd,
		Stdout:   connector.TrimOutput(out.Stdout),
		Stderr:   connector.TrimOutput(out.Stderr),
		ExitCode: out.ExitCode,
	}, nil
}

// buildCommand wraps the command with sudo if configured.
func (c *Connector) buildCommand(cmd string) string {
	if !c.sudo {
		return cmd
	}

	if c.sudoUser != "" {
		return fmt.Sprintf("sudo -u %s -- %s", shell.Quote(c.sudoUser), cmd)
	}
	return fmt.Sprintf("sudo -- %s", cmd)
}

// String returns a description of the connection.
func (c *Connector) String() string {
	u, err := user.Current()
	if err != nil {
		return "local"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	if c.sudo && c.sudoUser != "" {
		return fmt.Sprintf("local://%s@%s (sudo as %s)", u.Username, hostname, c.sudoUser)
	}
	if c.sudo {
		return fmt.Sprintf("local://%s@%s (sudo)", u.Username, hostname)
	}
	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

// Ensure Connector implements the connector.Executor interface.
var _ connector.Executor = (*Connector)(nil)
