// Package connector defines the interfaces for executing commands on target systems.
package connector

import (
	"context"
	"fmt"
	"strings"
)

// Result holds the output from command execution.
//
// A nonzero ExitCode is a valid result, not an error: it means the command
// ran and reported failure.
type Result struct {
	// Command is the command text that was executed.
	Command string

	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// String returns the command's standard output as text.
func (r *Result) String() string {
	return string(r.Stdout)
}

// GoString returns a verbose description of the result.
func (r *Result) GoString() string {
	return fmt.Sprintf("command: %s\nstdout: %s\nstderr: %s\nreturncode: %d",
		r.Command, r.Stdout, r.Stderr, r.ExitCode)
}

// Success reports whether the command exited with status zero.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Executor runs shell command text on a target.
type Executor interface {
	// Execute runs a command and returns the result.
	Execute(ctx context.Context, cmd string) (*Result, error)

	// String returns a human-readable description of the target.
	String() string
}

// Fixup is a permission and ownership adjustment applied after a transfer.
type Fixup struct {
	// Mode is a chmod mode such as "0644" or "u+x". Empty skips chmod.
	Mode string

	// Owner is a chown owner such as "root" or "www-data:www-data". Empty skips chown.
	Owner string
}

// Empty reports whether the fixup requests no change.
func (f Fixup) Empty() bool {
	return f.Mode == "" && f.Owner == ""
}

// Connector is the interface for connecting to and transferring files with targets.
type Connector interface {
	Executor

	// Upload copies local sources to target on the remote side.
	Upload(ctx context.Context, sources []Source, target string, fixup Fixup) error

	// Download copies a remote file to a local target.
	Download(ctx context.Context, remoteFile, localTarget string, fixup Fixup) error

	// Close terminates the connection and every process it owns.
	Close() error
}

// TrimOutput strips surrounding whitespace the way command results are reported.
func TrimOutput(b []byte) []byte {
	return []byte(strings.TrimSpace(string(b)))
}
