// Package main is the entrypoint for the sshwrap CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/eugenetaranov/sshwrap/internal/connector"
	"github.com/eugenetaranov/sshwrap/internal/connector/ssh"
	"github.com/eugenetaranov/sshwrap/internal/output"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug   bool
	noColor bool
	flags   connFlags
)

// exitError carries a remote exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)

	var exitErr *exitError
	switch {
	case errors.As(err, &exitErr):
		os.Exit(exitErr.code)
	case err != nil:
		newOutput(os.Stderr).Failure(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sshwrap",
	Short: "sshwrap - run commands and copy files through the OpenSSH client",
	Long: `sshwrap drives the ssh and scp programs to run remote commands, copy
files and hold port forwarding tunnels. Connections can share one
authenticated ControlMaster channel.

Hosts are given by name; when a profiles file is present the name is looked
up there first.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(os.Stderr, debug)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging and verbose clients")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	flags.register(rootCmd.PersistentFlags())

	// Add subcommands
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(tunnelCmd)
	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(checkCmd)
}

// setupLogging configures zerolog for the CLI.
func setupLogging(w io.Writer, debug bool) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, NoColor: noColor, TimeFormat: time.TimeOnly})

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

func newOutput(w io.Writer) *output.Output {
	out := output.New(w)
	out.SetColor(!noColor)
	out.SetDebug(debug)
	return out
}

// execCmd runs a command on a host
var execCmd = &cobra.Command{
	Use:   "exec <host> <command>",
	Short: "Run a command on a host",
	Long: `Feed a command to an interpreter on the host and print its output.
The remote exit status becomes sshwrap's exit status.

Examples:
  sshwrap exec web-01 'uptime'
  sshwrap exec web-01 --interpreter /usr/bin/python3 'print(42)'
  sshwrap exec db --forward-agent 'git -C /srv/app pull'`,
	Args: cobra.ExactArgs(2),
	RunE: runExec,
}

func init() {
	execCmd.Flags().String("interpreter", ssh.DefaultInterpreter, "Remote program that reads the command on stdin")
	execCmd.Flags().BoolP("forward-agent", "A", false, "Forward the authentication agent")
}

func runExec(cmd *cobra.Command, args []string) error {
	interpreter, _ := cmd.Flags().GetString("interpreter")
	forwardAgent, _ := cmd.Flags().GetBool("forward-agent")

	conn, err := connect(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	out := newOutput(os.Stdout)
	out.Debug("connected to %s", conn)

	start := time.Now()
	result, err := conn.ExecuteWith(cmd.Context(), args[1], ssh.ExecOptions{
		Interpreter:  interpreter,
		ForwardAgent: forwardAgent,
	})
	if err != nil {
		return err
	}

	out.Result(result, time.Since(start))
	if !result.Success() {
		return &exitError{code: result.ExitCode}
	}
	return nil
}

// putCmd uploads files
var putCmd = &cobra.Command{
	Use:   "put <host> <target> <file>...",
	Short: "Copy local files to a host",
	Long: `Copy files to the host with scp and optionally fix their mode and owner.
A file named "-" is read from standard input and uploaded under --name.

Examples:
  sshwrap put web-01 /etc/nginx/ nginx.conf mime.types --mode 0644 --owner root
  echo hello | sshwrap put web-01 /tmp - --name hello.txt`,
	Args: cobra.MinimumNArgs(3),
	RunE: runPut,
}

func init() {
	putCmd.Flags().String("mode", "", "chmod mode applied to the copied files")
	putCmd.Flags().String("owner", "", "chown owner applied to the copied files")
	putCmd.Flags().String("name", "", "File name for content read from standard input")
}

func runPut(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("mode")
	owner, _ := cmd.Flags().GetString("owner")
	name, _ := cmd.Flags().GetString("name")

	host, target, files := args[0], args[1], args[2:]

	sources := make([]connector.Source, 0, len(files))
	for _, f := range files {
		if f == "-" {
			sources = append(sources, connector.ReaderSource{Name: name, Reader: cmd.InOrStdin()})
			continue
		}
		sources = append(sources, connector.PathSource{Path: f})
	}

	conn, err := connect(host)
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.TransferUp(cmd.Context(), sources, target, connector.Fixup{Mode: mode, Owner: owner}); err != nil {
		return err
	}

	newOutput(os.Stdout).Transferred("up", files, host+":"+target, time.Since(start))
	return nil
}

// getCmd downloads a file
var getCmd = &cobra.Command{
	Use:   "get <host> <remote-file> <local-target>",
	Short: "Copy a file from a host",
	Long: `Copy one remote file with scp and optionally fix its mode and owner
on the local filesystem.

Examples:
  sshwrap get web-01 /var/log/nginx/error.log .
  sshwrap get web-01 /etc/hosts ./hosts --mode 0600`,
	Args: cobra.ExactArgs(3),
	RunE: runGet,
}

func init() {
	getCmd.Flags().String("mode", "", "chmod mode applied to the local copy")
	getCmd.Flags().String("owner", "", "chown owner applied to the local copy")
}

func runGet(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("mode")
	owner, _ := cmd.Flags().GetString("owner")

	conn, err := connect(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.TransferDown(cmd.Context(), args[1], args[2], connector.Fixup{Mode: mode, Owner: owner}); err != nil {
		return err
	}

	newOutput(os.Stdout).Transferred("down", []string{args[0] + ":" + args[1]}, args[2], time.Since(start))
	return nil
}

// tunnelCmd holds port forwards open
var tunnelCmd = &cobra.Command{
	Use:   "tunnel <host>",
	Short: "Hold port forwarding tunnels open",
	Long: `Start an ssh process that holds the given forwards until interrupted.
Forwards are written [local_addr:]local_port:remote_addr:remote_port.

Examples:
  sshwrap tunnel db -L 15432:localhost:5432
  sshwrap tunnel web-01 -R 8080:localhost:3000 -L 0.0.0.0:9090:metrics:9090`,
	Args: cobra.ExactArgs(1),
	RunE: runTunnel,
}

func init() {
	tunnelCmd.Flags().StringArrayP("local", "L", nil, "Forward a local port to the remote side")
	tunnelCmd.Flags().StringArrayP("remote", "R", nil, "Forward a remote port to the local side")
}

func runTunnel(cmd *cobra.Command, args []string) error {
	locals, _ := cmd.Flags().GetStringArray("local")
	remotes, _ := cmd.Flags().GetStringArray("remote")

	tunnels, err := parseTunnels(locals, remotes)
	if err != nil {
		return err
	}

	conn, err := connect(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	h, err := conn.OpenTunnel(cmd.Context(), tunnels...)
	if err != nil {
		return err
	}

	out := newOutput(os.Stdout)
	out.TunnelOpen(h.Pid(), h.Tunnels())

	select {
	case <-cmd.Context().Done():
		err := h.Stop()
		out.TunnelClosed(h.Pid(), nil, "")
		return err
	case <-h.Done():
		out.TunnelClosed(h.Pid(), h.Err(), h.Stderr())
		if h.Err() != nil {
			return &exitError{code: 1}
		}
		return nil
	}
}

func parseTunnels(locals, remotes []string) ([]ssh.Tunnel, error) {
	tunnels := make([]ssh.Tunnel, 0, len(locals)+len(remotes))
	for _, spec := range locals {
		t, err := ssh.ParseTunnel(ssh.Forward, spec)
		if err != nil {
			return nil, err
		}
		tunnels = append(tunnels, t)
	}
	for _, spec := range remotes {
		t, err := ssh.ParseTunnel(ssh.Reverse, spec)
		if err != nil {
			return nil, err
		}
		tunnels = append(tunnels, t)
	}
	if len(tunnels) == 0 {
		return nil, errors.New("at least one -L or -R forward is required")
	}
	return tunnels, nil
}

// masterCmd holds a ControlMaster channel open
var masterCmd = &cobra.Command{
	Use:   "master <host>",
	Short: "Hold a shared control channel open",
	Long: `Start a ControlMaster for the host and keep it running until interrupted.
Other sshwrap invocations with --role secondary and the same --control-path
ride the channel without authenticating again.

Examples:
  sshwrap master web-01 --control-path /tmp/web-01.sock
  sshwrap exec web-01 --role secondary --control-path /tmp/web-01.sock uptime`,
	Args: cobra.ExactArgs(1),
	RunE: runMaster,
}

func runMaster(cmd *cobra.Command, args []string) error {
	if flags.controlPath == "" {
		return errors.New("--control-path is required")
	}
	flags.role = ssh.RolePrimary.String()

	conn, err := connect(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WaitForControl(cmd.Context()); err != nil {
		return err
	}

	path, _ := filepath.Abs(conn.Config().ControlPath)
	newOutput(os.Stdout).Info("control channel for %s listening on %s", conn, path)

	<-cmd.Context().Done()
	return conn.Close()
}

// checkCmd asks a control master whether it is alive
var checkCmd = &cobra.Command{
	Use:   "check <host>",
	Short: "Check a shared control channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flags.role == "" {
			flags.role = ssh.RoleSecondary.String()
		}

		conn, err := connect(args[0])
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := conn.CheckControl(cmd.Context()); err != nil {
			return err
		}
		newOutput(os.Stdout).Info("control channel for %s is running", conn)
		return nil
	},
}
