// Package ssh runs commands and transfers files by driving the OpenSSH client
// programs. It never speaks the protocol itself.
//
// A Connection may share one authenticated channel between many calls using
// ControlMaster multiplexing: a primary connection owns the master process,
// secondary connections ride its control socket.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/eugenetaranov/sshwrap/internal/connector"
	"github.com/eugenetaranov/sshwrap/internal/connector/local"
	"github.com/eugenetaranov/sshwrap/internal/process"
)

// DefaultInterpreter reads commands sent by Execute.
const DefaultInterpreter = "/bin/bash"

// agentSocketEnv names the agent socket for spawned clients.
const agentSocketEnv = "SSH_AUTH_SOCK"

// State is a Connection's lifecycle stage.
type State int

const (
	StateConstructed State = iota
	StateControlStarting
	StateControlActive
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateControlStarting:
		return "control-starting"
	case StateControlActive:
		return "control-active"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Connection is a session with one server.
type Connection struct {
	cfg     Config
	user    string
	metrics *Metrics
	local   connector.Executor

	mu      sync.Mutex
	state   State
	master  *process.Process
	tunnels []*TunnelHandle
}

// WithLocalExecutor sets the executor that applies fixups to downloaded files.
func WithLocalExecutor(e connector.Executor) Option {
	return func(c *Connection) {
		c.local = e
	}
}

// New validates the configuration and, for primary roles, starts the control
// master. No Connection is returned on error.
func New(server string, opts ...Option) (*Connection, error) {
	c := &Connection{
		cfg: Config{
			Server:    server,
			Timeout:   DefaultTimeout,
			SSHBinary: DefaultSSHBinary,
			SCPBinary: DefaultSCPBinary,
		},
		user:  currentUser(),
		state: StateConstructed,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	if c.local == nil {
		c.local = local.New(local.WithTimeout(c.cfg.Timeout))
	}

	if !c.cfg.Role.IsPrimary() {
		c.state = StateReady
		return c, nil
	}

	c.state = StateControlStarting
	if err := c.startMaster(); err != nil {
		return nil, err
	}
	c.state = StateControlActive
	return c, nil
}

func (c *Connection) startMaster() error {
	argv, err := BuildExecCommand(&c.cfg, ExecRequest{InitMaster: true})
	if err != nil {
		return err
	}

	log.Debug().Strs("argv", argv).Str("control_path", c.cfg.ControlPath).Msg("starting control master")

	master, err := process.Start(process.Spec{Argv: argv, Env: c.env(true)})
	if err != nil {
		return fromProcess("start control master", argv, c.user, err)
	}
	c.master = master
	c.metrics.masterStarted()
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// env returns the environment for a spawned client, or nil to inherit the
// caller's. The agent socket is only set for calls that authenticate.
func (c *Connection) env(auth bool) []string {
	if c.cfg.AgentSocket == "" || !auth {
		return nil
	}

	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, agentSocketEnv+"=") {
			env = append(env, kv)
		}
	}
	return append(env, agentSocketEnv+"="+c.cfg.AgentSocket)
}

// usable rejects calls on closed or primary-only connections.
func (c *Connection) usable(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return &Error{Kind: ErrClosed, Op: op}
	}
	if c.cfg.Role.PrimaryOnly() {
		return &Error{
			Kind: ErrRole,
			Op:   op,
			Err:  errors.New("primary connection only holds the control channel, no commands can be sent on it"),
		}
	}
	return nil
}

// ExecOptions are per-call settings for ExecuteWith.
type ExecOptions struct {
	// Interpreter reads the command on stdin. Defaults to DefaultInterpreter.
	Interpreter string

	ForwardAgent bool

	// Tunnels are held open for the duration of the call.
	Tunnels []Tunnel
}

// Execute runs cmd with the default interpreter.
func (c *Connection) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	return c.ExecuteWith(ctx, cmd, ExecOptions{})
}

// ExecuteWith feeds cmd to the interpreter on the server. A nonzero exit
// status is returned in the Result; only client failures (exit 255), spawn
// failures, timeouts and cancellation are errors.
func (c *Connection) ExecuteWith(ctx context.Context, cmd string, opts ExecOptions) (*connector.Result, error) {
	start := time.Now()
	result, err := c.execute(ctx, cmd, opts)
	c.metrics.observe("execute", start, err)
	return result, err
}

func (c *Connection) execute(ctx context.Context, cmd string, opts ExecOptions) (*connector.Result, error) {
	const op = "execute"

	if err := c.usable(op); err != nil {
		return nil, err
	}

	if opts.Interpreter == "" {
		opts.Interpreter = DefaultInterpreter
	}

	argv, err := BuildExecCommand(&c.cfg, ExecRequest{
		Interpreter:  opts.Interpreter,
		ForwardAgent: opts.ForwardAgent,
		Tunnels:      opts.Tunnels,
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Strs("argv", argv).Str("command", cmd).Msg("executing remote command")

	out, err := process.Run(ctx, process.Spec{
		Argv:    argv,
		Stdin:   []byte(cmd),
		Env:     c.env(c.cfg.Role.authenticates()),
		Timeout: c.cfg.Timeout,
	})
	if err != nil {
		return nil, fromProcess(op, argv, c.user, err)
	}

	if out.ExitCode == clientErrorCode {
		return nil, &Error{
			Kind:     ErrRemoteClient,
			Op:       op,
			Command:  argv,
			User:     c.user,
			Stderr:   string(connector.TrimOutput(out.Stderr)),
			ExitCode: out.ExitCode,
		}
	}

	return &connector.Result{
		Command:  cmd,
		Stdout:   connector.TrimOutput(out.Stdout),
		Stderr:   connector.TrimOutput(out.Stderr),
		ExitCode: out.ExitCode,
	}, nil
}

// TunnelHandle is a running tunnel process owned by a Connection.
type TunnelHandle struct {
	conn    *Connection
	tunnels []Tunnel
	proc    *process.Process
	once    sync.Once
}

// Tunnels returns the forwarding rules the process holds.
func (h *TunnelHandle) Tunnels() []Tunnel {
	return h.tunnels
}

// Pid returns the tunnel process id.
func (h *TunnelHandle) Pid() int {
	return h.proc.Pid()
}

// Done is closed once the tunnel process has exited.
func (h *TunnelHandle) Done() <-chan struct{} {
	return h.proc.Done()
}

// Err returns the tunnel process exit error once it has exited.
func (h *TunnelHandle) Err() error {
	return h.proc.Err()
}

// Stderr returns the tail of the tunnel process's standard error.
func (h *TunnelHandle) Stderr() string {
	return h.proc.Stderr()
}

// Stop terminates the tunnel and reaps it. Safe to call more than once.
func (h *TunnelHandle) Stop() error {
	err := h.proc.Stop()
	h.once.Do(func() {
		h.conn.forget(h)
		h.conn.metrics.tunnelClosed()
	})
	return err
}

func (c *Connection) forget(h *TunnelHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, t := range c.tunnels {
		if t == h {
			c.tunnels = append(c.tunnels[:i], c.tunnels[i+1:]...)
			return
		}
	}
}

// OpenTunnel starts a process holding the given forwarding rules and returns
// without waiting for it. The process runs until the handle or the
// Connection is stopped.
func (c *Connection) OpenTunnel(ctx context.Context, tunnels ...Tunnel) (*TunnelHandle, error) {
	const op = "open tunnel"

	start := time.Now()
	h, err := c.openTunnel(ctx, tunnels)
	c.metrics.observe(op, start, err)
	return h, err
}

func (c *Connection) openTunnel(ctx context.Context, tunnels []Tunnel) (*TunnelHandle, error) {
	const op = "open tunnel"

	if err := ctx.Err(); err != nil {
		return nil, fromProcess(op, nil, c.user, contextError(err))
	}
	if c.State() == StateClosed {
		return nil, &Error{Kind: ErrClosed, Op: op}
	}
	if len(tunnels) == 0 {
		return nil, buildError(op, ErrNothingToDo)
	}

	argv, err := BuildExecCommand(&c.cfg, ExecRequest{Tunnels: tunnels})
	if err != nil {
		return nil, err
	}

	log.Debug().Strs("argv", argv).Msg("opening tunnel")

	proc, err := process.Start(process.Spec{
		Argv: argv,
		Env:  c.env(c.cfg.Role.authenticates()),
	})
	if err != nil {
		return nil, fromProcess(op, argv, c.user, err)
	}

	h := &TunnelHandle{conn: c, tunnels: append([]Tunnel(nil), tunnels...), proc: proc}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = proc.Stop()
		return nil, &Error{Kind: ErrClosed, Op: op}
	}
	c.tunnels = append(c.tunnels, h)
	c.mu.Unlock()

	c.metrics.tunnelOpened()
	return h, nil
}

// contextError maps a context error onto the process kinds.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", process.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", process.ErrCanceled, err)
}

// CheckControl asks the control master whether its socket is alive.
func (c *Connection) CheckControl(ctx context.Context) error {
	const op = "check control"

	if !c.cfg.Role.NeedsControlPath() {
		return &Error{Kind: ErrRole, Op: op, Err: errors.New("connection has no control path")}
	}
	if c.State() == StateClosed {
		return &Error{Kind: ErrClosed, Op: op}
	}

	argv, err := BuildControlCommand(&c.cfg, "check")
	if err != nil {
		return err
	}

	out, err := process.Run(ctx, process.Spec{Argv: argv, Timeout: c.cfg.Timeout})
	if err != nil {
		return fromProcess(op, argv, c.user, err)
	}
	if out.ExitCode != 0 {
		return &Error{
			Kind:     ErrRemoteClient,
			Op:       op,
			Command:  argv,
			User:     c.user,
			Stderr:   string(connector.TrimOutput(out.Stderr)),
			ExitCode: out.ExitCode,
		}
	}
	return nil
}

// WaitForControl polls CheckControl with exponential backoff until the
// control socket answers, the master exits, the connection timeout elapses
// or ctx ends.
func (c *Connection) WaitForControl(ctx context.Context) error {
	const op = "wait for control"

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = c.cfg.Timeout

	check := func() error {
		if master := c.masterProcess(); master != nil && master.Exited() {
			return backoff.Permanent(&Error{
				Kind:    ErrRemoteClient,
				Op:      op,
				Command: master.Argv(),
				User:    c.user,
				Stderr:  strings.TrimSpace(master.Stderr()),
				Err:     errors.New("control master exited"),
			})
		}
		err := c.CheckControl(ctx)
		if errors.Is(err, ErrRole) || errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(check, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}

	var sshErr *Error
	if !errors.As(err, &sshErr) {
		return fromProcess(op, nil, c.user, contextError(err))
	}
	return err
}

func (c *Connection) masterProcess() *process.Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master
}

// Close stops every tunnel and the control master and waits for them to
// exit. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	tunnels := append([]*TunnelHandle(nil), c.tunnels...)
	master := c.master
	c.mu.Unlock()

	errs := make([]error, len(tunnels)+1)

	var g errgroup.Group
	for i, h := range tunnels {
		g.Go(func() error {
			errs[i] = h.Stop()
			return errs[i]
		})
	}
	_ = g.Wait()

	if master != nil {
		log.Debug().Int("pid", master.Pid()).Msg("stopping control master")
		errs[len(tunnels)] = master.Stop()
		c.metrics.masterStopped()
	}

	return errors.Join(errs...)
}

// Config returns a copy of the validated configuration.
func (c *Connection) Config() Config {
	cfg := c.cfg
	cfg.Options = append([]string(nil), c.cfg.Options...)
	return cfg
}

// Role returns the connection's role.
func (c *Connection) Role() Role {
	return c.cfg.Role
}

// State returns the connection's lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// String returns a description of the connection.
func (c *Connection) String() string {
	var b strings.Builder
	b.WriteString("ssh://")
	if c.cfg.Login != "" {
		b.WriteString(c.cfg.Login)
		b.WriteString("@")
	}
	b.WriteString(c.cfg.Server)
	if c.cfg.Port != 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(c.cfg.Port))
	}
	fmt.Fprintf(&b, " (%s)", c.cfg.Role)
	return b.String()
}

// Ensure Connection implements the connector.Connector interface.
var _ connector.Connector = (*Connection)(nil)
