package ssh

import (
	"strconv"
)

// ExecRequest is the per-call input to BuildExecCommand.
type ExecRequest struct {
	// Interpreter is the remote program that reads the command on stdin.
	// Empty means no remote command (-N).
	Interpreter string

	// ForwardAgent adds -A.
	ForwardAgent bool

	// InitMaster builds the call that starts the control channel.
	InitMaster bool

	Tunnels []Tunnel
}

// BuildExecCommand returns the ssh argv for one call. The flag order is fixed
// and callers may rely on it.
func BuildExecCommand(cfg *Config, req ExecRequest) ([]string, error) {
	if req.Interpreter == "" && !req.InitMaster && len(req.Tunnels) == 0 {
		return nil, buildError("build exec command", ErrNothingToDo)
	}

	auth := cfg.Role.authenticates()

	argv := []string{cfg.SSHBinary}
	if cfg.Debug {
		argv = append(argv, "-vvvv")
	}
	if auth && cfg.Login != "" {
		argv = append(argv, "-l", cfg.Login)
	}
	if cfg.ConfigFile != "" {
		argv = append(argv, "-F", cfg.ConfigFile)
	}
	if auth && cfg.IdentityFile != "" {
		argv = append(argv, "-i", cfg.IdentityFile)
	}
	if req.ForwardAgent {
		argv = append(argv, "-A")
	}
	if cfg.Port != 0 {
		argv = append(argv, "-p", strconv.Itoa(cfg.Port))
	}
	if req.Interpreter == "" {
		argv = append(argv, "-N")
	}
	if cfg.Role.IsPrimary() && req.InitMaster {
		argv = append(argv, "-M", "-S", cfg.ControlPath)
	}
	if cfg.Role.IsSecondary() && !req.InitMaster {
		argv = append(argv, "-S", cfg.ControlPath)
	}
	for _, t := range req.Tunnels {
		argv = append(argv, t.Args()...)
	}
	for _, o := range cfg.Options {
		argv = append(argv, "-o", o)
	}

	argv = append(argv, cfg.Server)
	if req.Interpreter != "" {
		argv = append(argv, req.Interpreter)
	}
	return argv, nil
}

// BuildControlCommand returns the argv that sends a control request
// ("check", "exit", ...) to the master listening on the control path.
func BuildControlCommand(cfg *Config, request string) ([]string, error) {
	if cfg.ControlPath == "" || request == "" {
		return nil, buildError("build control command", ErrNothingToDo)
	}

	argv := []string{cfg.SSHBinary}
	if cfg.ConfigFile != "" {
		argv = append(argv, "-F", cfg.ConfigFile)
	}
	argv = append(argv, "-S", cfg.ControlPath, "-O", request, cfg.Server)
	return argv, nil
}

// BuildTransferCommand returns the scp argv that uploads files to target.
func BuildTransferCommand(cfg *Config, files []string, target string) ([]string, error) {
	const op = "build transfer command"

	if len(files) == 0 {
		return nil, buildError(op, ErrNoFiles)
	}
	for _, f := range files {
		if f == "" {
			return nil, buildError(op, ErrInvalidPath)
		}
	}
	if target == "" {
		return nil, buildError(op, ErrInvalidPath)
	}

	argv := scpPrefix(cfg)
	argv = append(argv, files...)
	argv = append(argv, remoteName(cfg)+":"+target)
	return argv, nil
}

// BuildTransferDownCommand returns the scp argv that downloads one remote
// file to localTarget.
func BuildTransferDownCommand(cfg *Config, remoteFile, localTarget string) ([]string, error) {
	if remoteFile == "" || localTarget == "" {
		return nil, buildError("build transfer down command", ErrInvalidPath)
	}

	argv := scpPrefix(cfg)
	argv = append(argv, remoteName(cfg)+":"+remoteFile, localTarget)
	return argv, nil
}

// scpPrefix is everything before the file arguments of an scp call.
func scpPrefix(cfg *Config) []string {
	auth := cfg.Role.authenticates()

	argv := []string{cfg.SCPBinary}
	if cfg.Debug {
		argv = append(argv, "-vvvv")
	} else {
		argv = append(argv, "-q")
	}
	argv = append(argv, "-r")
	if cfg.ConfigFile != "" {
		argv = append(argv, "-F", cfg.ConfigFile)
	}
	if auth && cfg.IdentityFile != "" {
		argv = append(argv, "-i", cfg.IdentityFile)
	}
	if cfg.Port != 0 {
		// scp spells the port flag differently from ssh.
		argv = append(argv, "-P", strconv.Itoa(cfg.Port))
	}
	if cfg.Role.IsSecondary() {
		argv = append(argv, "-o", "ControlPath="+cfg.ControlPath)
	}
	for _, o := range cfg.Options {
		argv = append(argv, "-o", o)
	}
	return argv
}

// remoteName is [login@]server as scp expects it.
func remoteName(cfg *Config) string {
	if cfg.Login != "" && cfg.Role.authenticates() {
		return cfg.Login + "@" + cfg.Server
	}
	return cfg.Server
}

func buildError(op string, err error) error {
	return &Error{Kind: ErrBuild, Op: op, Err: err}
}
