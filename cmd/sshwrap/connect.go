package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/eugenetaranov/sshwrap/internal/config"
	"github.com/eugenetaranov/sshwrap/internal/connector/ssh"
)

// defaultProfiles is read when --profiles is not given and the file exists.
const defaultProfiles = "~/.config/sshwrap/profiles.yaml"

// connFlags are the connection flags shared by every subcommand.
type connFlags struct {
	profiles     string
	login        string
	port         int
	identityFile string
	configFile   string
	agentSocket  string
	options      []string
	timeout      time.Duration
	role         string
	controlPath  string
}

func (f *connFlags) register(set *pflag.FlagSet) {
	set.StringVar(&f.profiles, "profiles", "", "Profiles file (default "+defaultProfiles+" if present)")
	set.StringVarP(&f.login, "login", "l", "", "Remote user name")
	set.IntVarP(&f.port, "port", "p", 0, "Remote port")
	set.StringVarP(&f.identityFile, "identity", "i", "", "Private key file")
	set.StringVarP(&f.configFile, "ssh-config", "F", "", "ssh client configuration file")
	set.StringVar(&f.agentSocket, "agent-socket", "", "Authentication agent socket")
	set.StringArrayVarP(&f.options, "option", "o", nil, "Extra ssh option in Key=Value form (repeatable)")
	set.DurationVar(&f.timeout, "timeout", 0, "Per-operation timeout (default from SSHWRAP_TIMEOUT)")
	set.StringVar(&f.role, "role", "", "Connection role: standalone, primary, secondary, primary+secondary")
	set.StringVar(&f.controlPath, "control-path", "", "ControlMaster socket path")
}

// profile turns the flags into a profile that overrides a stored one.
func (f *connFlags) profile() (config.Profile, error) {
	role, err := ssh.ParseRole(f.role)
	if err != nil {
		return config.Profile{}, err
	}
	return config.Profile{
		Login:        f.login,
		Port:         f.port,
		IdentityFile: f.identityFile,
		ConfigFile:   f.configFile,
		AgentSocket:  f.agentSocket,
		Options:      f.options,
		Timeout:      f.timeout,
		Role:         role,
		ControlPath:  f.controlPath,
		Debug:        debug,
	}, nil
}

// loadProfiles reads the profiles file. A missing default file is not an error.
func (f *connFlags) loadProfiles() (*config.File, error) {
	path, explicit := f.profiles, f.profiles != ""
	if !explicit {
		path = defaultProfiles
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", path, err)
	}

	file, err := config.ParseFile(expanded)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return &config.File{}, nil
	}
	return file, err
}

// resolve finds the profile for host and lays the flags over it.
func (f *connFlags) resolve(host string) (config.Profile, error) {
	override, err := f.profile()
	if err != nil {
		return config.Profile{}, err
	}

	file, err := f.loadProfiles()
	if err != nil {
		return config.Profile{}, err
	}

	stored := config.Profile{Server: host}.Merge(file.Defaults)
	if _, ok := file.Hosts[host]; ok {
		if stored, err = file.Profile(host); err != nil {
			return config.Profile{}, err
		}
		log.Debug().Str("profile", host).Str("file", file.Path).Msg("using profile")
	}

	p := override.Merge(stored)
	if f.role != "" {
		// Standalone is the zero Role, so Merge cannot tell it from unset.
		p.Role = override.Role
	}
	return p, nil
}

// connect opens a connection to host using the global flags.
func connect(host string) (*ssh.Connection, error) {
	p, err := flags.resolve(host)
	if err != nil {
		return nil, err
	}

	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("server", p.Server).
		Str("login", p.Login).
		Stringer("role", p.Role).
		Msg("connecting")

	conn, err := ssh.New(p.Server, p.SSHOptions(env)...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
