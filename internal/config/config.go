// Package config loads connection profiles from YAML and process-wide
// defaults from the environment, and turns them into ssh connection options.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/eugenetaranov/sshwrap/internal/connector/ssh"
)

// EnvPrefix is the prefix of every environment variable read by LoadEnv.
const EnvPrefix = "SSHWRAP"

// Env holds defaults taken from SSHWRAP_* environment variables.
type Env struct {
	SSHBinary  string        `envconfig:"SSH_BINARY" default:"ssh"`
	SCPBinary  string        `envconfig:"SCP_BINARY" default:"scp"`
	Timeout    time.Duration `envconfig:"TIMEOUT" default:"60s"`
	ControlDir string        `envconfig:"CONTROL_DIR"`
}

// LoadEnv reads Env from the environment.
func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Env{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return env, nil
}

// Profile describes one host. Zero fields fall back to the file defaults.
type Profile struct {
	Server       string        `yaml:"server"`
	Login        string        `yaml:"login"`
	Port         int           `yaml:"port"`
	ConfigFile   string        `yaml:"config_file"`
	IdentityFile string        `yaml:"identity_file"`
	AgentSocket  string        `yaml:"agent_socket"`
	Options      []string      `yaml:"options"`
	Timeout      time.Duration `yaml:"timeout"`
	Debug        bool          `yaml:"debug"`
	Role         ssh.Role      `yaml:"role"`
	ControlPath  string        `yaml:"control_path"`
}

// File is a parsed profiles file.
type File struct {
	Path     string             `yaml:"-"`
	Defaults Profile            `yaml:"defaults"`
	Hosts    map[string]Profile `yaml:"hosts"`
}

// ParseFile parses a profiles file from disk.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profiles %s: %w", path, err)
	}

	f.Path = path
	return f, nil
}

// Parse parses profiles from YAML data.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid profiles format: %w", err)
	}

	for name, p := range f.Hosts {
		if p.Server == "" {
			p.Server = name
			f.Hosts[name] = p
		}
	}
	return &f, nil
}

// Names returns the profile names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Hosts))
	for name := range f.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the named profile merged over the file defaults.
func (f *File) Profile(name string) (Profile, error) {
	p, ok := f.Hosts[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found", name)
	}
	return p.Merge(f.Defaults), nil
}

// Merge fills p's zero fields from defaults. Options are appended after
// the defaults' options.
func (p Profile) Merge(defaults Profile) Profile {
	if p.Server == "" {
		p.Server = defaults.Server
	}
	if p.Login == "" {
		p.Login = defaults.Login
	}
	if p.Port == 0 {
		p.Port = defaults.Port
	}
	if p.ConfigFile == "" {
		p.ConfigFile = defaults.ConfigFile
	}
	if p.IdentityFile == "" {
		p.IdentityFile = defaults.IdentityFile
	}
	if p.AgentSocket == "" {
		p.AgentSocket = defaults.AgentSocket
	}
	if p.Timeout == 0 {
		p.Timeout = defaults.Timeout
	}
	if p.Role == ssh.RoleStandalone {
		p.Role = defaults.Role
	}
	if p.ControlPath == "" {
		p.ControlPath = defaults.ControlPath
	}
	p.Debug = p.Debug || defaults.Debug
	p.Options = append(append([]string(nil), defaults.Options...), p.Options...)
	return p
}

// ControlPathFor returns the control socket path for p, deriving one from
// env.ControlDir when the profile names none.
func (p Profile) ControlPathFor(env Env) string {
	if p.ControlPath != "" || env.ControlDir == "" {
		return p.ControlPath
	}
	name := p.Server
	if p.Login != "" {
		name = p.Login + "@" + name
	}
	if p.Port != 0 {
		name = fmt.Sprintf("%s-%d", name, p.Port)
	}
	return filepath.Join(env.ControlDir, name+".sock")
}

// SSHOptions converts p into connection options. Environment values apply
// where the profile is silent.
func (p Profile) SSHOptions(env Env) []ssh.Option {
	opts := []ssh.Option{
		ssh.WithSSHBinary(env.SSHBinary),
		ssh.WithSCPBinary(env.SCPBinary),
	}
	if env.Timeout > 0 {
		opts = append(opts, ssh.WithTimeout(env.Timeout))
	}

	if p.Login != "" {
		opts = append(opts, ssh.WithLogin(p.Login))
	}
	if p.Port != 0 {
		opts = append(opts, ssh.WithPort(p.Port))
	}
	if p.ConfigFile != "" {
		opts = append(opts, ssh.WithConfigFile(p.ConfigFile))
	}
	if p.IdentityFile != "" {
		opts = append(opts, ssh.WithIdentityFile(p.IdentityFile))
	}
	if p.AgentSocket != "" {
		opts = append(opts, ssh.WithAgentSocket(p.AgentSocket))
	}
	if len(p.Options) > 0 {
		opts = append(opts, ssh.WithOptions(p.Options...))
	}
	if p.Timeout > 0 {
		opts = append(opts, ssh.WithTimeout(p.Timeout))
	}
	if p.Debug {
		opts = append(opts, ssh.WithDebug(true))
	}
	if p.Role != ssh.RoleStandalone {
		opts = append(opts, ssh.WithRole(p.Role, p.ControlPathFor(env)))
	}
	return opts
}
