package ssh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
)

// Defaults applied by New.
const (
	DefaultSSHBinary = "ssh"
	DefaultSCPBinary = "scp"
	DefaultTimeout   = 60 * time.Second
)

// identPattern is the only shape a server name or login may take.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Config is the validated configuration of a Connection.
type Config struct {
	Server       string        `validate:"required,ident"`
	Login        string        `validate:"omitempty,ident"`
	Port         int           `validate:"gte=0,lte=65535"`
	ConfigFile   string        `validate:"omitempty,file"`
	IdentityFile string        `validate:"omitempty,file"`
	AgentSocket  string
	Options      []string
	Timeout      time.Duration `validate:"gt=0s"`
	Debug        bool
	Role         Role
	ControlPath  string
	SSHBinary    string `validate:"required"`
	SCPBinary    string `validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(validateRole, Config{})
	return v
}

// validateRole checks that shared-channel roles name a usable control path.
func validateRole(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if !cfg.Role.NeedsControlPath() {
		return
	}
	if cfg.ControlPath == "" {
		sl.ReportError(cfg.ControlPath, "ControlPath", "ControlPath", "required_for_role", cfg.Role.String())
		return
	}
	info, err := os.Stat(filepath.Dir(cfg.ControlPath))
	if err != nil || !info.IsDir() {
		sl.ReportError(cfg.ControlPath, "ControlPath", "ControlPath", "dir_exists", cfg.Role.String())
	}
}

// ValidateIdentifier reports whether s is safe to use as a server name or
// login on a command line.
func ValidateIdentifier(s string) error {
	if !identPattern.MatchString(s) {
		return identError(fmt.Sprintf("%q contains illegal symbols", s))
	}
	return nil
}

// identError is an ErrInvalidIdentifier that also matches ErrConfiguration.
func identError(msg string) error {
	return configError(&Error{Kind: ErrInvalidIdentifier, Op: "configure", Err: errors.New(msg)})
}

// Validate expands file paths in place and checks every field.
func (c *Config) Validate() error {
	var err error
	if c.ConfigFile, err = expand(c.ConfigFile); err != nil {
		return configError(err)
	}
	if c.IdentityFile, err = expand(c.IdentityFile); err != nil {
		return configError(err)
	}
	if c.ControlPath, err = expand(c.ControlPath); err != nil {
		return configError(err)
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return configError(err)
		}
		return c.fieldError(verrs[0])
	}
	return nil
}

// fieldError turns the first validation failure into a readable error.
func (c *Config) fieldError(fe validator.FieldError) error {
	kind := ErrConfiguration
	var msg string

	switch fe.Field() {
	case "Server":
		kind = ErrInvalidIdentifier
		msg = "server name contains illegal symbols"
		if fe.Tag() == "required" {
			msg = "server name is required"
		}
	case "Login":
		kind = ErrInvalidIdentifier
		msg = "user login contains illegal symbols"
	case "ConfigFile":
		msg = fmt.Sprintf("config file %s is not found", c.ConfigFile)
	case "IdentityFile":
		msg = fmt.Sprintf("key file %s is not found", c.IdentityFile)
	case "Port":
		msg = fmt.Sprintf("invalid port %d", c.Port)
	case "Timeout":
		msg = "timeout must be positive"
	case "ControlPath":
		if fe.Tag() == "required_for_role" {
			msg = fmt.Sprintf("control path is required for %s role", c.Role)
		} else {
			msg = fmt.Sprintf("control path directory %s does not exist", filepath.Dir(c.ControlPath))
		}
	default:
		msg = fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}

	if kind == ErrInvalidIdentifier {
		return identError(msg)
	}
	return configError(errors.New(msg))
}

func configError(err error) error {
	return &Error{Kind: ErrConfiguration, Op: "configure", Err: err}
}

func expand(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	return homedir.Expand(path)
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogin sets the remote user name.
func WithLogin(login string) Option {
	return func(c *Connection) {
		c.cfg.Login = login
	}
}

// WithPort sets the remote port.
func WithPort(port int) Option {
	return func(c *Connection) {
		c.cfg.Port = port
	}
}

// WithConfigFile sets an ssh_config file passed with -F.
func WithConfigFile(path string) Option {
	return func(c *Connection) {
		c.cfg.ConfigFile = path
	}
}

// WithIdentityFile sets a private key passed with -i.
func WithIdentityFile(path string) Option {
	return func(c *Connection) {
		c.cfg.IdentityFile = path
	}
}

// WithAgentSocket points SSH_AUTH_SOCK at path for spawned clients.
func WithAgentSocket(path string) Option {
	return func(c *Connection) {
		c.cfg.AgentSocket = path
	}
}

// WithOptions appends raw -o values, in order.
func WithOptions(options ...string) Option {
	return func(c *Connection) {
		c.cfg.Options = append(c.cfg.Options, options...)
	}
}

// WithTimeout bounds every client call.
func WithTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.cfg.Timeout = d
	}
}

// WithDebug makes the clients verbose.
func WithDebug(debug bool) Option {
	return func(c *Connection) {
		c.cfg.Debug = debug
	}
}

// WithRole sets the connection-sharing role and its control socket path.
func WithRole(role Role, controlPath string) Option {
	return func(c *Connection) {
		c.cfg.Role = role
		c.cfg.ControlPath = controlPath
	}
}

// WithSSHBinary overrides the ssh client program.
func WithSSHBinary(path string) Option {
	return func(c *Connection) {
		c.cfg.SSHBinary = path
	}
}

// WithSCPBinary overrides the scp client program.
func WithSCPBinary(path string) Option {
	return func(c *Connection) {
		c.cfg.SCPBinary = path
	}
}
