package ssh

import (
	"fmt"
	"strings"
)

// Role is a connection's part in ControlMaster connection sharing.
type Role int

const (
	// RoleStandalone authenticates every call on its own.
	RoleStandalone Role = iota

	// RolePrimary owns the control channel and may only hold it open.
	RolePrimary

	// RoleSecondary rides an existing control channel.
	RoleSecondary

	// RolePrimaryAndSecondary owns the control channel and rides it.
	RolePrimaryAndSecondary
)

// IsPrimary reports whether the role starts a control channel.
func (r Role) IsPrimary() bool {
	return r == RolePrimary || r == RolePrimaryAndSecondary
}

// IsSecondary reports whether the role reuses a control channel.
func (r Role) IsSecondary() bool {
	return r == RoleSecondary || r == RolePrimaryAndSecondary
}

// NeedsControlPath reports whether the role requires a control socket path.
func (r Role) NeedsControlPath() bool {
	return r.IsPrimary() || r.IsSecondary()
}

// PrimaryOnly reports whether the role may only hold the control channel.
func (r Role) PrimaryOnly() bool {
	return r == RolePrimary
}

// authenticates reports whether calls carry their own credentials (login,
// identity file, agent socket). Only a pure secondary leaves them out.
func (r Role) authenticates() bool {
	return r != RoleSecondary
}

func (r Role) String() string {
	switch r {
	case RoleStandalone:
		return "standalone"
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	case RolePrimaryAndSecondary:
		return "primary+secondary"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole parses a role name as written by String. "master", "slave" and
// "both" are accepted as aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standalone":
		return RoleStandalone, nil
	case "primary", "master":
		return RolePrimary, nil
	case "secondary", "slave":
		return RoleSecondary, nil
	case "primary+secondary", "both", "master+slave":
		return RolePrimaryAndSecondary, nil
	default:
		return RoleStandalone, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}
