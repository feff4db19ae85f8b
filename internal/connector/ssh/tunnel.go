package ssh

import (
	"fmt"
	"strconv"
	"strings"
)

// Direction is the way a tunnel forwards traffic.
type Direction int

const (
	// Forward binds a local port and forwards to the remote side (ssh -L).
	Forward Direction = iota

	// Reverse binds a remote port and forwards to the local side (ssh -R).
	Reverse
)

// Flag returns the ssh option for the direction.
func (d Direction) Flag() string {
	if d == Reverse {
		return "-R"
	}
	return "-L"
}

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// defaultTunnelAddr is used when a tunnel address is left empty.
const defaultTunnelAddr = "localhost"

// Tunnel is one port forwarding rule. It is immutable once built.
type Tunnel struct {
	direction  Direction
	localAddr  string
	localPort  int
	remoteAddr string
	remotePort int
}

// NewTunnel builds a forwarding rule. Both ports must be in 1..65535.
func NewTunnel(direction Direction, localAddr string, localPort int, remoteAddr string, remotePort int) (Tunnel, error) {
	if !validPort(localPort) || !validPort(remotePort) {
		return Tunnel{}, &Error{
			Kind: ErrInvalidTunnel,
			Op:   "tunnel",
			Err: fmt.Errorf("local port (%d) and remote port (%d) must be set and non-zero",
				localPort, remotePort),
		}
	}
	if localAddr == "" {
		localAddr = defaultTunnelAddr
	}
	if remoteAddr == "" {
		remoteAddr = defaultTunnelAddr
	}
	return Tunnel{
		direction:  direction,
		localAddr:  localAddr,
		localPort:  localPort,
		remoteAddr: remoteAddr,
		remotePort: remotePort,
	}, nil
}

// NewForwardTunnel builds an ssh -L rule: connections to localAddr:localPort
// are forwarded to remoteAddr:remotePort as seen from the server.
func NewForwardTunnel(localAddr string, localPort int, remoteAddr string, remotePort int) (Tunnel, error) {
	return NewTunnel(Forward, localAddr, localPort, remoteAddr, remotePort)
}

// NewReverseTunnel builds an ssh -R rule: connections to remoteAddr:remotePort
// on the server are forwarded to localAddr:localPort.
func NewReverseTunnel(localAddr string, localPort int, remoteAddr string, remotePort int) (Tunnel, error) {
	return NewTunnel(Reverse, localAddr, localPort, remoteAddr, remotePort)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func (t Tunnel) Direction() Direction { return t.direction }
func (t Tunnel) LocalAddr() string    { return t.localAddr }
func (t Tunnel) LocalPort() int       { return t.localPort }
func (t Tunnel) RemoteAddr() string   { return t.remoteAddr }
func (t Tunnel) RemotePort() int      { return t.remotePort }

// String renders the rule as local_addr:local_port:remote_addr:remote_port.
func (t Tunnel) String() string {
	return t.localAddr + ":" + strconv.Itoa(t.localPort) + ":" +
		t.remoteAddr + ":" + strconv.Itoa(t.remotePort)
}

// Args returns the rule as two argv tokens, e.g. ["-L", "localhost:8080:db:5432"].
func (t Tunnel) Args() []string {
	return []string{t.direction.Flag(), t.String()}
}

// ParseTunnel parses [local_addr:]local_port:remote_addr:remote_port, the
// form String renders.
func ParseTunnel(direction Direction, spec string) (Tunnel, error) {
	parts := strings.Split(spec, ":")
	if len(parts) == 3 {
		parts = append([]string{""}, parts...)
	}
	if len(parts) != 4 {
		return Tunnel{}, &Error{
			Kind: ErrInvalidTunnel,
			Op:   "tunnel",
			Err:  fmt.Errorf("%q is not [local_addr:]local_port:remote_addr:remote_port", spec),
		}
	}

	localPort, lerr := strconv.Atoi(parts[1])
	remotePort, rerr := strconv.Atoi(parts[3])
	if lerr != nil || rerr != nil {
		return Tunnel{}, &Error{
			Kind: ErrInvalidTunnel,
			Op:   "tunnel",
			Err:  fmt.Errorf("%q has a non-numeric port", spec),
		}
	}
	return NewTunnel(direction, parts[0], localPort, parts[2], remotePort)
}
