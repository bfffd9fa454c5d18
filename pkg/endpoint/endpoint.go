package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/easzlab/ipfloater/pkg/nat"
)

var (
	// ErrNotFound is returned for lookup misses, unmanaged public addresses,
	// exhausted pools and operations on endpoints the manager does not hold.
	ErrNotFound = errors.New("endpoint not found")
	// ErrConflict is returned when the requested public endpoint is taken.
	ErrConflict = errors.New("public endpoint already allocated")
	// ErrValidation is returned for malformed addresses or ports.
	ErrValidation = errors.New("invalid endpoint")
	// ErrBackend is returned when the NAT table rejected the change.
	ErrBackend = errors.New("nat backend failure")
	// ErrPartialState marks chains found for an endpoint that was not applied.
	ErrPartialState = errors.New("partial nat state")
)

// AnyPort asks Request for any free public port of the configured range.
const AnyPort = -1

// MaxPort is the highest valid port number.
const MaxPort = 65535

// State is the lifecycle state of an endpoint.
type State string

const (
	StateRequested  State = "REQUESTED"
	StateApplied    State = "APPLIED"
	StateTerminated State = "TERMINATED"
	StateFailed     State = "FAILED"
)

// Endpoint is one public to private redirection. A PublicPort of 0 redirects
// the whole public address, in which case PrivatePort is 0 too.
type Endpoint struct {
	ID          string    `json:"id"`
	PublicIP    net.IP    `json:"public_ip"`
	PublicPort  int       `json:"public_port"`
	PrivateIP   net.IP    `json:"private_ip"`
	PrivatePort int       `json:"private_port"`
	State       State     `json:"state"`
	Created     time.Time `json:"created"`
}

// WholeIP reports whether the endpoint redirects every port of the public address.
func (e *Endpoint) WholeIP() bool {
	return e.PublicPort == 0
}

// PublicAddress returns "ip:port", or just the ip for whole-IP endpoints.
func (e *Endpoint) PublicAddress() string {
	return hostPort(e.PublicIP, e.PublicPort)
}

// PrivateAddress returns "ip:port", or just the ip for whole-IP endpoints.
func (e *Endpoint) PrivateAddress() string {
	return hostPort(e.PrivateIP, e.PrivatePort)
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s[%s -> %s %s]", e.ID, e.PublicAddress(), e.PrivateAddress(), e.State)
}

// Redirection converts the endpoint to what the NAT orchestrator applies.
func (e *Endpoint) Redirection() nat.Redirection {
	return nat.Redirection{
		ID:          e.ID,
		PublicIP:    e.PublicIP,
		PublicPort:  uint16(e.PublicPort),
		PrivateIP:   e.PrivateIP,
		PrivatePort: uint16(e.PrivatePort),
	}
}

func (e *Endpoint) clone() *Endpoint {
	c := *e
	c.PublicIP = append(net.IP(nil), e.PublicIP...)
	c.PrivateIP = append(net.IP(nil), e.PrivateIP...)
	return &c
}

// Request describes the endpoint a caller wants. A nil PublicIP picks any
// address of the pool; PublicPort AnyPort picks any free port, 0 asks for the
// whole address.
type Request struct {
	PublicIP    net.IP
	PublicPort  int
	PrivateIP   net.IP
	PrivatePort int
}

// Validate checks address families and port ranges.
func (r Request) Validate() error {
	if r.PublicIP != nil && r.PublicIP.To4() == nil {
		return fmt.Errorf("public address %s is not IPv4: %w", r.PublicIP, ErrValidation)
	}
	if r.PrivateIP == nil || r.PrivateIP.To4() == nil {
		return fmt.Errorf("private address %v is not IPv4: %w", r.PrivateIP, ErrValidation)
	}
	if r.PublicPort != AnyPort && (r.PublicPort < 0 || r.PublicPort > MaxPort) {
		return fmt.Errorf("public port %d out of range: %w", r.PublicPort, ErrValidation)
	}
	if r.PrivatePort < 0 || r.PrivatePort > MaxPort {
		return fmt.Errorf("private port %d out of range: %w", r.PrivatePort, ErrValidation)
	}
	if (r.PublicPort == 0) != (r.PrivatePort == 0) {
		return fmt.Errorf("whole-address redirection needs both ports unset (public %d, private %d): %w",
			r.PublicPort, r.PrivatePort, ErrValidation)
	}
	return nil
}

// ParseIPv4 parses s as an IPv4 address.
func ParseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("%q is not an IPv4 address: %w", s, ErrValidation)
	}
	return ip, nil
}

// ParsePort parses s as a port number in [0, 65535].
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("port %q must be an integer: %w", s, ErrValidation)
	}
	if port < 0 || port > MaxPort {
		return 0, fmt.Errorf("port %d out of range [0, %d]: %w", port, MaxPort, ErrValidation)
	}
	return port, nil
}

func hostPort(ip net.IP, port int) string {
	if port == 0 {
		return ip.String()
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}
