package endpoint

import (
	"fmt"
	"net"
)

// Pool tracks which public (ip, port) pairs are reserved. A whole-address
// reservation (port 0) excludes every port of that address and the other way
// round. Addresses dropped from the pool keep their reservations until they
// are freed, but are never handed out again.
//
// Pool is not safe for concurrent use; Manager serializes access.
type Pool struct {
	ips      []net.IP
	portMin  int
	portMax  int
	reserved map[string]map[int]string // ip -> port -> endpoint id
}

// NewPool creates a pool over ips handing out ports in [portMin, portMax].
func NewPool(ips []net.IP, portMin, portMax int) (*Pool, error) {
	p := &Pool{reserved: make(map[string]map[int]string)}
	if err := p.Update(ips, portMin, portMax); err != nil {
		return nil, err
	}
	return p, nil
}

// Update replaces the managed addresses and the port range.
func (p *Pool) Update(ips []net.IP, portMin, portMax int) error {
	if portMin < 1 || portMax > MaxPort || portMin > portMax {
		return fmt.Errorf("invalid port range [%d, %d]: %w", portMin, portMax, ErrValidation)
	}
	normalized := make([]net.IP, 0, len(ips))
	seen := make(map[string]bool)
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			return fmt.Errorf("pool address %s is not IPv4: %w", ip, ErrValidation)
		}
		if seen[v4.String()] {
			continue
		}
		seen[v4.String()] = true
		normalized = append(normalized, v4)
	}
	p.ips = normalized
	p.portMin = portMin
	p.portMax = portMax
	return nil
}

// IPs returns the managed addresses.
func (p *Pool) IPs() []net.IP {
	return append([]net.IP(nil), p.ips...)
}

// Manages reports whether ip belongs to the pool.
func (p *Pool) Manages(ip net.IP) bool {
	for _, managed := range p.ips {
		if managed.Equal(ip) {
			return true
		}
	}
	return false
}

// Available reports whether (ip, port) can be reserved.
func (p *Pool) Available(ip net.IP, port int) bool {
	ports := p.reserved[ip.String()]
	if len(ports) == 0 {
		return true
	}
	if port == 0 {
		return false
	}
	if _, whole := ports[0]; whole {
		return false
	}
	_, taken := ports[port]
	return !taken
}

// Owner returns the id holding (ip, port), if any.
func (p *Pool) Owner(ip net.IP, port int) (string, bool) {
	id, ok := p.reserved[ip.String()][port]
	return id, ok
}

// Reserve books (ip, port) for id. ip need not be managed, so persisted
// endpoints survive a pool change.
func (p *Pool) Reserve(ip net.IP, port int, id string) error {
	if !p.Available(ip, port) {
		return fmt.Errorf("%s: %w", hostPort(ip, port), ErrConflict)
	}
	key := ip.String()
	if p.reserved[key] == nil {
		p.reserved[key] = make(map[int]string)
	}
	p.reserved[key][port] = id
	return nil
}

// Free releases (ip, port).
func (p *Pool) Free(ip net.IP, port int) {
	key := ip.String()
	delete(p.reserved[key], port)
	if len(p.reserved[key]) == 0 {
		delete(p.reserved, key)
	}
}

// Allocate picks a free pair. A nil ip searches every managed address in
// order; port AnyPort searches the port range; port 0 asks for a whole
// address. It does not reserve the pair.
func (p *Pool) Allocate(ip net.IP, port int) (net.IP, int, error) {
	candidates := p.ips
	if ip != nil {
		if !p.Manages(ip) {
			return nil, 0, fmt.Errorf("public address %s is not managed: %w", ip, ErrNotFound)
		}
		candidates = []net.IP{ip.To4()}
	}
	if len(candidates) == 0 {
		return nil, 0, fmt.Errorf("no public addresses configured: %w", ErrNotFound)
	}

	if port != AnyPort {
		for _, candidate := range candidates {
			if p.Available(candidate, port) {
				return candidate, port, nil
			}
		}
		if ip != nil {
			return nil, 0, fmt.Errorf("%s: %w", hostPort(ip, port), ErrConflict)
		}
		if port == 0 {
			return nil, 0, fmt.Errorf("no public address is entirely free: %w", ErrNotFound)
		}
		return nil, 0, fmt.Errorf("port %d is taken on every public address: %w", port, ErrConflict)
	}

	for _, candidate := range candidates {
		for candidatePort := p.portMin; candidatePort <= p.portMax; candidatePort++ {
			if p.Available(candidate, candidatePort) {
				return candidate, candidatePort, nil
			}
		}
	}
	return nil, 0, fmt.Errorf("no free port in [%d, %d]: %w", p.portMin, p.portMax, ErrNotFound)
}
