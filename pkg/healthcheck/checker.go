package healthcheck

import (
	"fmt"
	"net"
	"time"
)

// Checker probes one private destination.
type Checker interface {
	Check(address string) error
}

// TCPChecker reports a destination healthy when it accepts a TCP connection.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a TCPChecker with the given dial timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{
		timeout: timeout,
	}
}

// Check dials address and closes the connection right away.
func (c *TCPChecker) Check(address string) error {
	conn, err := net.DialTimeout("tcp", address, c.timeout)
	if err != nil {
		return fmt.Errorf("tcp health check failed for %s: %w", address, err)
	}
	conn.Close()
	return nil
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(address string) error

func (f CheckerFunc) Check(address string) error {
	return f(address)
}
