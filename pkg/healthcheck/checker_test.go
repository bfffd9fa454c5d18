package healthcheck

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestTCPChecker_ConnectionSuccess(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start TCP listener: %v", err)
	}
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(3 * time.Second)
	if err := checker.Check(listener.Addr().String()); err != nil {
		t.Fatalf("expected successful health check, got error: %v", err)
	}
}

func TestTCPChecker_ConnectionRefused(t *testing.T) {
	checker := NewTCPChecker(1 * time.Second)
	if err := checker.Check("127.0.0.1:1"); err == nil {
		t.Fatal("expected error for connection refused, got nil")
	}
}

func TestTCPChecker_Timeout(t *testing.T) {
	checker := NewTCPChecker(50 * time.Millisecond)
	// 192.0.2.1 is a TEST-NET address (RFC 5737) that should be unreachable
	if err := checker.Check("192.0.2.1:80"); err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestNewTCPChecker(t *testing.T) {
	timeout := 5 * time.Second
	checker := NewTCPChecker(timeout)
	if checker.timeout != timeout {
		t.Errorf("expected timeout %v, got %v", timeout, checker.timeout)
	}
}

func TestCheckerFunc(t *testing.T) {
	want := errors.New("down")
	var got string
	checker := CheckerFunc(func(address string) error {
		got = address
		return want
	})
	if err := checker.Check("10.0.0.5:80"); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
	if got != "10.0.0.5:80" {
		t.Errorf("expected address passed through, got %q", got)
	}
}
