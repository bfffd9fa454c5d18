package arp

import (
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeSource struct {
	neighbors []Neighbor
	err       error
	calls     int
}

func (f *fakeSource) Neighbors() ([]Neighbor, error) {
	f.calls++
	return f.neighbors, f.err
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	hw, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("invalid test mac %q: %v", s, err)
	}
	return hw
}

func TestNeighResolver_Resolve(t *testing.T) {
	source := &fakeSource{neighbors: []Neighbor{
		{IP: net.ParseIP("10.0.0.5"), MAC: mustMAC(t, "52:54:00:aa:bb:01")},
		{IP: net.ParseIP("10.0.0.6"), MAC: mustMAC(t, "52:54:00:aa:bb:02")},
	}}
	resolver := newNeighResolver(source, 16, time.Minute, zap.NewNop())

	ip, err := resolver.Resolve("52:54:00:AA:BB:02")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !ip.Equal(net.ParseIP("10.0.0.6")) {
		t.Errorf("expected 10.0.0.6, got %s", ip)
	}

	// Second lookup of another entry is served from the cache.
	if _, err := resolver.Resolve("52:54:00:aa:bb:01"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if source.calls != 1 {
		t.Errorf("expected neighbour table read once, got %d", source.calls)
	}
}

func TestNeighResolver_NotFound(t *testing.T) {
	source := &fakeSource{}
	resolver := newNeighResolver(source, 16, time.Minute, zap.NewNop())

	if _, err := resolver.Resolve("52:54:00:aa:bb:03"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNeighResolver_InvalidMAC(t *testing.T) {
	resolver := newNeighResolver(&fakeSource{}, 16, time.Minute, zap.NewNop())

	_, err := resolver.Resolve("not-a-mac")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestNeighResolver_SourceError(t *testing.T) {
	resolver := newNeighResolver(&fakeSource{err: errors.New("netlink down")}, 16, time.Minute, zap.NewNop())

	_, err := resolver.Resolve("52:54:00:aa:bb:01")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected source error, got %v", err)
	}
}

func TestNeighResolver_CacheExpires(t *testing.T) {
	source := &fakeSource{neighbors: []Neighbor{
		{IP: net.ParseIP("10.0.0.5"), MAC: mustMAC(t, "52:54:00:aa:bb:01")},
	}}
	resolver := newNeighResolver(source, 16, 20*time.Millisecond, zap.NewNop())

	if _, err := resolver.Resolve("52:54:00:aa:bb:01"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	source.neighbors = nil

	if _, err := resolver.Resolve("52:54:00:aa:bb:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired entry to be looked up again, got %v", err)
	}
	if source.calls != 2 {
		t.Errorf("expected 2 table reads, got %d", source.calls)
	}
}
