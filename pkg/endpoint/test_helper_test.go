package endpoint

import (
	"net"
	"testing"
	"time"

	"github.com/easzlab/ipfloater/pkg/nat"
	"go.uber.org/zap"
)

var testPoolIPs = []net.IP{
	net.ParseIP("203.0.113.10").To4(),
	net.ParseIP("203.0.113.11").To4(),
}

// newTestManager creates a Manager on top of a real orchestrator driving the
// in-memory NAT backend, with the base topology installed.
func newTestManager(t *testing.T, store Store) (*Manager, *nat.MemoryBackend, *nat.Orchestrator) {
	t.Helper()
	backend := nat.NewMemoryBackend()
	table, err := nat.NewTable(backend, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	orch := nat.NewOrchestrator(table, nat.Naming{Namespace: nat.DefaultNamespace}, nat.DefaultRuleBuilder{}, zap.NewNop())
	if err := orch.SetupBasicRules(); err != nil {
		t.Fatalf("SetupBasicRules failed: %v", err)
	}

	pool, err := NewPool(testPoolIPs, 20000, 20010)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	mgr := NewManager(orch, pool, store, zap.NewNop())

	// Deterministic, strictly increasing creation times.
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return mgr, backend, orch
}

func mustIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s).To4()
	if ip == nil {
		t.Fatalf("invalid test address %q", s)
	}
	return ip
}

// requestAndApply requests a single endpoint and applies it.
func requestAndApply(t *testing.T, mgr *Manager, req Request) *Endpoint {
	t.Helper()
	eps, err := mgr.Request(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(eps))
	}
	if err := mgr.Apply(eps[0]); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return eps[0]
}

// memoryStore keeps the snapshot in memory.
type memoryStore struct {
	snap  *Snapshot
	saves int
}

func (s *memoryStore) Load() (*Snapshot, error) {
	if s.snap == nil {
		return &Snapshot{}, nil
	}
	copied := *s.snap
	copied.Endpoints = append([]Record(nil), s.snap.Endpoints...)
	return &copied, nil
}

func (s *memoryStore) Save(snap *Snapshot) error {
	copied := *snap
	copied.Endpoints = append([]Record(nil), snap.Endpoints...)
	s.snap = &copied
	s.saves++
	return nil
}
