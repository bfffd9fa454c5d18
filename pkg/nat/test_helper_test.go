package nat

import (
	"net"
	"testing"

	"go.uber.org/zap"
)

func newTestTable(t *testing.T) (*Table, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	table, err := NewTable(backend, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table, backend
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *MemoryBackend) {
	t.Helper()
	table, backend := newTestTable(t)
	orch := NewOrchestrator(table, Naming{Namespace: DefaultNamespace}, DefaultRuleBuilder{}, zap.NewNop())
	if err := orch.SetupBasicRules(); err != nil {
		t.Fatalf("SetupBasicRules failed: %v", err)
	}
	return orch, backend
}

func newTestRedirection(id, public string, publicPort uint16, private string, privatePort uint16) Redirection {
	return Redirection{
		ID:          id,
		PublicIP:    net.ParseIP(public).To4(),
		PublicPort:  publicPort,
		PrivateIP:   net.ParseIP(private).To4(),
		PrivatePort: privatePort,
	}
}

// chainSpecs returns the rule specs of chain in the backend, for comparisons.
func chainSpecs(rs *Ruleset, chain string) []string {
	var specs []string
	for _, rule := range rs.Rules(chain) {
		specs = append(specs, rule.String())
	}
	return specs
}

func countJumps(rs *Ruleset, chain, target string) int {
	n := 0
	for _, rule := range rs.Rules(chain) {
		if rule.Target == target {
			n++
		}
	}
	return n
}
