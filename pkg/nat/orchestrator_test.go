package nat

import (
	"errors"
	"slices"
	"testing"

	"go.uber.org/zap"
)

func TestOrchestrator_SetupBasicRules(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	naming := orch.Naming()
	rs := backend.Snapshot()

	for _, hook := range Hooks {
		if !rs.HasChain(naming.BaseChain(hook)) {
			t.Errorf("expected base chain %s", naming.BaseChain(hook))
		}
		if n := countJumps(rs, string(hook), naming.BaseChain(hook)); n != 1 {
			t.Errorf("expected one link from %s, got %d", hook, n)
		}
	}
	post := rs.Rules(naming.BaseChain(HookPostrouting))
	if len(post) != 1 || !post[0].Equal(GuardRule()) {
		t.Errorf("expected guard as the only post-routing rule, got %v", chainSpecs(rs, naming.BaseChain(HookPostrouting)))
	}
}

func TestOrchestrator_SetupBasicRules_Idempotent(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	before := backend.Snapshot()
	commits := backend.Commits()

	if err := orch.SetupBasicRules(); err != nil {
		t.Fatalf("second SetupBasicRules failed: %v", err)
	}
	if backend.Commits() != commits {
		t.Errorf("expected no commit on second setup, got %d new", backend.Commits()-commits)
	}
	after := backend.Snapshot()
	if !slices.Equal(before.ChainNames(), after.ChainNames()) {
		t.Errorf("chains changed: %v -> %v", before.ChainNames(), after.ChainNames())
	}
}

func TestOrchestrator_SetupBasicRules_RepairsTopology(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	naming := orch.Naming()
	post := naming.BaseChain(HookPostrouting)

	// Simulate drift: guard moved behind another rule and a duplicated link.
	table, err := NewTable(backend, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if err := table.InsertRule(post, 1, Rule{Target: TargetReturn}); err != nil {
		t.Fatalf("InsertRule failed: %v", err)
	}
	if err := table.AppendRule(string(HookOutput), LinkRule(naming.BaseChain(HookOutput))); err != nil {
		t.Fatalf("AppendRule failed: %v", err)
	}

	if err := orch.SetupBasicRules(); err != nil {
		t.Fatalf("SetupBasicRules failed: %v", err)
	}
	rs := backend.Snapshot()
	rules := rs.Rules(post)
	if len(rules) == 0 || !rules[0].Equal(GuardRule()) {
		t.Errorf("expected guard first, got %v", chainSpecs(rs, post))
	}
	if countJumps(rs, post, TargetAccept) != 1 {
		t.Errorf("expected exactly one guard, got %v", chainSpecs(rs, post))
	}
	if n := countJumps(rs, string(HookOutput), naming.BaseChain(HookOutput)); n != 1 {
		t.Errorf("expected duplicated link collapsed to one, got %d", n)
	}
}

func TestOrchestrator_ApplyAndRemove(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	naming := orch.Naming()
	r := newTestRedirection("1", "203.0.113.10", 80, "10.0.0.5", 8080)

	if err := orch.Apply(r); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rs := backend.Snapshot()
	for _, hook := range Hooks {
		chain := naming.EndpointChain("1", hook)
		if !rs.HasChain(chain) {
			t.Fatalf("expected chain %s", chain)
		}
		if len(rs.Rules(chain)) == 0 {
			t.Errorf("expected rules in %s", chain)
		}
		if n := countJumps(rs, naming.BaseChain(hook), chain); n != 1 {
			t.Errorf("expected one link to %s, got %d", chain, n)
		}
	}

	exists, err := orch.EndpointChainsExist("1")
	if err != nil || !exists {
		t.Fatalf("expected endpoint chains to exist, got %v, %v", exists, err)
	}

	if err := orch.Remove("1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	rs = backend.Snapshot()
	for _, hook := range Hooks {
		if rs.HasChain(naming.EndpointChain("1", hook)) {
			t.Errorf("expected chain %s removed", naming.EndpointChain("1", hook))
		}
	}

	if err := orch.Remove("1"); err != nil {
		t.Errorf("expected second Remove to succeed, got %v", err)
	}
}

func TestOrchestrator_ApplyIsAtomic(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	before := backend.Snapshot().ChainNames()

	backend.FailOn(func(op Op) error {
		if op.Kind == OpAppendRule && op.Chain == orch.Naming().BaseChain(HookOutput) {
			return errors.New("injected")
		}
		return nil
	})

	err := orch.Apply(newTestRedirection("1", "203.0.113.10", 80, "10.0.0.5", 8080))
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if after := backend.Snapshot().ChainNames(); !slices.Equal(before, after) {
		t.Errorf("expected no partial state, chains went %v -> %v", before, after)
	}
}

func TestOrchestrator_ApplyOverwritesLeftoverChain(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	chain := orch.Naming().EndpointChain("1", HookPrerouting)

	table, err := NewTable(backend, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if err := table.CreateChain(chain); err != nil {
		t.Fatalf("CreateChain failed: %v", err)
	}
	if err := table.AppendRule(chain, Rule{Target: TargetReturn}); err != nil {
		t.Fatalf("AppendRule failed: %v", err)
	}

	if err := orch.Apply(newTestRedirection("1", "203.0.113.10", 80, "10.0.0.5", 8080)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	for _, rule := range backend.Snapshot().Rules(chain) {
		if rule.Target == TargetReturn {
			t.Errorf("expected leftover rule flushed, got %v", chainSpecs(backend.Snapshot(), chain))
		}
	}
}

func TestOrchestrator_ApplyTwiceKeepsOneLink(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	r := newTestRedirection("1", "203.0.113.10", 80, "10.0.0.5", 8080)

	for i := 0; i < 2; i++ {
		if err := orch.Apply(r); err != nil {
			t.Fatalf("Apply #%d failed: %v", i+1, err)
		}
	}
	naming := orch.Naming()
	if n := countJumps(backend.Snapshot(), naming.BaseChain(HookPrerouting), naming.EndpointChain("1", HookPrerouting)); n != 1 {
		t.Errorf("expected one link after repeated Apply, got %d", n)
	}
}

func TestOrchestrator_ApplyRejectsLongID(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	err := orch.Apply(newTestRedirection("abcdefghij", "203.0.113.10", 80, "10.0.0.5", 8080))
	if !errors.Is(err, ErrInvalidChainName) {
		t.Errorf("expected ErrInvalidChainName, got %v", err)
	}
}

func TestOrchestrator_CleanupAll(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	ids := []string{"1", "2", "3"}
	for i, id := range ids {
		r := newTestRedirection(id, "203.0.113.10", uint16(80+i), "10.0.0.5", 8080)
		if err := orch.Apply(r); err != nil {
			t.Fatalf("Apply %s failed: %v", id, err)
		}
	}

	if err := orch.CleanupAll(append(ids, "missing")); err != nil {
		t.Fatalf("CleanupAll failed: %v", err)
	}

	rs := backend.Snapshot()
	for _, name := range rs.ChainNames() {
		if !IsRootHook(name) {
			t.Errorf("expected only root hooks left, found %s", name)
		}
	}
	for _, hook := range Hooks {
		if rules := rs.Rules(string(hook)); len(rules) != 0 {
			t.Errorf("expected %s empty, got %v", hook, chainSpecs(rs, string(hook)))
		}
	}
}

func TestOrchestrator_CleanupAllKeepsForeignRules(t *testing.T) {
	orch, backend := newTestOrchestrator(t)

	table, err := NewTable(backend, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if err := table.CreateChain("DOCKER"); err != nil {
		t.Fatalf("CreateChain failed: %v", err)
	}
	if err := table.AppendRule(string(HookPrerouting), LinkRule("DOCKER")); err != nil {
		t.Fatalf("AppendRule failed: %v", err)
	}

	if err := orch.CleanupAll(nil); err != nil {
		t.Fatalf("CleanupAll failed: %v", err)
	}
	rs := backend.Snapshot()
	if !rs.HasChain("DOCKER") || countJumps(rs, string(HookPrerouting), "DOCKER") != 1 {
		t.Error("expected foreign chain and link untouched")
	}
}
