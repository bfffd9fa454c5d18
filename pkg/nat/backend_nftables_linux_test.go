//go:build linux

package nat

import (
	"net"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

func TestEncodeNFTExprs_DNAT(t *testing.T) {
	rule := Rule{
		Match:       Match{Destination: net.ParseIP("203.0.113.10").To4(), Protocol: "tcp", DestinationPort: 80},
		Target:      TargetDNAT,
		Translation: &Translation{Address: net.ParseIP("10.0.0.5").To4(), Port: 8080},
	}

	exprs := encodeNFTExprs(rule)
	nat, ok := exprs[len(exprs)-1].(*expr.NAT)
	if !ok {
		t.Fatalf("expected NAT expression last, got %T", exprs[len(exprs)-1])
	}
	if nat.Type != expr.NATTypeDestNAT {
		t.Errorf("expected destination NAT, got %v", nat.Type)
	}
	if nat.RegProtoMin != 2 {
		t.Errorf("expected port register 2, got %d", nat.RegProtoMin)
	}
}

func TestEncodeNFTExprs_Jump(t *testing.T) {
	exprs := encodeNFTExprs(LinkRule("ipfl-PREROUTING"))
	if len(exprs) != 1 {
		t.Fatalf("expected a single verdict, got %d expressions", len(exprs))
	}
	verdict, ok := exprs[0].(*expr.Verdict)
	if !ok || verdict.Kind != expr.VerdictJump || verdict.Chain != "ipfl-PREROUTING" {
		t.Errorf("unexpected jump encoding %#v", exprs[0])
	}
}

func TestDecodeNFTRule_UserData(t *testing.T) {
	rule := GuardRule()
	decoded := decodeNFTRule(&nftables.Rule{
		Handle:   7,
		UserData: []byte(userDataPrefix + rule.String()),
	})
	if !decoded.Equal(rule) {
		t.Errorf("expected %q, got %q", rule, decoded)
	}
	if decoded.Handle != 7 {
		t.Errorf("expected handle 7, got %d", decoded.Handle)
	}
}

func TestDecodeNFTRule_Foreign(t *testing.T) {
	decoded := decodeNFTRule(&nftables.Rule{
		Handle: 9,
		Exprs:  []expr.Any{&expr.Verdict{Kind: expr.VerdictJump, Chain: "other"}},
	})
	if !decoded.IsForeign() {
		t.Fatal("expected foreign rule")
	}
	if decoded.Target != "other" {
		t.Errorf("expected jump target kept, got %q", decoded.Target)
	}
}

func TestCheckNFTOps(t *testing.T) {
	valid := []Op{
		{Kind: OpCreateChain, Chain: "ipfl-a"},
		{Kind: OpFlushChain, Chain: "ipfl-a"},
		{Kind: OpAppendRule, Chain: "ipfl-a", Rule: GuardRule()},
		{Kind: OpInsertRule, Chain: "ipfl-POSTROUTING", Pos: 1, Rule: GuardRule()},
		{Kind: OpDeleteRule, Chain: "PREROUTING", Rule: Rule{Target: "ipfl-a", Handle: 4}},
		{Kind: OpDeleteChain, Chain: "ipfl-a"},
	}
	if err := checkNFTOps(valid); err != nil {
		t.Fatalf("expected valid log to pass, got: %v", err)
	}

	// The bad op comes last: nothing before it may be queued either.
	for name, bad := range map[string]Op{
		"insert not at head": {Kind: OpInsertRule, Chain: "ipfl-a", Pos: 2, Rule: GuardRule()},
		"delete no handle":   {Kind: OpDeleteRule, Chain: "ipfl-a", Rule: GuardRule()},
		"unknown op":         {Kind: OpKind(99), Chain: "ipfl-a"},
	} {
		ops := append(append([]Op(nil), valid...), bad)
		if err := checkNFTOps(ops); err == nil {
			t.Errorf("%s: expected log to be rejected", name)
		}
	}
}

func TestNFTablesBackend_ApplyRejectsBeforeQueueing(t *testing.T) {
	// A zero-value connection is never touched when the log is rejected.
	backend := &nftablesBackend{
		conn:  &nftables.Conn{},
		table: &nftables.Table{Name: "ipfl", Family: nftables.TableFamilyIPv4},
	}
	err := backend.Apply([]Op{
		{Kind: OpCreateChain, Chain: "ipfl-a"},
		{Kind: OpDeleteRule, Chain: "ipfl-a", Rule: GuardRule()},
	})
	if err == nil {
		t.Fatal("expected Apply to reject a delete without handle")
	}
}
