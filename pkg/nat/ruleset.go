package nat

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// MaxChainNameLen is the longest chain name the kernel accepts.
const MaxChainNameLen = 28

var (
	// ErrNoSuchChain is returned when a rule references a chain that does not exist.
	ErrNoSuchChain = errors.New("no such chain")
	// ErrChainInUse is returned when deleting a chain that is still the target of a jump.
	ErrChainInUse = errors.New("chain is still referenced")
	// ErrBuiltinChain is returned when trying to create or delete a root hook chain.
	ErrBuiltinChain = errors.New("built-in chain cannot be modified")
	// ErrInvalidChainName is returned for empty or over-long chain names.
	ErrInvalidChainName = errors.New("invalid chain name")
)

// OpKind enumerates the mutations a backend must be able to apply.
type OpKind int

const (
	OpCreateChain OpKind = iota
	OpDeleteChain
	OpFlushChain
	OpAppendRule
	OpInsertRule
	OpDeleteRule
)

// String returns a short name for the operation kind.
func (k OpKind) String() string {
	switch k {
	case OpCreateChain:
		return "create-chain"
	case OpDeleteChain:
		return "delete-chain"
	case OpFlushChain:
		return "flush-chain"
	case OpAppendRule:
		return "append-rule"
	case OpInsertRule:
		return "insert-rule"
	case OpDeleteRule:
		return "delete-rule"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Op is a single buffered table mutation.
type Op struct {
	Kind  OpKind
	Chain string
	Rule  Rule
	// Pos is the 1-based rule position for inserts and deletes.
	Pos int
}

// String renders the op in iptables command style for logging.
func (o Op) String() string {
	switch o.Kind {
	case OpCreateChain:
		return "-N " + o.Chain
	case OpDeleteChain:
		return "-X " + o.Chain
	case OpFlushChain:
		return "-F " + o.Chain
	case OpAppendRule:
		return fmt.Sprintf("-A %s %s", o.Chain, o.Rule)
	case OpInsertRule:
		return fmt.Sprintf("-I %s %d %s", o.Chain, o.Pos, o.Rule)
	case OpDeleteRule:
		return fmt.Sprintf("-D %s %s", o.Chain, o.Rule)
	default:
		return o.Kind.String()
	}
}

// Ruleset is a snapshot of every chain of the NAT table and its rules.
// The root hook chains are always present.
type Ruleset struct {
	chains map[string][]Rule
}

// NewRuleset returns a ruleset holding only the empty root hook chains.
func NewRuleset() *Ruleset {
	rs := &Ruleset{chains: make(map[string][]Rule)}
	for _, hook := range Hooks {
		rs.chains[string(hook)] = nil
	}
	return rs
}

// Clone returns a deep copy of the ruleset.
func (rs *Ruleset) Clone() *Ruleset {
	out := &Ruleset{chains: make(map[string][]Rule, len(rs.chains))}
	for name, rules := range rs.chains {
		out.chains[name] = slices.Clone(rules)
	}
	return out
}

// HasChain reports whether the named chain exists.
func (rs *Ruleset) HasChain(name string) bool {
	_, ok := rs.chains[name]
	return ok
}

// ChainNames returns all chain names in sorted order.
func (rs *Ruleset) ChainNames() []string {
	names := make([]string, 0, len(rs.chains))
	for name := range rs.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rules returns a copy of the rules of a chain, nil if it does not exist.
func (rs *Ruleset) Rules(chain string) []Rule {
	return slices.Clone(rs.chains[chain])
}

// setChain installs a chain with the given rules; backends use it while loading.
func (rs *Ruleset) setChain(name string, rules []Rule) {
	rs.chains[name] = rules
}

// referencedBy returns the first chain, other than the chain itself, holding
// a jump to target.
func (rs *Ruleset) referencedBy(target string) (string, bool) {
	for _, name := range rs.ChainNames() {
		if name == target {
			continue
		}
		for _, rule := range rs.chains[name] {
			if rule.Target == target {
				return name, true
			}
		}
	}
	return "", false
}

// indexOf returns the position of the rule in chain: by handle when the rule
// carries one, otherwise the first rule with equal content.
func (rs *Ruleset) indexOf(chain string, rule Rule) int {
	for i, existing := range rs.chains[chain] {
		if rule.Handle != 0 {
			if existing.Handle == rule.Handle {
				return i
			}
			continue
		}
		if existing.Equal(rule) {
			return i
		}
	}
	return -1
}

// Apply executes op against the ruleset with kernel semantics.
// The ruleset is left untouched when an error is returned.
func (rs *Ruleset) Apply(op Op) error {
	switch op.Kind {
	case OpCreateChain:
		if err := validChainName(op.Chain); err != nil {
			return err
		}
		if rs.HasChain(op.Chain) {
			return fmt.Errorf("chain %s already exists", op.Chain)
		}
		rs.chains[op.Chain] = nil

	case OpDeleteChain:
		if IsRootHook(op.Chain) {
			return fmt.Errorf("delete %s: %w", op.Chain, ErrBuiltinChain)
		}
		if !rs.HasChain(op.Chain) {
			return fmt.Errorf("delete %s: %w", op.Chain, ErrNoSuchChain)
		}
		if len(rs.chains[op.Chain]) > 0 {
			return fmt.Errorf("delete %s: chain is not empty", op.Chain)
		}
		if from, ok := rs.referencedBy(op.Chain); ok {
			return fmt.Errorf("delete %s (jump from %s): %w", op.Chain, from, ErrChainInUse)
		}
		delete(rs.chains, op.Chain)

	case OpFlushChain:
		if !rs.HasChain(op.Chain) {
			return fmt.Errorf("flush %s: %w", op.Chain, ErrNoSuchChain)
		}
		rs.chains[op.Chain] = nil

	case OpAppendRule, OpInsertRule:
		if !rs.HasChain(op.Chain) {
			return fmt.Errorf("add rule to %s: %w", op.Chain, ErrNoSuchChain)
		}
		if IsJumpTarget(op.Rule.Target) && !rs.HasChain(op.Rule.Target) {
			return fmt.Errorf("add rule to %s: jump target %s: %w", op.Chain, op.Rule.Target, ErrNoSuchChain)
		}
		rules := rs.chains[op.Chain]
		if op.Kind == OpAppendRule {
			rs.chains[op.Chain] = append(slices.Clone(rules), op.Rule)
			return nil
		}
		if op.Pos < 1 || op.Pos > len(rules)+1 {
			return fmt.Errorf("insert into %s: position %d out of range", op.Chain, op.Pos)
		}
		rs.chains[op.Chain] = slices.Insert(slices.Clone(rules), op.Pos-1, op.Rule)

	case OpDeleteRule:
		if !rs.HasChain(op.Chain) {
			return fmt.Errorf("delete rule from %s: %w", op.Chain, ErrNoSuchChain)
		}
		idx := rs.indexOf(op.Chain, op.Rule)
		if idx < 0 {
			return fmt.Errorf("delete rule from %s: rule %q not found", op.Chain, op.Rule)
		}
		rs.chains[op.Chain] = slices.Delete(slices.Clone(rs.chains[op.Chain]), idx, idx+1)

	default:
		return fmt.Errorf("unknown operation %v", op.Kind)
	}
	return nil
}

func validChainName(name string) error {
	if name == "" || len(name) > MaxChainNameLen {
		return fmt.Errorf("%q: %w", name, ErrInvalidChainName)
	}
	if IsRootHook(name) {
		return fmt.Errorf("%q: %w", name, ErrBuiltinChain)
	}
	return nil
}
