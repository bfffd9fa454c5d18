package nat

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

var (
	// ErrBatch is returned for misuse of Begin/Commit.
	ErrBatch = errors.New("invalid batch state")
	// ErrBackend wraps every failure reported by the kernel backend.
	ErrBackend = errors.New("nat backend failure")
)

// Backend abstracts the kernel NAT table, allowing platform-specific implementations.
// On Linux, it wraps iptables (coreos/go-iptables) or nftables (google/nftables).
// The in-memory implementation serves tests and dry runs on every platform.
type Backend interface {
	// Name returns the backend name used in configuration and logs.
	Name() string
	// Load reads the current NAT ruleset from the kernel.
	Load() (*Ruleset, error)
	// Apply commits ops as one unit. Implementations must leave the kernel
	// table as it was when an error is returned, or as close to it as the
	// underlying interface allows.
	Apply(ops []Op) error
	// Close releases backend resources.
	Close() error
}

// Table gives transactional access to the NAT table through a Backend.
//
// Reads are served from a working copy that Refresh reloads from the kernel.
// Outside a batch every mutation is committed on its own; between Begin and
// Commit mutations only update the working copy and are buffered, so the
// kernel sees either all of them or none.
//
// Table is not safe for concurrent use; Orchestrator serializes access.
type Table struct {
	backend Backend
	working *Ruleset
	ops     []Op
	batch   bool
	// created tracks chains created in the current batch.
	created map[string]bool
	logger  *zap.Logger
}

// NewTable creates a Table on top of backend and loads the current ruleset.
func NewTable(backend Backend, logger *zap.Logger) (*Table, error) {
	t := &Table{
		backend: backend,
		logger:  logger,
	}
	if err := t.Refresh(); err != nil {
		return nil, err
	}
	return t, nil
}

// Backend returns the underlying backend.
func (t *Table) Backend() Backend {
	return t.backend
}

// Refresh reloads the working copy from the kernel. It must precede any read
// used for decision making. Refreshing inside a batch is an error since it
// would drop buffered operations.
func (t *Table) Refresh() error {
	if t.batch {
		return fmt.Errorf("refresh inside batch: %w", ErrBatch)
	}
	rs, err := t.backend.Load()
	if err != nil {
		return fmt.Errorf("%w: load %s ruleset: %v", ErrBackend, t.backend.Name(), err)
	}
	t.working = rs
	return nil
}

// Begin disables autocommit until Commit or Discard.
func (t *Table) Begin() error {
	if t.batch {
		return fmt.Errorf("begin: batch already open: %w", ErrBatch)
	}
	t.batch = true
	t.ops = nil
	t.created = make(map[string]bool)
	return nil
}

// InBatch reports whether a batch is open.
func (t *Table) InBatch() bool {
	return t.batch
}

// Commit applies all buffered operations in one backend call, then resumes
// autocommit. On failure the batch is discarded and the working copy is
// reloaded from the kernel.
func (t *Table) Commit() error {
	if !t.batch {
		return fmt.Errorf("commit: no open batch: %w", ErrBatch)
	}
	ops := t.ops
	t.endBatch()
	for i := range ops {
		ops[i].Rule.pending = false
	}

	if len(ops) > 0 {
		if err := t.backend.Apply(ops); err != nil {
			t.logger.Error("commit failed",
				zap.String("backend", t.backend.Name()),
				zap.Int("ops", len(ops)),
				zap.Error(err),
			)
			if rerr := t.Refresh(); rerr != nil {
				t.logger.Error("reload after failed commit", zap.Error(rerr))
			}
			return fmt.Errorf("%w: %v", ErrBackend, err)
		}
		t.logger.Debug("committed batch", zap.String("backend", t.backend.Name()), zap.Int("ops", len(ops)))
	}

	// Reload so backend handles of the new rules are known.
	return t.Refresh()
}

// Discard drops the open batch without touching the kernel.
func (t *Table) Discard() {
	if !t.batch {
		return
	}
	if len(t.ops) > 0 {
		t.logger.Debug("discarding batch", zap.Int("ops", len(t.ops)))
	}
	t.endBatch()
	if err := t.Refresh(); err != nil {
		t.logger.Error("reload after discard", zap.Error(err))
	}
}

func (t *Table) endBatch() {
	t.batch = false
	t.ops = nil
	t.created = nil
}

// ChainExists reports whether the chain exists in the working copy.
func (t *Table) ChainExists(name string) bool {
	return t.working.HasChain(name)
}

// Chains returns every chain name in the working copy.
func (t *Table) Chains() []string {
	return t.working.ChainNames()
}

// Rules returns the rules of a chain in the working copy.
func (t *Table) Rules(chain string) []Rule {
	return t.working.Rules(chain)
}

// HasRule reports whether chain holds a rule equal to rule.
func (t *Table) HasRule(chain string, rule Rule) bool {
	return t.working.indexOf(chain, Rule{Match: rule.Match, Target: rule.Target, Translation: rule.Translation, Raw: rule.Raw}) >= 0
}

// HasRuleWithTarget reports whether chain holds any rule jumping to target.
func (t *Table) HasRuleWithTarget(chain, target string) bool {
	for _, rule := range t.working.Rules(chain) {
		if rule.Target == target {
			return true
		}
	}
	return false
}

// CreateChain creates the chain; an existing chain counts as success.
func (t *Table) CreateChain(name string) error {
	if t.ChainExists(name) {
		return nil
	}
	return t.mutate(func() error {
		if err := t.record(Op{Kind: OpCreateChain, Chain: name}); err != nil {
			return err
		}
		t.created[name] = true
		return nil
	})
}

// DeleteChain flushes and deletes the chain. A missing chain is not an error.
// Deleting a chain that is still the target of a jump fails with ErrChainInUse.
func (t *Table) DeleteChain(name string) error {
	if !t.ChainExists(name) {
		return nil
	}
	if from, ok := t.working.referencedBy(name); ok {
		return fmt.Errorf("delete chain %s (jump from %s): %w", name, from, ErrChainInUse)
	}
	return t.mutate(func() error {
		if t.created[name] {
			// Never reached the kernel: forget it instead of emitting ops.
			t.ops = slices.DeleteFunc(t.ops, func(op Op) bool { return op.Chain == name })
			delete(t.created, name)
			delete(t.working.chains, name)
			return nil
		}
		if err := t.flush(name); err != nil {
			return err
		}
		return t.record(Op{Kind: OpDeleteChain, Chain: name})
	})
}

// FlushChain removes every rule of the chain. A missing chain is not an error.
func (t *Table) FlushChain(name string) error {
	if !t.ChainExists(name) {
		return nil
	}
	return t.mutate(func() error {
		return t.flush(name)
	})
}

func (t *Table) flush(name string) error {
	rules := t.working.Rules(name)
	if len(rules) == 0 {
		return nil
	}
	committed := 0
	for _, rule := range rules {
		if !rule.pending {
			committed++
		}
	}
	t.dropPending(name, func(Rule) bool { return true })
	if committed == 0 {
		t.working.chains[name] = nil
		return nil
	}
	return t.record(Op{Kind: OpFlushChain, Chain: name})
}

// AppendRule appends rule to chain.
func (t *Table) AppendRule(chain string, rule Rule) error {
	return t.mutate(func() error {
		rule.Handle = 0
		rule.pending = true
		return t.record(Op{Kind: OpAppendRule, Chain: chain, Rule: rule})
	})
}

// AppendUniqueRule appends rule to chain unless an equal rule is present.
func (t *Table) AppendUniqueRule(chain string, rule Rule) error {
	if t.HasRule(chain, rule) {
		return nil
	}
	return t.AppendRule(chain, rule)
}

// InsertRule inserts rule at the 1-based position pos of chain.
func (t *Table) InsertRule(chain string, pos int, rule Rule) error {
	return t.mutate(func() error {
		rule.Handle = 0
		rule.pending = true
		return t.record(Op{Kind: OpInsertRule, Chain: chain, Pos: pos, Rule: rule})
	})
}

// DeleteRulesWithTarget removes every rule of chain whose target is target.
// A missing chain or rule is not an error.
func (t *Table) DeleteRulesWithTarget(chain, target string) error {
	if !t.ChainExists(chain) || !t.HasRuleWithTarget(chain, target) {
		return nil
	}
	return t.mutate(func() error {
		t.dropPending(chain, func(r Rule) bool { return r.Target == target })
		for {
			rules := t.working.chains[chain]
			idx := slices.IndexFunc(rules, func(r Rule) bool { return r.Target == target })
			if idx < 0 {
				return nil
			}
			if err := t.record(Op{Kind: OpDeleteRule, Chain: chain, Rule: rules[idx], Pos: idx + 1}); err != nil {
				return err
			}
		}
	})
}

// dropPending removes rules of chain matching pred that were added in the
// current batch, together with the ops that would have added them.
func (t *Table) dropPending(chain string, pred func(Rule) bool) {
	t.ops = slices.DeleteFunc(t.ops, func(op Op) bool {
		return op.Chain == chain && (op.Kind == OpAppendRule || op.Kind == OpInsertRule) && pred(op.Rule)
	})
	t.working.chains[chain] = slices.DeleteFunc(slices.Clone(t.working.chains[chain]), func(r Rule) bool {
		return r.pending && pred(r)
	})
}

// record validates op against the working copy and buffers it.
func (t *Table) record(op Op) error {
	if err := t.working.Apply(op); err != nil {
		return err
	}
	t.ops = append(t.ops, op)
	return nil
}

// mutate runs fn inside the open batch, or inside a batch of its own when
// autocommit is active.
func (t *Table) mutate(fn func() error) error {
	if t.batch {
		return fn()
	}
	if err := t.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		t.Discard()
		return err
	}
	return t.Commit()
}
