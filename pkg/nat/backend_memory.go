package nat

import (
	"fmt"
	"sync"
)

// MemoryBackend provides an in-memory NAT table.
// It simulates kernel semantics (missing chains, chains still referenced,
// all-or-nothing commits), enabling development and testing without root.
type MemoryBackend struct {
	mu      sync.Mutex
	ruleset *Ruleset
	failOn  func(op Op) error
	commits int
	closed  bool
}

// NewMemoryBackend creates an empty in-memory NAT table with the root hooks.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{ruleset: NewRuleset()}
}

func (b *MemoryBackend) Name() string {
	return BackendMemory
}

func (b *MemoryBackend) Load() (*Ruleset, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("memory backend closed")
	}
	return b.ruleset.Clone(), nil
}

// Apply runs ops against a copy and swaps it in only if every op succeeded.
func (b *MemoryBackend) Apply(ops []Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory backend closed")
	}

	next := b.ruleset.Clone()
	for _, op := range ops {
		if b.failOn != nil {
			if err := b.failOn(op); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		op.Rule.Handle = 0
		if err := next.Apply(op); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	b.ruleset = next
	b.commits++
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// FailOn installs a hook consulted before every applied op; a non-nil error
// aborts the commit. Passing nil removes the hook.
func (b *MemoryBackend) FailOn(hook func(op Op) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOn = hook
}

// Commits returns the number of successful Apply calls.
func (b *MemoryBackend) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

// Snapshot returns a copy of the current ruleset.
func (b *MemoryBackend) Snapshot() *Ruleset {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ruleset.Clone()
}
