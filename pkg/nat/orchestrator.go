package nat

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Orchestrator installs the base topology and creates or removes the chains of
// individual redirections. Every public method runs as one batch under a
// single mutex, from Refresh to Commit, so concurrent callers never interleave
// their reads and writes on the shared NAT table.
type Orchestrator struct {
	mu      sync.Mutex
	table   *Table
	naming  Naming
	builder RuleBuilder
	logger  *zap.Logger
}

// NewOrchestrator creates an Orchestrator working on table.
func NewOrchestrator(table *Table, naming Naming, builder RuleBuilder, logger *zap.Logger) *Orchestrator {
	if builder == nil {
		builder = DefaultRuleBuilder{}
	}
	return &Orchestrator{
		table:   table,
		naming:  naming,
		builder: builder,
		logger:  logger,
	}
}

// Naming returns the chain naming scheme in use.
func (o *Orchestrator) Naming() Naming {
	return o.naming
}

// SetupBasicRules installs the base chains, the guard rule and the hook links.
// Calling it again leaves the table unchanged.
func (o *Orchestrator) SetupBasicRules() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.batch(func() error {
		return installTopology(o.table, o.naming, o.logger)
	}); err != nil {
		return fmt.Errorf("failed to install base topology: %w", err)
	}
	o.logger.Info("base topology ready", zap.String("namespace", o.naming.Namespace), zap.String("backend", o.table.Backend().Name()))
	return nil
}

// TeardownBasicRules unlinks and deletes the base chains.
func (o *Orchestrator) TeardownBasicRules() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.batch(func() error {
		return removeTopology(o.table, o.naming)
	}); err != nil {
		return fmt.Errorf("failed to remove base topology: %w", err)
	}
	o.logger.Info("base topology removed", zap.String("namespace", o.naming.Namespace))
	return nil
}

// Apply creates the three endpoint chains of r, fills them with the
// translation rules and links them from the base chains, all in one commit.
// A chain left over under the same name is flushed and reused. On error
// nothing of the batch reaches the kernel.
func (o *Orchestrator) Apply(r Redirection) error {
	if err := o.naming.ValidateID(r.ID); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.batch(func() error {
		for _, hook := range Hooks {
			chain := o.naming.EndpointChain(r.ID, hook)
			base := o.naming.BaseChain(hook)

			if err := o.table.CreateChain(chain); err != nil {
				return err
			}
			if err := o.table.FlushChain(chain); err != nil {
				return err
			}
			for _, rule := range o.builder.Rules(hook, r) {
				if err := o.table.AppendRule(chain, rule); err != nil {
					return err
				}
			}
			if err := o.table.AppendUniqueRule(base, LinkRule(chain)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply endpoint %s (%s): %w", r.ID, r, err)
	}

	o.logger.Info("applied endpoint chains", zap.String("id", r.ID), zap.String("redirection", r.String()))
	return nil
}

// Remove unlinks and deletes the chains of endpoint id. Links or chains
// already gone are skipped, so it can be repeated safely.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.batch(func() error {
		return o.removeLocked(id)
	}); err != nil {
		return fmt.Errorf("failed to remove endpoint %s: %w", id, err)
	}
	o.logger.Debug("removed endpoint chains", zap.String("id", id))
	return nil
}

func (o *Orchestrator) removeLocked(id string) error {
	for _, hook := range Hooks {
		chain := o.naming.EndpointChain(id, hook)
		if err := o.table.DeleteRulesWithTarget(o.naming.BaseChain(hook), chain); err != nil {
			return err
		}
		if err := o.table.DeleteChain(chain); err != nil {
			return err
		}
	}
	return nil
}

// CleanupAll removes the chains of every endpoint in ids, then the base
// topology. Endpoints whose chains are already gone are not an error. Each
// endpoint is removed in its own batch so one failure does not keep the
// others in place; all failures are reported together.
func (o *Orchestrator) CleanupAll(ids []string) error {
	var err error
	for _, id := range ids {
		err = multierr.Append(err, o.Remove(id))
	}
	err = multierr.Append(err, o.TeardownBasicRules())
	if err != nil {
		o.logger.Error("cleanup finished with errors", zap.Int("endpoints", len(ids)), zap.Error(err))
		return err
	}
	o.logger.Info("cleanup finished", zap.Int("endpoints", len(ids)))
	return nil
}

// EndpointChainsExist reports, after a refresh, whether any chain of endpoint id exists.
func (o *Orchestrator) EndpointChainsExist(id string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.table.Refresh(); err != nil {
		return false, err
	}
	for _, hook := range Hooks {
		if o.table.ChainExists(o.naming.EndpointChain(id, hook)) {
			return true, nil
		}
	}
	return false, nil
}

// Close releases the backend.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.table.Backend().Close()
}

// batch refreshes the table, runs fn inside a batch and commits it. Any
// error discards the batch. Must be called with o.mu held.
func (o *Orchestrator) batch(fn func() error) error {
	if err := o.table.Refresh(); err != nil {
		return err
	}
	if err := o.table.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		o.table.Discard()
		if !errors.Is(err, ErrBackend) {
			err = fmt.Errorf("%w: %w", ErrBackend, err)
		}
		return err
	}
	return o.table.Commit()
}
