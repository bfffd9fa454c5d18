package nat

import (
	"go.uber.org/zap"
)

// installTopology creates the base chains, puts the guard rule at the head of
// the post-routing base chain and links every root hook to its base chain.
// It converges: existing chains are kept, a misplaced or duplicated guard and
// duplicated hook links are rewritten, so repeated runs leave one copy of each.
// Must be called inside an open batch.
func installTopology(table *Table, naming Naming, logger *zap.Logger) error {
	for _, hook := range Hooks {
		if err := table.CreateChain(naming.BaseChain(hook)); err != nil {
			return err
		}
	}

	post := naming.BaseChain(HookPostrouting)
	guard := GuardRule()
	if !guardInPlace(table.Rules(post), guard) {
		if err := table.DeleteRulesWithTarget(post, guard.Target); err != nil {
			return err
		}
		if err := table.InsertRule(post, 1, guard); err != nil {
			return err
		}
		logger.Info("installed guard rule", zap.String("chain", post), zap.String("rule", guard.String()))
	}

	for _, hook := range Hooks {
		root, base := string(hook), naming.BaseChain(hook)
		if countTarget(table.Rules(root), base) == 1 {
			continue
		}
		if err := table.DeleteRulesWithTarget(root, base); err != nil {
			return err
		}
		if err := table.AppendRule(root, LinkRule(base)); err != nil {
			return err
		}
		logger.Info("linked base chain", zap.String("hook", root), zap.String("chain", base))
	}
	return nil
}

// removeTopology unlinks the root hooks and deletes the base chains.
// Missing links or chains are skipped. Must be called inside an open batch.
func removeTopology(table *Table, naming Naming) error {
	for _, hook := range Hooks {
		base := naming.BaseChain(hook)
		if err := table.DeleteRulesWithTarget(string(hook), base); err != nil {
			return err
		}
		if err := table.DeleteChain(base); err != nil {
			return err
		}
	}
	return nil
}

// guardInPlace reports whether the guard is the first rule and appears once.
func guardInPlace(rules []Rule, guard Rule) bool {
	if len(rules) == 0 || !rules[0].Equal(guard) {
		return false
	}
	return countTarget(rules, guard.Target) == 1
}

func countTarget(rules []Rule, target string) int {
	n := 0
	for _, rule := range rules {
		if rule.Target == target {
			n++
		}
	}
	return n
}
