//go:build linux

package nat

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"
)

const natTable = "nat"

// iptablesCmd is the subset of *iptables.IPTables used to read the table.
type iptablesCmd interface {
	ListChains(table string) ([]string, error)
	List(table, chain string) ([]string, error)
}

// restorer commits a rendered iptables-restore payload.
type restorer interface {
	Restore(payload []byte) error
}

// iptablesBackend reads the nat table through coreos/go-iptables and commits
// each op log as one iptables-restore transaction, so the kernel never sees
// half of a batch.
type iptablesBackend struct {
	ipt     iptablesCmd
	restore restorer
	logger  *zap.Logger
}

func newIPTablesBackend(logger *zap.Logger) (Backend, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handle: %w", err)
	}
	path, err := exec.LookPath("iptables-restore")
	if err != nil {
		return nil, fmt.Errorf("failed to find iptables-restore: %w", err)
	}
	return &iptablesBackend{ipt: ipt, restore: restoreCmd{path: path}, logger: logger}, nil
}

func (b *iptablesBackend) Name() string {
	return BackendIPTables
}

func (b *iptablesBackend) Close() error {
	return nil
}

// Load lists every chain of the nat table and parses its rules.
func (b *iptablesBackend) Load() (*Ruleset, error) {
	chains, err := b.ipt.ListChains(natTable)
	if err != nil {
		return nil, fmt.Errorf("failed to list nat chains: %w", err)
	}

	rs := NewRuleset()
	for _, chain := range chains {
		lines, err := b.ipt.List(natTable, chain)
		if err != nil {
			return nil, fmt.Errorf("failed to list chain %s: %w", chain, err)
		}
		var rules []Rule
		for _, line := range lines {
			tokens := SplitSpecLine(line)
			if len(tokens) < 2 || tokens[0] != "-A" {
				// -P policy and -N declaration lines
				continue
			}
			rule, err := ParseRuleSpec(tokens)
			if err != nil {
				return nil, fmt.Errorf("failed to parse rule %q in chain %s: %w", line, chain, err)
			}
			rules = append(rules, rule)
		}
		rs.setChain(chain, rules)
	}
	return rs, nil
}

// Apply renders ops as a single iptables-restore payload for the nat table.
// iptables-restore replaces the table in one commit: either every op lands
// or none does.
func (b *iptablesBackend) Apply(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	payload, err := renderRestore(ops)
	if err != nil {
		return err
	}
	if err := b.restore.Restore(payload); err != nil {
		return fmt.Errorf("iptables-restore of %d ops failed: %w", len(ops), err)
	}
	b.logger.Debug("committed iptables ops", zap.Int("ops", len(ops)))
	return nil
}

// renderRestore writes ops in iptables-restore format, in log order.
func renderRestore(ops []Op) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("*" + natTable + "\n")
	for _, op := range ops {
		switch op.Kind {
		case OpCreateChain:
			fmt.Fprintf(&buf, ":%s - [0:0]\n", op.Chain)
		case OpDeleteChain:
			fmt.Fprintf(&buf, "-X %s\n", op.Chain)
		case OpFlushChain:
			fmt.Fprintf(&buf, "-F %s\n", op.Chain)
		case OpAppendRule:
			fmt.Fprintf(&buf, "-A %s %s\n", op.Chain, restoreSpec(op.Rule))
		case OpInsertRule:
			fmt.Fprintf(&buf, "-I %s %d %s\n", op.Chain, op.Pos, restoreSpec(op.Rule))
		case OpDeleteRule:
			fmt.Fprintf(&buf, "-D %s %s\n", op.Chain, restoreSpec(op.Rule))
		default:
			return nil, fmt.Errorf("unknown operation %v", op.Kind)
		}
	}
	buf.WriteString("COMMIT\n")
	return buf.Bytes(), nil
}

// restoreSpec joins the rule spec, quoting tokens iptables-restore would split.
func restoreSpec(rule Rule) string {
	spec := rule.Spec()
	for i, token := range spec {
		if token == "" || strings.ContainsAny(token, " \t\"") {
			spec[i] = strconv.Quote(token)
		}
	}
	return strings.Join(spec, " ")
}

// restoreCmd runs iptables-restore without flushing the table, waiting for
// the xtables lock.
type restoreCmd struct {
	path string
}

func (r restoreCmd) Restore(payload []byte) error {
	cmd := exec.Command(r.path, "--noflush", "--wait")
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
