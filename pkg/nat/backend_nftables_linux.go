//go:build linux

package nat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// userDataPrefix marks rules written by ipfloater; the rest of the user data
// is the iptables-style spec of the rule, which is how rules are read back.
const userDataPrefix = "ipfloater:"

// ipsDstNAT is the IPS_DST_NAT conntrack status bit.
const ipsDstNAT uint32 = 1 << 5

// nftablesBackend keeps ipfloater chains in a dedicated nftables table of the
// ip family. Root hook chains named after the hooks are created as nat base
// chains on demand, so the chain layout mirrors the iptables one.
// Every Apply is a single netlink transaction.
type nftablesBackend struct {
	conn   *nftables.Conn
	table  *nftables.Table
	logger *zap.Logger
}

func newNFTablesBackend(tableName string, logger *zap.Logger) (Backend, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	return &nftablesBackend{
		conn: conn,
		table: &nftables.Table{
			Name:   tableName,
			Family: nftables.TableFamilyIPv4,
		},
		logger: logger,
	}, nil
}

func (b *nftablesBackend) Name() string {
	return BackendNFTables
}

func (b *nftablesBackend) Close() error {
	return b.conn.CloseLasting()
}

func (b *nftablesBackend) Load() (*Ruleset, error) {
	rs := NewRuleset()

	tables, err := b.conn.ListTablesOfFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to list nftables tables: %w", err)
	}
	found := false
	for _, table := range tables {
		if table.Name == b.table.Name {
			found = true
			break
		}
	}
	if !found {
		return rs, nil
	}

	chains, err := b.conn.ListChainsOfTableFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to list nftables chains: %w", err)
	}
	for _, chain := range chains {
		if chain.Table == nil || chain.Table.Name != b.table.Name {
			continue
		}
		nftRules, err := b.conn.GetRules(b.table, chain)
		if err != nil {
			return nil, fmt.Errorf("failed to list rules of chain %s: %w", chain.Name, err)
		}
		rules := make([]Rule, 0, len(nftRules))
		for _, nftRule := range nftRules {
			rules = append(rules, decodeNFTRule(nftRule))
		}
		rs.setChain(chain.Name, rules)
	}
	return rs, nil
}

// Apply queues every op on the connection and flushes them as one transaction.
// The log is checked first: the connection keeps queued messages until the
// next Flush, so nothing may be queued for a log that cannot be sent whole.
func (b *nftablesBackend) Apply(ops []Op) error {
	if err := checkNFTOps(ops); err != nil {
		return err
	}

	b.conn.AddTable(b.table)
	for _, hook := range Hooks {
		b.conn.AddChain(b.rootChain(hook))
	}

	for _, op := range ops {
		chain := &nftables.Chain{Name: op.Chain, Table: b.table}
		switch op.Kind {
		case OpCreateChain:
			b.conn.AddChain(chain)
		case OpDeleteChain:
			b.conn.DelChain(chain)
		case OpFlushChain:
			b.conn.FlushChain(chain)
		case OpAppendRule:
			b.conn.AddRule(b.newRule(chain, op.Rule))
		case OpInsertRule:
			b.conn.InsertRule(b.newRule(chain, op.Rule))
		case OpDeleteRule:
			// Handles were checked above, DelRule cannot fail on them.
			_ = b.conn.DelRule(&nftables.Rule{Table: b.table, Chain: chain, Handle: op.Rule.Handle})
		}
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nftables transaction of %d ops failed: %w", len(ops), err)
	}
	return nil
}

// checkNFTOps rejects logs the nftables backend cannot express.
func checkNFTOps(ops []Op) error {
	for _, op := range ops {
		switch op.Kind {
		case OpCreateChain, OpDeleteChain, OpFlushChain, OpAppendRule:
		case OpInsertRule:
			if op.Pos != 1 {
				return fmt.Errorf("%s: nftables backend only inserts at the head of a chain", op)
			}
		case OpDeleteRule:
			if op.Rule.Handle == 0 {
				return fmt.Errorf("%s: rule has no nftables handle", op)
			}
		default:
			return fmt.Errorf("unknown operation %v", op.Kind)
		}
	}
	return nil
}

func (b *nftablesBackend) rootChain(hook Hook) *nftables.Chain {
	chain := &nftables.Chain{
		Name:  string(hook),
		Table: b.table,
		Type:  nftables.ChainTypeNAT,
	}
	switch hook {
	case HookPrerouting:
		chain.Hooknum = nftables.ChainHookPrerouting
		chain.Priority = nftables.ChainPriorityNATDest
	case HookOutput:
		chain.Hooknum = nftables.ChainHookOutput
		chain.Priority = nftables.ChainPriorityNATDest
	case HookPostrouting:
		chain.Hooknum = nftables.ChainHookPostrouting
		chain.Priority = nftables.ChainPriorityNATSource
	}
	return chain
}

func (b *nftablesBackend) newRule(chain *nftables.Chain, rule Rule) *nftables.Rule {
	return &nftables.Rule{
		Table:    b.table,
		Chain:    chain,
		Exprs:    encodeNFTExprs(rule),
		UserData: []byte(userDataPrefix + rule.String()),
	}
}

// encodeNFTExprs translates a rule into nftables expressions.
func encodeNFTExprs(rule Rule) []expr.Any {
	var exprs []expr.Any
	m := rule.Match

	if m.NotDNAT {
		exprs = append(exprs,
			&expr.Ct{Register: 1, Key: expr.CtKeySTATUS},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           binaryutil.NativeEndian.PutUint32(ipsDstNAT),
				Xor:            binaryutil.NativeEndian.PutUint32(0),
			},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
		)
	}
	if m.Source != nil {
		exprs = append(exprs, payloadEq(expr.PayloadBaseNetworkHeader, 12, m.Source.To4())...)
	}
	if m.Destination != nil {
		exprs = append(exprs, payloadEq(expr.PayloadBaseNetworkHeader, 16, m.Destination.To4())...)
	}
	if proto, ok := protocolNumber(m.Protocol); ok {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		)
		if m.SourcePort != 0 {
			exprs = append(exprs, payloadEq(expr.PayloadBaseTransportHeader, 0, binaryutil.BigEndian.PutUint16(m.SourcePort))...)
		}
		if m.DestinationPort != 0 {
			exprs = append(exprs, payloadEq(expr.PayloadBaseTransportHeader, 2, binaryutil.BigEndian.PutUint16(m.DestinationPort))...)
		}
	}

	switch rule.Target {
	case TargetAccept:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictAccept})
	case TargetReturn:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictReturn})
	case TargetDNAT, TargetSNAT:
		exprs = append(exprs, natExprs(rule)...)
	default:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictJump, Chain: rule.Target})
	}
	return exprs
}

func payloadEq(base expr.PayloadBase, offset uint32, data []byte) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: base, Offset: offset, Len: uint32(len(data))},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: data},
	}
}

func natExprs(rule Rule) []expr.Any {
	natType := expr.NATTypeDestNAT
	if rule.Target == TargetSNAT {
		natType = expr.NATTypeSourceNAT
	}
	if rule.Translation == nil {
		return []expr.Any{&expr.Verdict{Kind: expr.VerdictAccept}}
	}

	exprs := []expr.Any{
		&expr.Immediate{Register: 1, Data: rule.Translation.Address.To4()},
	}
	nat := &expr.NAT{
		Type:       natType,
		Family:     unix.NFPROTO_IPV4,
		RegAddrMin: 1,
	}
	if rule.Translation.Port != 0 {
		exprs = append(exprs, &expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(rule.Translation.Port)})
		nat.RegProtoMin = 2
	}
	return append(exprs, nat)
}

func protocolNumber(protocol string) (byte, bool) {
	switch protocol {
	case "tcp":
		return unix.IPPROTO_TCP, true
	case "udp":
		return unix.IPPROTO_UDP, true
	default:
		return 0, false
	}
}

// decodeNFTRule rebuilds a Rule from an nftables rule. Rules written by
// ipfloater are parsed from their user data; anything else is kept as a
// foreign rule with its jump target, if any.
func decodeNFTRule(nftRule *nftables.Rule) Rule {
	if data := string(nftRule.UserData); strings.HasPrefix(data, userDataPrefix) {
		rule, err := ParseRuleSpec(SplitSpecLine(strings.TrimPrefix(data, userDataPrefix)))
		if err == nil && !rule.IsForeign() {
			rule.Handle = nftRule.Handle
			return rule
		}
	}

	rule := Rule{
		Raw:    []string{"nft-handle", strconv.FormatUint(nftRule.Handle, 10)},
		Handle: nftRule.Handle,
	}
	for _, e := range nftRule.Exprs {
		if verdict, ok := e.(*expr.Verdict); ok && (verdict.Kind == expr.VerdictJump || verdict.Kind == expr.VerdictGoto) {
			rule.Target = verdict.Chain
		}
	}
	return rule
}
