package nat

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// Hook identifies one of the built-in NAT hooks a chain hangs off.
type Hook string

const (
	HookPrerouting  Hook = "PREROUTING"
	HookPostrouting Hook = "POSTROUTING"
	HookOutput      Hook = "OUTPUT"
)

// Hooks lists the NAT hooks managed by ipfloater, in installation order.
var Hooks = []Hook{HookPrerouting, HookPostrouting, HookOutput}

// IsRootHook reports whether name is one of the built-in hook chains.
func IsRootHook(name string) bool {
	for _, hook := range Hooks {
		if string(hook) == name {
			return true
		}
	}
	return false
}

// Terminal targets. Any other target is a jump to a user chain.
const (
	TargetAccept = "ACCEPT"
	TargetDNAT   = "DNAT"
	TargetSNAT   = "SNAT"
	TargetReturn = "RETURN"
)

// IsJumpTarget reports whether target names a user chain rather than a verdict.
func IsJumpTarget(target string) bool {
	switch target {
	case TargetAccept, TargetDNAT, TargetSNAT, TargetReturn, "DROP", "MASQUERADE", "REDIRECT", "":
		return false
	}
	return true
}

// Match is the packet selector of a rule. Zero fields match everything.
type Match struct {
	// NotDNAT matches connections that are not subject to destination NAT.
	NotDNAT         bool
	Protocol        string
	Source          net.IP
	Destination     net.IP
	SourcePort      uint16
	DestinationPort uint16
}

// Translation is the address (and optional port) a DNAT/SNAT rule rewrites to.
type Translation struct {
	Address net.IP
	Port    uint16
}

// String renders the translation the way iptables prints --to-destination.
func (t Translation) String() string {
	if t.Port == 0 {
		return t.Address.String()
	}
	return net.JoinHostPort(t.Address.String(), strconv.Itoa(int(t.Port)))
}

// Rule is one match+target entry of a chain.
type Rule struct {
	Match       Match
	Target      string
	Translation *Translation

	// Raw holds the rule spec of rules not created by ipfloater. They are
	// kept so chain references stay accurate, but never rewritten.
	Raw []string

	// Handle is the backend identifier of a committed rule, 0 when the
	// backend has none or the rule is still pending.
	Handle uint64

	pending bool
}

// LinkRule returns an unconditional jump to chain.
func LinkRule(chain string) Rule {
	return Rule{Target: chain}
}

// GuardRule returns the post-routing rule that accepts every connection not
// subject to destination NAT, so only translated flows reach endpoint chains.
func GuardRule() Rule {
	return Rule{Match: Match{NotDNAT: true}, Target: TargetAccept}
}

// IsForeign reports whether the rule was found in the table and is not one
// ipfloater knows how to express.
func (r Rule) IsForeign() bool {
	return r.Raw != nil
}

// Equal compares rule content, ignoring backend handles.
func (r Rule) Equal(other Rule) bool {
	if r.IsForeign() || other.IsForeign() {
		if r.IsForeign() != other.IsForeign() {
			return false
		}
		return r.Target == other.Target && slices.Equal(r.Raw, other.Raw)
	}
	if r.Target != other.Target || !r.Match.equal(other.Match) {
		return false
	}
	switch {
	case r.Translation == nil && other.Translation == nil:
		return true
	case r.Translation == nil || other.Translation == nil:
		return false
	}
	return r.Translation.Address.Equal(other.Translation.Address) && r.Translation.Port == other.Translation.Port
}

func (m Match) equal(other Match) bool {
	return m.NotDNAT == other.NotDNAT &&
		m.Protocol == other.Protocol &&
		ipEqual(m.Source, other.Source) &&
		ipEqual(m.Destination, other.Destination) &&
		m.SourcePort == other.SourcePort &&
		m.DestinationPort == other.DestinationPort
}

func ipEqual(a, b net.IP) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// Spec returns the iptables rule specification (without the chain) for the rule.
func (r Rule) Spec() []string {
	if r.IsForeign() {
		return slices.Clone(r.Raw)
	}

	var spec []string
	if r.Match.Source != nil {
		spec = append(spec, "-s", r.Match.Source.String()+"/32")
	}
	if r.Match.Destination != nil {
		spec = append(spec, "-d", r.Match.Destination.String()+"/32")
	}
	if r.Match.Protocol != "" {
		spec = append(spec, "-p", r.Match.Protocol)
	}
	if r.Match.NotDNAT {
		spec = append(spec, "-m", "conntrack", "!", "--ctstate", "DNAT")
	}
	if r.Match.Protocol != "" && (r.Match.SourcePort != 0 || r.Match.DestinationPort != 0) {
		spec = append(spec, "-m", r.Match.Protocol)
		if r.Match.SourcePort != 0 {
			spec = append(spec, "--sport", strconv.Itoa(int(r.Match.SourcePort)))
		}
		if r.Match.DestinationPort != 0 {
			spec = append(spec, "--dport", strconv.Itoa(int(r.Match.DestinationPort)))
		}
	}
	if r.Target != "" {
		spec = append(spec, "-j", r.Target)
	}
	if r.Translation != nil {
		switch r.Target {
		case TargetDNAT:
			spec = append(spec, "--to-destination", r.Translation.String())
		case TargetSNAT:
			spec = append(spec, "--to-source", r.Translation.String())
		}
	}
	return spec
}

// String returns the rule spec joined with spaces.
func (r Rule) String() string {
	return strings.Join(r.Spec(), " ")
}

// ParseRuleSpec parses a rule spec as printed by `iptables -S`, with or
// without the leading "-A CHAIN". Specs using options ipfloater never
// writes come back as foreign rules carrying the raw tokens.
func ParseRuleSpec(spec []string) (Rule, error) {
	if len(spec) >= 2 && (spec[0] == "-A" || spec[0] == "--append") {
		spec = spec[2:]
	}

	var rule Rule
	foreign := false
	negate := false

	for i := 0; i < len(spec); i++ {
		token := spec[i]
		next := func() (string, error) {
			if i+1 >= len(spec) {
				return "", fmt.Errorf("option %s needs a value", token)
			}
			i++
			return spec[i], nil
		}

		if token == "!" {
			negate = true
			continue
		}

		value := ""
		var err error
		switch token {
		case "-s", "--source", "-d", "--destination", "-p", "--protocol", "-m", "--match",
			"--ctstate", "--sport", "--source-port", "--dport", "--destination-port",
			"-j", "--jump", "--to-destination", "--to-source":
			if value, err = next(); err != nil {
				return Rule{}, err
			}
		default:
			foreign = true
			negate = false
			continue
		}

		if negate && token != "--ctstate" {
			foreign = true
			negate = false
			continue
		}

		switch token {
		case "-s", "--source":
			ip, ok := parseHostIP(value)
			if !ok {
				foreign = true
			}
			rule.Match.Source = ip
		case "-d", "--destination":
			ip, ok := parseHostIP(value)
			if !ok {
				foreign = true
			}
			rule.Match.Destination = ip
		case "-p", "--protocol":
			rule.Match.Protocol = value
		case "-m", "--match":
			if value != "conntrack" && value != "tcp" && value != "udp" {
				foreign = true
			}
		case "--ctstate":
			if negate && value == "DNAT" {
				rule.Match.NotDNAT = true
			} else {
				foreign = true
			}
		case "--sport", "--source-port":
			port, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				foreign = true
			}
			rule.Match.SourcePort = uint16(port)
		case "--dport", "--destination-port":
			port, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				foreign = true
			}
			rule.Match.DestinationPort = uint16(port)
		case "-j", "--jump":
			rule.Target = value
		case "--to-destination", "--to-source":
			translation, err := parseTranslation(value)
			if err != nil {
				foreign = true
			} else {
				rule.Translation = translation
			}
		}
		negate = false
	}

	if foreign {
		return Rule{Target: rule.Target, Raw: slices.Clone(spec)}, nil
	}
	return rule, nil
}

// parseHostIP accepts "a.b.c.d" or "a.b.c.d/32".
func parseHostIP(value string) (net.IP, bool) {
	if host, prefix, found := strings.Cut(value, "/"); found {
		if prefix != "32" {
			return nil, false
		}
		value = host
	}
	ip := net.ParseIP(value).To4()
	return ip, ip != nil
}

func parseTranslation(value string) (*Translation, error) {
	host, portStr := value, ""
	if strings.Contains(value, ":") {
		var err error
		host, portStr, err = net.SplitHostPort(value)
		if err != nil {
			return nil, err
		}
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid translation address %q", value)
	}
	translation := &Translation{Address: ip}
	if portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid translation port %q: %w", value, err)
		}
		translation.Port = uint16(port)
	}
	return translation, nil
}

// SplitSpecLine splits one line of `iptables -S` output into tokens,
// keeping double-quoted words (comments) together without the quotes.
func SplitSpecLine(line string) []string {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		inToken bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			inToken = true
		case (r == ' ' || r == '\t') && !quoted:
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}
