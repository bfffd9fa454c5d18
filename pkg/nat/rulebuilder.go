package nat

import (
	"fmt"
	"net"
)

// Redirection is what the orchestrator needs to know about an endpoint.
// A zero PublicPort redirects the whole public address.
type Redirection struct {
	ID          string
	PublicIP    net.IP
	PublicPort  uint16
	PrivateIP   net.IP
	PrivatePort uint16
}

// String returns "public -> private" for logs.
func (r Redirection) String() string {
	return fmt.Sprintf("%s -> %s", Translation{Address: r.PublicIP, Port: r.PublicPort}, Translation{Address: r.PrivateIP, Port: r.PrivatePort})
}

// RuleBuilder produces the translation rules placed in the endpoint chain of a hook.
type RuleBuilder interface {
	Rules(hook Hook, r Redirection) []Rule
}

// RuleBuilderFunc adapts a function to RuleBuilder.
type RuleBuilderFunc func(hook Hook, r Redirection) []Rule

func (f RuleBuilderFunc) Rules(hook Hook, r Redirection) []Rule {
	return f(hook, r)
}

// DefaultRuleBuilder writes DNAT rules on PREROUTING and OUTPUT, matching the
// public address. On POSTROUTING, where the guard lets through DNAT-tracked
// flows only, it writes a SNAT rule matching the translated destination, so
// the private host sees the public address as the source of redirected
// traffic. Port-specific redirections get one rule per protocol; whole-IP
// redirections get a single protocol-less rule.
type DefaultRuleBuilder struct {
	Protocols []string
}

func (b DefaultRuleBuilder) Rules(hook Hook, r Redirection) []Rule {
	protocols := b.Protocols
	if len(protocols) == 0 {
		protocols = []string{"tcp"}
	}
	if r.PublicPort == 0 {
		protocols = []string{""}
	}

	rules := make([]Rule, 0, len(protocols))
	for _, protocol := range protocols {
		switch hook {
		case HookPrerouting, HookOutput:
			rule := Rule{
				Match:       Match{Destination: r.PublicIP, Protocol: protocol},
				Target:      TargetDNAT,
				Translation: &Translation{Address: r.PrivateIP},
			}
			if protocol != "" {
				rule.Match.DestinationPort = r.PublicPort
				rule.Translation.Port = r.PrivatePort
			}
			rules = append(rules, rule)
		case HookPostrouting:
			rule := Rule{
				Match:       Match{Destination: r.PrivateIP, Protocol: protocol},
				Target:      TargetSNAT,
				Translation: &Translation{Address: r.PublicIP},
			}
			if protocol != "" {
				rule.Match.DestinationPort = r.PrivatePort
			}
			rules = append(rules, rule)
		}
	}
	return rules
}
