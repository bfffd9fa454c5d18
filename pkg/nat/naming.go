package nat

import "fmt"

// DefaultNamespace prefixes every chain ipfloater creates.
const DefaultNamespace = "ipfl"

// endpointTag separates the namespace from the endpoint id in chain names.
const endpointTag = "rule"

// Naming derives chain names from the namespace. The scheme is
//
//	base chains:     <namespace>-<HOOK>
//	endpoint chains: <namespace>-rule-<id>-<HOOK>
//
// Cleanup and recovery rely on it, so it must not change between releases.
type Naming struct {
	Namespace string
}

// BaseChain returns the name of the base chain linked from hook.
func (n Naming) BaseChain(hook Hook) string {
	return fmt.Sprintf("%s-%s", n.Namespace, hook)
}

// EndpointChain returns the name of the chain holding the rules of endpoint id for hook.
func (n Naming) EndpointChain(id string, hook Hook) string {
	return fmt.Sprintf("%s-%s-%s-%s", n.Namespace, endpointTag, id, hook)
}

// MaxIDLen returns the longest endpoint id whose chain names still fit the
// kernel limit for every hook.
func (n Naming) MaxIDLen() int {
	longest := 0
	for _, hook := range Hooks {
		if len(hook) > longest {
			longest = len(hook)
		}
	}
	return MaxChainNameLen - len(n.Namespace) - len(endpointTag) - longest - 3
}

// ValidateID checks that id yields valid chain names.
func (n Naming) ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty endpoint id: %w", ErrInvalidChainName)
	}
	if len(id) > n.MaxIDLen() {
		return fmt.Errorf("endpoint id %q longer than %d characters: %w", id, n.MaxIDLen(), ErrInvalidChainName)
	}
	return nil
}
