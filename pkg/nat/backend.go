package nat

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted in configuration.
const (
	BackendIPTables = "iptables"
	BackendNFTables = "nftables"
	BackendMemory   = "memory"
)

// NewBackend creates the named backend. namespace names the nftables table
// and is ignored by the other backends.
func NewBackend(name, namespace string, logger *zap.Logger) (Backend, error) {
	switch name {
	case BackendMemory:
		logger.Warn("using in-memory NAT backend, no kernel rules will be written")
		return NewMemoryBackend(), nil
	case BackendIPTables, BackendNFTables, "":
		if name == "" {
			name = BackendIPTables
		}
		return newKernelBackend(name, namespace, logger)
	default:
		return nil, fmt.Errorf("unsupported nat backend %q (supported: iptables, nftables, memory)", name)
	}
}
