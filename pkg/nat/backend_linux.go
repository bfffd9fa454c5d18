//go:build linux

package nat

import (
	"go.uber.org/zap"
)

func newKernelBackend(name, namespace string, logger *zap.Logger) (Backend, error) {
	if name == BackendNFTables {
		return newNFTablesBackend(namespace, logger)
	}
	return newIPTablesBackend(logger)
}
