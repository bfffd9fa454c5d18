//go:build !linux

package nat

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// newKernelBackend reports that kernel NAT tables are only reachable on Linux.
func newKernelBackend(name, _ string, _ *zap.Logger) (Backend, error) {
	return nil, fmt.Errorf("nat backend %q is not available on %s, use %q", name, runtime.GOOS, BackendMemory)
}
