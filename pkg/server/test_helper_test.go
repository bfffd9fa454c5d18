package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/easzlab/ipfloater/pkg/arp"
	"github.com/easzlab/ipfloater/pkg/config"
	"github.com/easzlab/ipfloater/pkg/nat"
	"go.uber.org/zap"
)

// fakeResolver resolves from a fixed map.
type fakeResolver map[string]string

func (f fakeResolver) Resolve(mac string) (net.IP, error) {
	ip, ok := f[mac]
	if !ok {
		return nil, arp.ErrNotFound
	}
	return net.ParseIP(ip), nil
}

// testConfig renders a config for the memory backend with the state file in dir.
func testConfig(dir string, restore, cleanupOnExit bool, publicIPs ...string) string {
	return fmt.Sprintf(`
global:
  log_level: info
  namespace: ipfl
  backend: memory
  listen: 127.0.0.1:0
  state_file: %s
  restore_on_start: %t
  cleanup_on_exit: %t
pool:
  public_ips: [%s]
  port_min: 20000
  port_max: 20010
health_check:
  enabled: true
  interval: 1h
`, filepath.Join(dir, "state.yaml"), restore, cleanupOnExit, strings.Join(publicIPs, ", "))
}

// writeYAMLFile writes YAML content to a file and returns the path.
func writeYAMLFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "ipfloater.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write YAML file: %v", err)
	}
	return path
}

// newTestServer creates a Server backed by the given in-memory NAT backend.
func newTestServer(t *testing.T, configPath string, backend *nat.MemoryBackend) *Server {
	t.Helper()
	logger := zap.NewNop()

	configMgr, err := config.NewManager(configPath, logger)
	if err != nil {
		t.Fatalf("config.NewManager failed: %v", err)
	}
	srv, err := newServerWithBackend(configMgr, backend, fakeResolver{"02:42:ac:11:00:02": "10.0.0.5"}, logger)
	if err != nil {
		t.Fatalf("newServerWithBackend failed: %v", err)
	}
	return srv
}

// endpointChains returns the endpoint chains present in the backend.
func endpointChains(backend *nat.MemoryBackend) []string {
	var chains []string
	for _, name := range backend.Snapshot().ChainNames() {
		if strings.HasPrefix(name, "ipfl-rule-") {
			chains = append(chains, name)
		}
	}
	return chains
}
