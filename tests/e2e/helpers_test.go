//go:build e2e

package e2e

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

// daemon is a running ipfloater process and the base URL of its API.
type daemon struct {
	cmd  *exec.Cmd
	base string
}

// freeAddress returns a loopback address with a port nobody listens on.
func freeAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().String()
}

// writeTestConfig writes a memory-backend config listening on listen, with
// the state file in dir.
func writeTestConfig(t *testing.T, dir, listen string, restore bool) string {
	t.Helper()
	content := fmt.Sprintf(`
global:
  log_level: debug
  backend: memory
  listen: %s
  state_file: %s
  restore_on_start: %t
pool:
  public_ips: [203.0.113.10, 203.0.113.11]
  port_min: 20000
  port_max: 20010
health_check:
  enabled: false
`, listen, filepath.Join(dir, "state.yaml"), restore)
	configPath := filepath.Join(dir, "ipfloater.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

// runIPFloater executes the binary with args and returns its combined output and error.
func runIPFloater(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.Command(ipfloaterBinary, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// startDaemon starts `ipfloater -c configPath` and waits until the API answers.
func startDaemon(t *testing.T, configPath, listen string) *daemon {
	t.Helper()
	cmd := exec.Command(ipfloaterBinary, "-c", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start ipfloater daemon: %v", err)
	}

	d := &daemon{cmd: cmd, base: "http://" + listen}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(d.base + "/")
		if err == nil {
			resp.Body.Close()
			return d
		}
		time.Sleep(50 * time.Millisecond)
	}
	cmd.Process.Kill()
	t.Fatal("daemon API did not come up within 10 seconds")
	return nil
}

// stop sends SIGTERM and waits for a clean exit.
func (d *daemon) stop(t *testing.T) {
	t.Helper()
	if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send SIGTERM: %v", err)
	}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- d.cmd.Wait()
	}()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("daemon exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		d.cmd.Process.Kill()
		t.Fatal("daemon did not exit within 10 seconds after SIGTERM")
	}
}

// call performs an HTTP request against the daemon and returns status and body.
func (d *daemon) call(t *testing.T, method, path string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, d.base+path, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp.StatusCode, string(body)
}
