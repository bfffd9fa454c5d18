//go:build e2e

package e2e

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// ipfloaterBinary holds the path to the compiled ipfloater binary used by all e2e tests.
var ipfloaterBinary string

func TestMain(m *testing.M) {
	// Build the ipfloater binary into a temporary directory
	tmpDir, err := os.MkdirTemp("", "ipfloater-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	ipfloaterBinary = filepath.Join(tmpDir, "ipfloater")

	buildCmd := exec.Command("go", "build", "-o", ipfloaterBinary, "github.com/easzlab/ipfloater/cmd/ipfloater")
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to build ipfloater binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}
