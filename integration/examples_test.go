//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// TestExamples runs the cmd/ harnesses end to end against a real provider,
// the same way the teacher's integration suite shells out to its own
// examples/ directory. Skipped unless AWS_OFI_NCCL_TEST_EXAMPLES is set,
// since both harnesses need a live libfabric provider.
func TestExamples(t *testing.T) {
	if os.Getenv("AWS_OFI_NCCL_TEST_EXAMPLES") == "" {
		t.Skip("set AWS_OFI_NCCL_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	if err != nil {
		t.Fatalf("locate repository root: %v", err)
	}

	cases := []string{"cmd/cmdemo", "cmd/ginbench"}
	for _, relPath := range cases {
		relPath := relPath
		t.Run(relPath, func(t *testing.T) {
			runExample(t, root, relPath)
		})
	}
}

func runExample(t *testing.T, root, relPath string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./"+relPath)
	env := append(os.Environ(), "FI_SOCKETS_IFACE=lo0")
	if provider := os.Getenv("AWS_OFI_NCCL_INTEGRATION_PROVIDER"); provider != "" {
		env = append(env, "AWS_OFI_NCCL_EXAMPLE_PROVIDER="+provider)
	}
	cmd.Env = env
	cmd.Dir = root

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		t.Fatalf("example %s timed out:\n%s", relPath, string(output))
	}
	if err != nil {
		t.Fatalf("example %s failed: %v\n%s", relPath, err, string(output))
	}
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}
