//go:build e2e

// harness_test.go builds the fieldtrack binary and runs it in an isolated
// workspace.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// CLIHarness manages a fieldtrack binary for end-to-end tests.
type CLIHarness struct {
	// BinaryPath is the path to the built binary.
	BinaryPath string

	// WorkDir is the working directory commands run in. It holds
	// .fieldtrack/ once "init" has run.
	WorkDir string

	t *testing.T
}

// CLIResult contains the output from one command.
type CLIResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Success returns true if the command exited 0.
func (r *CLIResult) Success() bool {
	return r.ExitCode == 0 && r.Err == nil
}

// Lines returns stdout split into non-empty lines.
func (r *CLIResult) Lines() []string {
	var lines []string
	for _, line := range strings.Split(r.Stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// NewCLIHarness builds the binary into a temp directory next to an empty
// workspace.
func NewCLIHarness(t *testing.T) *CLIHarness {
	t.Helper()

	projectRoot := findProjectRoot(t)
	require.NotEmpty(t, projectRoot, "could not find project root (directory containing go.mod)")

	tmpDir := t.TempDir()
	binaryPath := filepath.Join(tmpDir, "fieldtrack")

	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/fieldtrack")
	cmd.Dir = projectRoot
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "failed to build fieldtrack binary: %s", output)

	workDir := filepath.Join(tmpDir, "workspace")
	require.NoError(t, os.MkdirAll(workDir, 0755))

	return &CLIHarness{BinaryPath: binaryPath, WorkDir: workDir, t: t}
}

// Run executes a command with a 30 second timeout.
func (h *CLIHarness) Run(args ...string) *CLIResult {
	h.t.Helper()
	return h.RunWithInput("", args...)
}

// RunWithInput executes a command with input on stdin.
func (h *CLIHarness) RunWithInput(input string, args ...string) *CLIResult {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.BinaryPath, args...)
	cmd.Dir = h.WorkDir
	cmd.Stdin = strings.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &CLIResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.Err = err
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}
	return result
}

// Background is a command left running while the test talks to it.
type Background struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr *bufio.Reader
	done   chan error
}

// Start launches a command without waiting for it. The process is killed
// when the test ends.
func (h *CLIHarness) Start(args ...string) *Background {
	h.t.Helper()

	cmd := exec.Command(h.BinaryPath, args...)
	cmd.Dir = h.WorkDir
	bg := &Background{cmd: cmd, done: make(chan error, 1)}
	cmd.Stdout = &bg.stdout

	stderr, err := cmd.StderrPipe()
	require.NoError(h.t, err)
	bg.stderr = bufio.NewReader(stderr)

	require.NoError(h.t, cmd.Start())
	go func() {
		bg.done <- cmd.Wait()
	}()
	h.t.Cleanup(func() {
		_ = cmd.Process.Kill()
	})
	return bg
}

// WaitForStderr reads stderr lines until one starts with prefix and returns
// the rest of that line.
func (b *Background) WaitForStderr(t *testing.T, prefix string, timeout time.Duration) string {
	t.Helper()

	found := make(chan string, 1)
	go func() {
		for {
			line, err := b.stderr.ReadString('\n')
			if rest, ok := strings.CutPrefix(strings.TrimSpace(line), prefix); ok {
				found <- strings.TrimSpace(rest)
				// Keep draining so the process never blocks on a full pipe.
				_, _ = io.Copy(io.Discard, b.stderr)
				return
			}
			if err != nil {
				close(found)
				return
			}
		}
	}()

	select {
	case rest, ok := <-found:
		require.True(t, ok, "stderr closed before %q", prefix)
		return rest
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %q on stderr", prefix)
		return ""
	}
}

// Wait blocks until the command exits and returns its stdout.
func (b *Background) Wait(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case err := <-b.done:
		require.NoError(t, err)
	case <-time.After(timeout):
		t.Fatalf("command did not exit within %s", timeout)
	}
	return b.stdout.String()
}

// WriteFile writes a file relative to the workspace.
func (h *CLIHarness) WriteFile(name, content string) string {
	h.t.Helper()
	path := filepath.Join(h.WorkDir, name)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// RequireSuccess fails the test if the command failed.
func (h *CLIHarness) RequireSuccess(result *CLIResult) {
	h.t.Helper()
	if !result.Success() {
		h.t.Fatalf("command failed: exit=%d err=%v\nstdout: %s\nstderr: %s",
			result.ExitCode, result.Err, result.Stdout, result.Stderr)
	}
}

// RequireFailure fails the test if the command succeeded.
func (h *CLIHarness) RequireFailure(result *CLIResult) {
	h.t.Helper()
	if result.Success() {
		h.t.Fatalf("expected command to fail\nstdout: %s\nstderr: %s", result.Stdout, result.Stderr)
	}
}

// findProjectRoot walks up from the working directory to the go.mod.
func findProjectRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
