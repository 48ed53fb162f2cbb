// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
)

type (
	// mockCommandRecorder records engine invocations and answers them through
	// TestHelperProcess with the configured output and exit code.
	mockCommandRecorder struct {
		mu          sync.Mutex
		invocations []mockInvocation

		ExitCode int
		Stdout   string
		Stderr   string
		// ExitCodeFor overrides ExitCode when the first argument matches.
		ExitCodeFor map[string]int
	}

	mockInvocation struct {
		Name string
		Args []string
	}
)

func newMockCommandRecorder() *mockCommandRecorder {
	return &mockCommandRecorder{ExitCodeFor: make(map[string]int)}
}

// execCommand satisfies ExecCommandFunc.
func (m *mockCommandRecorder) execCommand(_ context.Context, name string, args ...string) *exec.Cmd {
	m.mu.Lock()
	m.invocations = append(m.invocations, mockInvocation{Name: name, Args: slices.Clone(args)})
	code := m.ExitCode
	if len(args) > 0 {
		if c, ok := m.ExitCodeFor[args[0]]; ok {
			code = c
		}
	}
	m.mu.Unlock()

	cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
	cmd := exec.Command(os.Args[0], cs...) //nolint:gosec,noctx // test helper process
	cmd.Env = []string{
		"GO_WANT_HELPER_PROCESS=1",
		fmt.Sprintf("GO_HELPER_EXIT_CODE=%d", code),
		"GO_HELPER_STDOUT=" + m.Stdout,
		"GO_HELPER_STDERR=" + m.Stderr,
	}
	return cmd
}

func (m *mockCommandRecorder) Invocations() []mockInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.invocations)
}

func (m *mockCommandRecorder) LastArgs() []string {
	inv := m.Invocations()
	if len(inv) == 0 {
		return nil
	}
	return inv[len(inv)-1].Args
}

func (m *mockCommandRecorder) AssertInvocationCount(t *testing.T, want int) {
	t.Helper()
	if got := len(m.Invocations()); got != want {
		t.Errorf("expected %d invocations, got %d", want, got)
	}
}

func (m *mockCommandRecorder) AssertArgs(t *testing.T, want ...string) {
	t.Helper()
	if got := m.LastArgs(); !slices.Equal(got, want) {
		t.Errorf("args = %q, want %q", got, want)
	}
}

func (m *mockCommandRecorder) AssertArgsContain(t *testing.T, want string) {
	t.Helper()
	args := m.LastArgs()
	if !strings.Contains(strings.Join(args, " "), want) {
		t.Errorf("expected args to contain %q, got: %v", want, args)
	}
}

// TestHelperProcess is not a real test. It stands in for the engine binary
// when GO_WANT_HELPER_PROCESS is set.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	if out := os.Getenv("GO_HELPER_STDOUT"); out != "" {
		fmt.Fprint(os.Stdout, out)
	}
	if out := os.Getenv("GO_HELPER_STDERR"); out != "" {
		fmt.Fprint(os.Stderr, out)
	}

	code := 0
	fmt.Sscanf(os.Getenv("GO_HELPER_EXIT_CODE"), "%d", &code)
	os.Exit(code)
}

func newMockDocker(t *testing.T) (*DockerEngine, *mockCommandRecorder) {
	t.Helper()
	rec := newMockCommandRecorder()
	return &DockerEngine{BaseCLIEngine: NewBaseCLIEngine("/usr/bin/docker", WithName("docker"), WithExecCommand(rec.execCommand))}, rec
}

func newMockPodman(t *testing.T) (*PodmanEngine, *mockCommandRecorder) {
	t.Helper()
	rec := newMockCommandRecorder()
	return &PodmanEngine{BaseCLIEngine: NewBaseCLIEngine("/usr/bin/podman", WithName("podman"), WithExecCommand(rec.execCommand))}, rec
}

func TestMockCommandRecorder(t *testing.T) {
	t.Parallel()

	rec := newMockCommandRecorder()
	rec.Stdout = "27.1.1"
	out, err := rec.execCommand(context.Background(), "docker", "version").Output()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "27.1.1" {
		t.Errorf("stdout = %q", out)
	}

	rec.ExitCodeFor["build"] = 2
	if err := rec.execCommand(context.Background(), "docker", "build", ".").Run(); err == nil {
		t.Error("expected non-zero exit for build")
	}
	rec.AssertInvocationCount(t, 2)
}
