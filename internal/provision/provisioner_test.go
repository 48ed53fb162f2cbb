// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/optstack/optstack/internal/container"
	"github.com/optstack/optstack/pkg/stackfile"
)

// mockEngine implements container.Engine for testing provisioner logic
// without requiring real Docker/Podman.
type mockEngine struct {
	buildErr error
	// buildOutput is written to the build's stdout.
	buildOutput string

	buildCalls []container.BuildOptions
	// contextFiles records the build context listing seen by each Build.
	contextFiles [][]string
}

func (m *mockEngine) Name() string    { return "mock" }
func (m *mockEngine) Available() bool { return true }

func (m *mockEngine) Version(_ context.Context) (string, error) {
	return "mock-1.0.0", nil
}

func (m *mockEngine) Build(_ context.Context, opts container.BuildOptions) error {
	m.buildCalls = append(m.buildCalls, opts)

	var files []string
	_ = filepath.WalkDir(opts.ContextDir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			rel, _ := filepath.Rel(opts.ContextDir, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	m.contextFiles = append(m.contextFiles, files)

	if opts.Stdout != nil && m.buildOutput != "" {
		_, _ = io.WriteString(opts.Stdout, m.buildOutput)
	}
	return m.buildErr
}

func (m *mockEngine) Run(_ context.Context, _ container.RunOptions) (*container.RunResult, error) {
	return &container.RunResult{}, nil
}

func (m *mockEngine) ImageExists(_ context.Context, _ string) (bool, error) { return false, nil }
func (m *mockEngine) Tag(_ context.Context, _, _ string) error             { return nil }
func (m *mockEngine) RemoveImage(_ context.Context, _ string, _ bool) error { return nil }

func (m *mockEngine) ImageEnv(_ context.Context, _ string) (map[string]string, error) {
	return map[string]string{}, nil
}

func stackDirInput(t *testing.T, stage string) Input {
	t.Helper()

	dir := t.TempDir()
	if _, err := stackfile.WriteDefaults(dir, false); err != nil {
		t.Fatalf("WriteDefaults() error: %v", err)
	}
	in := defaultInput(t, stage)
	sf := *in.Stack
	sf.FilePath = filepath.Join(dir, stackfile.FileName)
	in.Stack = &sf
	return in
}

func TestLayerProvisioner_Provision(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	cfg := DefaultConfig()
	cfg.Apply(WithContextParent(parent))

	d, err := NewRenderer(cfg).Render(stackDirInput(t, "optlayer"))
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	engine := &mockEngine{buildOutput: "step 1/9\n"}
	var out bytes.Buffer
	p := NewLayerProvisioner(engine, cfg)

	res, err := p.Provision(context.Background(), Request{
		Dockerfile: d,
		Tag:        "optstack-stage/optlayer:abc",
		NoCache:    true,
		Output:     &out,
	})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	if res.ImageTag != "optstack-stage/optlayer:abc" {
		t.Errorf("ImageTag = %q", res.ImageTag)
	}
	if res.EnvVars["PYTHONUNBUFFERED"] != "1" {
		t.Errorf("EnvVars = %v", res.EnvVars)
	}
	if len(res.Transient) != 3 {
		t.Errorf("Transient = %v", res.Transient)
	}

	if len(engine.buildCalls) != 1 {
		t.Fatalf("expected 1 build call, got %d", len(engine.buildCalls))
	}
	call := engine.buildCalls[0]
	if call.Dockerfile != DockerfileName || call.Tag != "optstack-stage/optlayer:abc" || !call.NoCache {
		t.Errorf("unexpected build options: %+v", call)
	}
	if call.BuildArgs["JOBS"] != "4" || call.BuildArgs["APT_SNAPSHOT"] != "20240501T000000Z" {
		t.Errorf("BuildArgs = %v", call.BuildArgs)
	}
	if _, ok := call.BuildArgs["PETSC_VERSION"]; ok {
		t.Errorf("optlayer receives the petsc stage argument: %v", call.BuildArgs)
	}
	if !strings.HasPrefix(call.ContextDir, parent) {
		t.Errorf("ContextDir %q not under %q", call.ContextDir, parent)
	}

	files := strings.Join(engine.contextFiles[0], ",")
	if files != "Dockerfile,files/optlayer/rosenbrock.py" {
		t.Errorf("context files = %s", files)
	}
	if out.String() != "step 1/9\n" {
		t.Errorf("build output = %q", out.String())
	}

	// The temporary context is removed after the build.
	if _, statErr := os.Stat(call.ContextDir); !os.IsNotExist(statErr) {
		t.Errorf("build context %s still exists", call.ContextDir)
	}
}

func TestLayerProvisioner_ProvisionBuildFailure(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Apply(WithContextParent(t.TempDir()))
	d, err := NewRenderer(cfg).Render(defaultInput(t, "base"))
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	wantErr := errors.New("exit status 1")
	engine := &mockEngine{buildErr: wantErr}
	_, err = NewLayerProvisioner(engine, cfg).Provision(context.Background(), Request{Dockerfile: d, Tag: "t:1"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Provision() error = %v, want %v", err, wantErr)
	}
}

func TestLayerProvisioner_ProvisionRequiresInputs(t *testing.T) {
	t.Parallel()

	p := NewLayerProvisioner(&mockEngine{}, nil)
	if p.Config() == nil {
		t.Fatal("nil config should default")
	}

	if _, err := p.Provision(context.Background(), Request{Tag: "t:1"}); err == nil {
		t.Error("expected error without Dockerfile")
	}

	d := render(t, defaultInput(t, "base"))
	if _, err := p.Provision(context.Background(), Request{Dockerfile: d}); err == nil {
		t.Error("expected error without tag")
	}
}

func TestLayerProvisioner_ProvisionRejectsInvalidShell(t *testing.T) {
	t.Parallel()

	d := render(t, defaultInput(t, "base"))
	d.Steps = append(d.Steps, Step{Phase: PhaseInstall, Commands: []string{"echo 'unterminated"}})

	engine := &mockEngine{}
	_, err := NewLayerProvisioner(engine, nil).Provision(context.Background(), Request{Dockerfile: d, Tag: "t:1"})
	var shellErr *ShellError
	if !errors.As(err, &shellErr) {
		t.Fatalf("Provision() error = %v, want *ShellError", err)
	}
	if len(engine.buildCalls) != 0 {
		t.Error("engine must not be called for an invalid Dockerfile")
	}
}

func TestPrepareContext_MissingFile(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	d := &Dockerfile{
		Stage: "s",
		From:  "ubuntu:22.04",
		Files: []ContextFile{{HostPath: filepath.Join(parent, "missing.py"), ContextPath: "files/s/missing.py", Dest: "/x"}},
	}
	if _, _, err := PrepareContext(parent, d); err == nil {
		t.Fatal("expected error for missing stage file")
	}

	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed context was not cleaned up: %v", entries)
	}
}

func TestHashFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("same"), 0o600); err != nil {
		t.Fatal(err)
	}

	ha, err := HashFile(a)
	if err != nil {
		t.Fatalf("HashFile() error: %v", err)
	}
	hb, err := HashFile(b)
	if err != nil {
		t.Fatalf("HashFile() error: %v", err)
	}
	if ha != hb {
		t.Errorf("equal contents hashed differently: %s vs %s", ha, hb)
	}
	if ha.Algorithm() != "sha256" {
		t.Errorf("algorithm = %s", ha.Algorithm())
	}

	if _, err := HashFile(filepath.Join(dir, "nope")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCopyFile_PreservesPermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.sh")
	dst := filepath.Join(dir, "dst.sh")
	if err := os.WriteFile(src, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile() error: %v", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}

	if err := CopyFile(dir, filepath.Join(dir, "x")); err == nil {
		t.Error("expected error when copying a directory")
	}
}

func TestConfigOptions(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.StateDir != DefaultStateDir || cfg.BuildRoot != DefaultBuildRoot || cfg.FetchTool != DefaultFetchTool {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.ContextParent == "" {
		t.Error("expected a default context parent")
	}

	cfg.Apply(
		WithStateDir("/state"),
		WithBuildRoot("/scratch"),
		WithFetchTool("curl"),
		WithContextParent("/ctx"),
		WithLabels(false),
	)
	if cfg.StateDir != "/state" || cfg.BuildRoot != "/scratch" || cfg.FetchTool != "curl" || cfg.ContextParent != "/ctx" || !cfg.NoLabels {
		t.Errorf("options not applied: %+v", cfg)
	}

	d, err := NewRenderer(cfg).Render(defaultInput(t, "petsc"))
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if d.Labels != nil {
		t.Error("labels rendered despite WithLabels(false)")
	}
	if !strings.Contains(d.Script(), "/scratch/petsc") || !strings.Contains(d.Script(), "/state/petsc.transient") {
		t.Errorf("custom directories not used:\n%s", d.Script())
	}
}
