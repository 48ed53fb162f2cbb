// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/optstack/optstack/internal/container"
	"github.com/optstack/optstack/pkg/stackfile"
)

type (
	// fakeReply is what fakeEngine answers to a command.
	fakeReply struct {
		stdout   string
		stderr   string
		exitCode int
		err      error

		// writePlot writes the contour plot into the mounted plot directory.
		writePlot bool
	}

	// fakeEngine answers Run by matching the joined command against the
	// keys of replies; commands without a reply succeed silently. Replies
	// queued in sequence are consumed before replies.
	fakeEngine struct {
		mu       sync.Mutex
		replies  map[string]fakeReply
		sequence []fakeReply
		env      map[string]string
		missing  bool
		runs     []container.RunOptions
	}
)

func (e *fakeEngine) Name() string                                       { return "fake" }
func (e *fakeEngine) Available() bool                                    { return true }
func (e *fakeEngine) Version(context.Context) (string, error)            { return "1.0", nil }
func (e *fakeEngine) Build(context.Context, container.BuildOptions) error { return nil }
func (e *fakeEngine) Tag(context.Context, string, string) error          { return nil }
func (e *fakeEngine) RemoveImage(context.Context, string, bool) error    { return nil }

func (e *fakeEngine) ImageExists(context.Context, string) (bool, error) {
	return !e.missing, nil
}

func (e *fakeEngine) ImageEnv(context.Context, string) (map[string]string, error) {
	return e.env, nil
}

func (e *fakeEngine) Run(_ context.Context, opts container.RunOptions) (*container.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, opts)

	var reply fakeReply
	if len(e.sequence) > 0 {
		reply, e.sequence = e.sequence[0], e.sequence[1:]
	} else {
		cmd := strings.Join(opts.Command, " ")
		for k, r := range e.replies {
			if strings.Contains(cmd, k) {
				reply = r
			}
		}
	}

	if reply.err != nil {
		return nil, reply.err
	}
	for _, v := range opts.Volumes {
		if host, ok := strings.CutSuffix(v, ":"+PlotMountPath); ok && reply.writePlot {
			if err := os.WriteFile(filepath.Join(host, PlotFileName), []byte("png"), 0o644); err != nil {
				return nil, err
			}
		}
	}
	if opts.Stdout != nil {
		_, _ = io.WriteString(opts.Stdout, reply.stdout)
	}
	if opts.Stderr != nil {
		_, _ = io.WriteString(opts.Stderr, reply.stderr)
	}
	return &container.RunResult{ExitCode: reply.exitCode}, nil
}

func testStack(t *testing.T) *stackfile.Stackfile {
	t.Helper()

	sf, err := stackfile.Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	return sf
}

func newTestRunner(t *testing.T, engine *fakeEngine, opts ...Option) *Runner {
	t.Helper()

	base := []Option{
		WithLogger(log.New(io.Discard)),
		WithLookupEnv(envOf(nil)),
		WithRetries(3, 0),
	}
	return NewRunner(engine, testStack(t), append(base, opts...)...)
}

func TestRunner_Command(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, &fakeEngine{})

	got := r.Command(Params{NP: 2, Dim: 2, Bits: 31})
	want := []string{"mpiexec", "-n", "2", "python3", "rosenbrock.py", "2", "31"}
	if !slices.Equal(got, want) {
		t.Errorf("Command() = %v, want %v", got, want)
	}

	got = r.Command(Params{NP: 1, Dim: 3, Bits: 8, NaNPoints: 10, NaNRange: 0.1})
	if !slices.Equal(got[len(got)-4:], []string{"--nan-points", "10", "--nan-range", "0.1"}) {
		t.Errorf("Command() = %v", got)
	}
}

func TestRunner_Run(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{replies: map[string]fakeReply{
		"rosenbrock.py": {stdout: "gen 1\noptstack-result f=0.00031 dt=4.5 x=1.01,1.02\n"},
	}}
	var stdout bytes.Buffer
	r := newTestRunner(t, engine,
		WithOutput(&stdout, io.Discard),
		WithLookupEnv(envOf(map[string]string{EnvPlotContour: "1"})),
		WithPlotDir(t.TempDir()),
	)

	res, err := r.Run(context.Background(), "optstack:dev", Params{NP: 2, Dim: 2, Bits: 31})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.NearZero(DefaultTolerance) || res.Params.NP != 2 {
		t.Errorf("Result = %+v", res)
	}
	if !strings.Contains(stdout.String(), "gen 1") {
		t.Error("benchmark output not streamed")
	}

	run := engine.runs[0]
	if run.WorkDir != "/home/optstack" || !run.Remove {
		t.Errorf("RunOptions = %+v", run)
	}
	if run.Env["NP"] != "2" || run.Env["DIM"] != "2" || run.Env["BITS"] != "31" || run.Env[EnvPlotContour] != "1" {
		t.Errorf("Env = %v", run.Env)
	}
	if res.Plot != "" {
		t.Errorf("Plot = %q, want empty when the benchmark wrote none", res.Plot)
	}
}

func TestRunner_Run_PlotSurvivesContainer(t *testing.T) {
	t.Parallel()

	plotDir := filepath.Join(t.TempDir(), "plots")
	engine := &fakeEngine{replies: map[string]fakeReply{
		"rosenbrock.py": {stdout: "optstack-result f=0.001 dt=1 x=1,1\n", writePlot: true},
	}}
	r := newTestRunner(t, engine,
		WithLookupEnv(envOf(map[string]string{EnvPlotContour: "1"})),
		WithPlotDir(plotDir),
	)

	res, err := r.Run(context.Background(), "optstack:dev", DefaultParams())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	run := engine.runs[0]
	if !slices.Equal(run.Volumes, []string{plotDir + ":" + PlotMountPath}) {
		t.Errorf("Volumes = %v, want the plot directory mounted", run.Volumes)
	}
	if run.Env[EnvPlotDir] != PlotMountPath {
		t.Errorf("%s = %q, want %q", EnvPlotDir, run.Env[EnvPlotDir], PlotMountPath)
	}
	if want := filepath.Join(plotDir, PlotFileName); res.Plot != want {
		t.Errorf("Plot = %q, want %q", res.Plot, want)
	}
}

func TestRunner_Run_NoPlotNoMount(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{replies: map[string]fakeReply{
		"rosenbrock.py": {stdout: "optstack-result f=0.001 dt=1 x=1,1\n"},
	}}
	r := newTestRunner(t, engine, WithPlotDir(t.TempDir()))
	if _, err := r.Run(context.Background(), "optstack:dev", DefaultParams()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if run := engine.runs[0]; len(run.Volumes) != 0 || run.Env[EnvPlotDir] != "" {
		t.Errorf("RunOptions = %+v, want no plot mount without %s", run, EnvPlotContour)
	}
}

func TestRunner_Run_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reply   fakeReply
		wantErr error
	}{
		{"exit code", fakeReply{stdout: "Traceback\n", exitCode: 1}, ErrRunFailed},
		{"no result", fakeReply{stdout: "done\n"}, ErrNoResult},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine := &fakeEngine{replies: map[string]fakeReply{"mpiexec": tt.reply}}
			_, err := newTestRunner(t, engine).Run(context.Background(), "img", DefaultParams())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := newTestRunner(t, &fakeEngine{}).Run(context.Background(), "img", Params{}); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Run(zero params) error = %v", err)
	}
}

func TestRunner_Run_RetriesEngineExitCodes(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{sequence: []fakeReply{
		{stderr: "crun: ping_group_range\n", exitCode: 126},
		{stdout: "optstack-result f=0 dt=1 x=1,1\n"},
	}}
	var stderr bytes.Buffer
	r := newTestRunner(t, engine, WithOutput(io.Discard, &stderr))

	if _, err := r.Run(context.Background(), "img", DefaultParams()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(engine.runs) != 2 {
		t.Errorf("attempts = %d, want 2", len(engine.runs))
	}
	if strings.Contains(stderr.String(), "ping_group_range") {
		t.Error("stderr of the discarded attempt leaked")
	}

	// A failing benchmark is never retried.
	engine = &fakeEngine{sequence: []fakeReply{{exitCode: 1}, {stdout: "optstack-result f=0 dt=1 x=1,1\n"}}}
	if _, err := newTestRunner(t, engine).Run(context.Background(), "img", DefaultParams()); !errors.Is(err, ErrRunFailed) {
		t.Errorf("Run() error = %v", err)
	}
	if len(engine.runs) != 1 {
		t.Errorf("attempts = %d, want 1", len(engine.runs))
	}
}

func TestRunner_Verify(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		replies: map[string]fakeReply{"pwd": {stdout: "/home/optstack\n"}},
		env:     map[string]string{"PETSC_DIR": "/opt/petsc", "PATH": "/usr/bin"},
	}
	v, err := newTestRunner(t, engine).Verify(context.Background(), "optstack:dev")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !v.OK() {
		t.Fatalf("Verify() failed checks: %+v", v.Failed())
	}

	var names []string
	for _, c := range v.Checks {
		names = append(names, c.Name)
	}
	if !slices.Equal(names, []string{CheckWorkdir, CheckImports, CheckLauncher, CheckNumLib + ":petsc"}) {
		t.Errorf("checks = %v", names)
	}

	var imports string
	for _, run := range engine.runs {
		if cmd := strings.Join(run.Command, " "); strings.Contains(cmd, "import ") {
			imports = cmd
		}
	}
	for _, mod := range []string{"numpy", "mpi4py", "petsc4py", "openmdao", "pyoptsparse", "platypus"} {
		if !strings.Contains(imports, mod) {
			t.Errorf("import check misses %s: %q", mod, imports)
		}
	}
}

func TestRunner_Verify_Failures(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		replies: map[string]fakeReply{
			"pwd":     {stdout: "/\n"},
			"import ": {stderr: "ModuleNotFoundError: No module named 'pyoptsparse'", exitCode: 1},
		},
		env: map[string]string{"PETSC_DIR": "/usr/local/petsc"},
	}
	v, err := newTestRunner(t, engine).Verify(context.Background(), "optstack:dev")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if v.OK() {
		t.Fatal("Verify() passed a broken artifact")
	}

	failed := make(map[string]string)
	for _, c := range v.Failed() {
		failed[c.Name] = c.Detail
	}
	if !strings.Contains(failed[CheckWorkdir], "want /home/optstack") {
		t.Errorf("workdir detail = %q", failed[CheckWorkdir])
	}
	if !strings.Contains(failed[CheckImports], "pyoptsparse") {
		t.Errorf("imports detail = %q", failed[CheckImports])
	}
	if !strings.Contains(failed[CheckNumLib+":petsc"], "want /opt/petsc") {
		t.Errorf("numlib detail = %q", failed[CheckNumLib+":petsc"])
	}
	if _, ok := failed[CheckLauncher]; ok {
		t.Error("launcher check failed unexpectedly")
	}

	if _, err := newTestRunner(t, &fakeEngine{missing: true}).Verify(context.Background(), "nope"); err == nil {
		t.Error("Verify() of a missing image succeeded")
	}
	if _, err := newTestRunner(t, &fakeEngine{sequence: []fakeReply{{err: errors.New("engine exploded")}}}).Verify(context.Background(), "img"); err == nil {
		t.Error("Verify() ignored an engine error")
	}
}

func TestImports(t *testing.T) {
	t.Parallel()

	sf := &stackfile.Stackfile{Stages: []stackfile.Stage{
		{Name: "a", Imports: []string{"numpy", "scipy"}},
		{Name: "b", Imports: []string{"scipy", "openmdao"}},
	}}
	if got := Imports(sf); !slices.Equal(got, []string{"numpy", "scipy", "openmdao"}) {
		t.Errorf("Imports() = %v", got)
	}
}
