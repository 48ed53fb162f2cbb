// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/optstack/optstack/internal/container"
	"github.com/optstack/optstack/internal/provision"
	"github.com/optstack/optstack/pkg/stackfile"
)

type (
	// fakeEngine implements container.Engine with in-memory images.
	fakeEngine struct {
		mu sync.Mutex

		images map[string]bool
		// verifyOutput is printed by Run for the given image.
		verifyOutput map[string]string
		runErr       error
		tagErr       error

		tags []string
		runs []container.RunOptions
	}

	// fakeProvisioner records stage builds and fails on demand.
	fakeProvisioner struct {
		engine *fakeEngine

		// failures maps a stage to the errors returned by successive attempts.
		failures map[string][]error
		// output is written to the build output for the given stage.
		output map[string]string

		built []string
	}
)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{images: make(map[string]bool), verifyOutput: make(map[string]string)}
}

func (e *fakeEngine) Name() string                                       { return "fake" }
func (e *fakeEngine) Available() bool                                    { return true }
func (e *fakeEngine) Version(context.Context) (string, error)            { return "1.0", nil }
func (e *fakeEngine) Build(context.Context, container.BuildOptions) error { return nil }

func (e *fakeEngine) Run(_ context.Context, opts container.RunOptions) (*container.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, opts)
	if e.runErr != nil {
		return &container.RunResult{ExitCode: 1, Error: e.runErr}, nil
	}
	if opts.Stdout != nil {
		_, _ = io.WriteString(opts.Stdout, e.verifyOutput[opts.Image])
	}
	return &container.RunResult{}, nil
}

func (e *fakeEngine) ImageExists(_ context.Context, image string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[image], nil
}

func (e *fakeEngine) Tag(_ context.Context, source, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tagErr != nil {
		return e.tagErr
	}
	e.tags = append(e.tags, source+"->"+target)
	e.images[target] = true
	return nil
}

func (e *fakeEngine) RemoveImage(_ context.Context, image string, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.images, image)
	return nil
}

func (e *fakeEngine) ImageEnv(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (p *fakeProvisioner) Provision(_ context.Context, req provision.Request) (*provision.Result, error) {
	stage := req.Dockerfile.Stage
	p.built = append(p.built, stage)

	if out := p.output[stage]; out != "" && req.Output != nil {
		_, _ = io.WriteString(req.Output, out)
	}
	if errs := p.failures[stage]; len(errs) > 0 {
		err := errs[0]
		p.failures[stage] = errs[1:]
		if err != nil {
			return nil, err
		}
	}

	p.engine.mu.Lock()
	p.engine.images[req.Tag] = true
	p.engine.mu.Unlock()
	return &provision.Result{ImageTag: req.Tag, EnvVars: req.Dockerfile.Env}, nil
}

// defaultStack loads the default stack from a directory that also holds
// the files it copies into images.
func defaultStack(t *testing.T) *stackfile.Stackfile {
	t.Helper()

	dir := t.TempDir()
	if _, err := stackfile.WriteDefaults(dir, false); err != nil {
		t.Fatalf("WriteDefaults() error: %v", err)
	}
	sf, err := stackfile.ParseFile(filepath.Join(dir, stackfile.FileName))
	if err != nil {
		t.Fatalf("ParseFile() error: %v", err)
	}
	return sf
}

func defaultPlan(t *testing.T, target string, overrides map[string]string) *Plan {
	t.Helper()

	plan, err := NewPlan(defaultStack(t), target, overrides, nil)
	if err != nil {
		t.Fatalf("NewPlan() error: %v", err)
	}
	return plan
}

func newTestPipeline(engine *fakeEngine, prov *fakeProvisioner, opts ...Option) *Pipeline {
	base := []Option{
		WithProvisioner(prov),
		WithLogger(log.New(io.Discard)),
		WithRetries(3, 0),
	}
	return New(engine, append(base, opts...)...)
}

func TestNewPlan_Default(t *testing.T) {
	t.Parallel()

	plan := defaultPlan(t, "", nil)

	if plan.Target != "optlayer" {
		t.Errorf("Target = %q, want last stage", plan.Target)
	}
	if len(plan.Stages) != 3 {
		t.Fatalf("len(Stages) = %d", len(plan.Stages))
	}

	var prev string
	for i, sp := range plan.Stages {
		if !strings.HasPrefix(sp.Image, StageImagePrefix+sp.Stage.Name+":") {
			t.Errorf("stage %d image = %q", i, sp.Image)
		}
		wantFrom := prev
		if i == 0 {
			wantFrom = plan.Stack.BaseImage
		}
		if sp.Dockerfile.From != wantFrom {
			t.Errorf("stage %s FROM %q, want %q", sp.Stage.Name, sp.Dockerfile.From, wantFrom)
		}
		prev = sp.Image
	}

	final := plan.Final()
	if final.Env["PETSC_DIR"] != "/opt/petsc" {
		t.Errorf("final stage does not see PETSC_DIR: %v", final.Env)
	}
	if _, ok := plan.Stages[0].Env["PETSC_DIR"]; ok {
		t.Error("base stage sees PETSC_DIR before it is built")
	}

	if v, ok := plan.Arg("PETSC_VERSION"); !ok || v != "3.20.5" {
		t.Errorf("PETSC_VERSION = %q, %v", v, ok)
	}
}

func TestNewPlan_KeysAreIdempotent(t *testing.T) {
	t.Parallel()

	a := defaultPlan(t, "", nil)
	b := defaultPlan(t, "", map[string]string{})
	for i := range a.Stages {
		if a.Stages[i].Key != b.Stages[i].Key {
			t.Errorf("stage %s: keys differ between identical plans", a.Stages[i].Stage.Name)
		}
		if a.Stages[i].Dockerfile.String() != b.Stages[i].Dockerfile.String() {
			t.Errorf("stage %s: Dockerfiles differ between identical plans", a.Stages[i].Stage.Name)
		}
	}

	// Changing a numlib argument changes that stage and every descendant,
	// but not its ancestors.
	c := defaultPlan(t, "", map[string]string{"PETSC_VERSION": "3.21.0"})
	if a.Stages[0].Key != c.Stages[0].Key {
		t.Error("base key changed with a petsc argument")
	}
	for _, i := range []int{1, 2} {
		if a.Stages[i].Key == c.Stages[i].Key {
			t.Errorf("stage %s key unchanged after override", a.Stages[i].Stage.Name)
		}
	}
}

func TestNewPlan_Errors(t *testing.T) {
	t.Parallel()

	sf := defaultStack(t)

	if _, err := NewPlan(sf, "nope", nil, nil); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("unknown target error = %v", err)
	}
	if _, err := NewPlan(sf, "", map[string]string{"BOGUS": "1"}, nil); !errors.Is(err, ErrUnknownArgument) {
		t.Errorf("unknown argument error = %v", err)
	}

	plan, err := NewPlan(sf, "petsc", nil, nil)
	if err != nil {
		t.Fatalf("NewPlan(petsc) error: %v", err)
	}
	if len(plan.Stages) != 2 {
		t.Errorf("petsc chain has %d stages", len(plan.Stages))
	}
}

func TestPipeline_Run(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	prov := &fakeProvisioner{engine: engine}
	plan := defaultPlan(t, "", nil)

	res, err := newTestPipeline(engine, prov).Run(context.Background(), plan, "optstack:dev")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if strings.Join(prov.built, ",") != "base,petsc,optlayer" {
		t.Errorf("built = %v", prov.built)
	}
	for _, c := range res.Commits {
		if c.State != StateCommitted || c.Cached {
			t.Errorf("commit %s: state %s cached %v", c.Stage, c.State, c.Cached)
		}
	}
	if !res.Succeeded() || res.Failed() != nil {
		t.Error("Result does not report success")
	}
	if res.Artifact != "optstack:dev" {
		t.Errorf("Artifact = %q", res.Artifact)
	}
	if len(engine.tags) != 1 || engine.tags[0] != plan.Final().Image+"->optstack:dev" {
		t.Errorf("tags = %v", engine.tags)
	}

	petsc := res.Commits[1]
	if petsc.Env["PETSC_DIR"] != "/opt/petsc" {
		t.Errorf("petsc commit env = %v", petsc.Env)
	}
	if len(petsc.Transient) == 0 {
		t.Error("petsc commit lists no transient packages")
	}

	// Stages with transient packages are verified; base has none.
	if len(engine.runs) != 2 {
		t.Fatalf("verification runs = %d, want 2", len(engine.runs))
	}
	if !engine.runs[0].Remove || engine.runs[0].Image != plan.Stages[1].Image {
		t.Errorf("unexpected verification run: %+v", engine.runs[0])
	}
}

func TestPipeline_Run_FailFast(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	prov := &fakeProvisioner{
		engine:   engine,
		failures: map[string][]error{"petsc": {errors.New("exit status 1")}},
		output:   map[string]string{"petsc": "#9 0.2 optstack-step=fetch petsc\n#9 1.1 ERROR 404: Not Found.\n"},
	}
	plan := defaultPlan(t, "", nil)

	res, err := newTestPipeline(engine, prov).Run(context.Background(), plan, "optstack:dev")

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("Run() error = %v, want *StageError", err)
	}
	if stageErr.Stage != "petsc" || !errors.Is(err, ErrFetch) {
		t.Errorf("StageError = %v", stageErr)
	}
	if !strings.Contains(stageErr.Output, "ERROR 404") {
		t.Errorf("Output = %q", stageErr.Output)
	}

	if strings.Join(prov.built, ",") != "base,petsc" {
		t.Errorf("built = %v; nothing after the failed stage may run", prov.built)
	}
	want := []State{StateCommitted, StateFailed, StatePending}
	for i, c := range res.Commits {
		if c.State != want[i] {
			t.Errorf("commit %s state = %s, want %s", c.Stage, c.State, want[i])
		}
	}
	if res.Failed() != res.Commits[1] {
		t.Error("Failed() does not return the petsc commit")
	}
	if len(engine.tags) != 0 || res.Artifact != "" {
		t.Errorf("requested tag applied after failure: %v", engine.tags)
	}
}

func TestPipeline_Run_CacheHitAndForceRebuild(t *testing.T) {
	t.Parallel()

	plan := defaultPlan(t, "petsc", nil)

	engine := newFakeEngine()
	engine.images[plan.Stages[0].Image] = true
	prov := &fakeProvisioner{engine: engine}

	res, err := newTestPipeline(engine, prov).Run(context.Background(), plan, "")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Commits[0].Cached || res.Commits[1].Cached {
		t.Errorf("cached = %v, %v", res.Commits[0].Cached, res.Commits[1].Cached)
	}
	if strings.Join(prov.built, ",") != "petsc" {
		t.Errorf("built = %v", prov.built)
	}
	if len(engine.tags) != 0 {
		t.Error("empty tag must not be applied")
	}

	prov.built = nil
	if _, err := newTestPipeline(engine, prov, WithForceRebuild(true)).Run(context.Background(), plan, ""); err != nil {
		t.Fatalf("Run(force) error: %v", err)
	}
	if strings.Join(prov.built, ",") != "base,petsc" {
		t.Errorf("force rebuild built = %v", prov.built)
	}
}

func TestPipeline_Run_CleanupWarnings(t *testing.T) {
	t.Parallel()

	plan := defaultPlan(t, "", nil)
	engine := newFakeEngine()
	engine.verifyOutput[plan.Stages[1].Image] = "leftover cmake\n"
	engine.verifyOutput[plan.Stages[2].Image] = "purge-failed\n"
	prov := &fakeProvisioner{engine: engine}

	res, err := newTestPipeline(engine, prov).Run(context.Background(), plan, "optstack:dev")
	if err != nil {
		t.Fatalf("cleanup problems must not fail the run: %v", err)
	}
	if res.Artifact != "optstack:dev" {
		t.Error("artifact not tagged")
	}

	warnings := res.Warnings()
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v", warnings)
	}
	for _, w := range warnings {
		if !errors.Is(w, ErrCleanup) {
			t.Errorf("warning %v does not wrap ErrCleanup", w)
		}
	}
	var cw *CleanupWarning
	if !errors.As(warnings[0], &cw) || cw.Stage != "petsc" || len(cw.Leftovers) != 1 || cw.Leftovers[0] != "cmake" {
		t.Errorf("petsc warning = %v", warnings[0])
	}
	if !errors.As(warnings[1], &cw) || !cw.PurgeFailed {
		t.Errorf("optlayer warning = %v", warnings[1])
	}
}

func TestPipeline_Run_VerificationUnavailable(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.runErr = errors.New("engine gone")
	prov := &fakeProvisioner{engine: engine}

	res, err := newTestPipeline(engine, prov).Run(context.Background(), defaultPlan(t, "petsc", nil), "")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	var cw *CleanupWarning
	if w := res.Commits[1].Warnings; len(w) != 1 || !errors.As(w[0], &cw) || cw.Err == nil {
		t.Errorf("warnings = %v", w)
	}

	prov.built = nil
	engine.runs = nil
	if _, err := newTestPipeline(engine, prov, WithVerify(false), WithForceRebuild(true)).Run(context.Background(), defaultPlan(t, "petsc", nil), ""); err != nil {
		t.Fatal(err)
	}
	if len(engine.runs) != 0 {
		t.Error("verification ran with WithVerify(false)")
	}
}

func TestPipeline_Run_RetriesEngineFailuresOnly(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	prov := &fakeProvisioner{
		engine: engine,
		failures: map[string][]error{
			"base": {errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock"), nil},
		},
	}
	if _, err := newTestPipeline(engine, prov).Run(context.Background(), defaultPlan(t, "base", nil), ""); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(prov.built) != 2 {
		t.Errorf("transient failure attempts = %d, want 2", len(prov.built))
	}

	engine = newFakeEngine()
	prov = &fakeProvisioner{
		engine:   engine,
		failures: map[string][]error{"base": {errors.New("exit status 100"), nil}},
		output:   map[string]string{"base": "optstack-step=install system\nE: Unable to locate package\n"},
	}
	_, err := newTestPipeline(engine, prov).Run(context.Background(), defaultPlan(t, "base", nil), "")
	if !errors.Is(err, ErrInstall) {
		t.Fatalf("Run() error = %v, want ErrInstall", err)
	}
	if len(prov.built) != 1 {
		t.Errorf("build failures must not be retried, attempts = %d", len(prov.built))
	}
}

func TestPipeline_Run_TagFailure(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.tagErr = errors.New("no space left")
	prov := &fakeProvisioner{engine: engine}

	res, err := newTestPipeline(engine, prov).Run(context.Background(), defaultPlan(t, "base", nil), "optstack:dev")
	if err == nil {
		t.Fatal("expected tag error")
	}
	if res.Artifact != "" {
		t.Errorf("Artifact = %q after failed tag", res.Artifact)
	}
}

func TestPipeline_Run_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newFakeEngine()
	prov := &fakeProvisioner{engine: engine}
	res, err := newTestPipeline(engine, prov).Run(ctx, defaultPlan(t, "", nil), "optstack:dev")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(prov.built) != 0 {
		t.Error("stages built after cancellation")
	}
	for _, c := range res.Commits {
		if c.State != StatePending {
			t.Errorf("commit %s state = %s", c.Stage, c.State)
		}
	}
}

func TestReport_RoundTrip(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	prov := &fakeProvisioner{
		engine:   engine,
		failures: map[string][]error{"optlayer": {errors.New("exit status 1")}},
		output:   map[string]string{"optlayer": "optstack-step=compile pyoptsparse\n"},
	}
	plan := defaultPlan(t, "", map[string]string{"JOBS": "2"})
	engine.verifyOutput[plan.Stages[1].Image] = "leftover wget\n"

	res, runErr := newTestPipeline(engine, prov).Run(context.Background(), plan, "optstack:dev")
	if runErr == nil {
		t.Fatal("expected failure")
	}

	path := filepath.Join(t.TempDir(), "state", ReportFileName)
	if err := NewReport(res, "optstack:dev", runErr).Write(path); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	got, err := ReadReport(path)
	if err != nil {
		t.Fatalf("ReadReport() error: %v", err)
	}

	if got.Success || got.Artifact != "" || !strings.Contains(got.Error, "compile failed") {
		t.Errorf("report summary = success %v artifact %q error %q", got.Success, got.Artifact, got.Error)
	}
	if len(got.Stages) != 3 {
		t.Fatalf("stages = %d", len(got.Stages))
	}
	if got.Stages[1].State != StateCommitted || got.Stages[2].State != StateFailed {
		t.Errorf("states = %s, %s", got.Stages[1].State, got.Stages[2].State)
	}
	if len(got.Stages[1].Warnings) != 1 {
		t.Errorf("petsc warnings = %v", got.Stages[1].Warnings)
	}
	if got.Stages[1].Env["PETSC_DIR"] != "/opt/petsc" {
		t.Errorf("petsc env = %v", got.Stages[1].Env)
	}

	var jobs *ResolvedArg
	for i := range got.Args {
		if got.Args[i].Name == "JOBS" {
			jobs = &got.Args[i]
		}
	}
	if jobs == nil || jobs.Value != "2" || !jobs.Overridden {
		t.Errorf("JOBS arg = %+v", jobs)
	}

	if _, err := ReadReport(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing report")
	}
}

func TestTrace(t *testing.T) {
	t.Parallel()

	plan := defaultPlan(t, "", map[string]string{"JOBS": "6"})
	cmds, err := Trace(context.Background(), plan)
	if err != nil {
		t.Fatalf("Trace() error: %v", err)
	}

	var lines []string
	for _, c := range cmds {
		lines = append(lines, fmt.Sprintf("%s/%s: %s", c.Stage, c.Phase, c))
	}
	all := strings.Join(lines, "\n")

	for _, want := range []string{
		"base/install: apt-get install -y --no-install-recommends build-essential",
		"base/install: apt-get -o Acquire::Check-Valid-Until=false update",
		"base/install: python3 -m pip install --no-cache-dir --no-deps --no-build-isolation pip==24.0",
		"base/install: python3 -m pip check",
		"petsc/compile: wget -q -O /tmp/build/petsc/src.tar.gz https://web.cels.anl.gov/projects/petsc/download/release-snapshots/petsc-3.20.5.tar.gz",
		"petsc/compile: cd /tmp/build/petsc/src",
		"petsc/compile: ./configure --prefix=/opt/petsc PETSC_ARCH=arch-optstack --with-scalar-type=real --with-debugging=0 COPTFLAGS=-O3 -march=x86-64",
		"petsc/compile: make PETSC_DIR=/tmp/build/petsc/src PETSC_ARCH=arch-optstack MAKE_NP=6 all",
		"petsc/cleanup: apt-get purge -y --auto-remove",
		"optlayer/compile: python3 -m pip install --no-cache-dir --no-deps --no-build-isolation .",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("trace missing %q\n%s", want, all)
		}
	}

	// Stage order is preserved.
	if strings.Index(all, "base/") > strings.Index(all, "petsc/") || strings.Index(all, "petsc/") > strings.Index(all, "optlayer/") {
		t.Error("trace is not in stage order")
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	var tb tailBuffer
	chunk := bytes.Repeat([]byte("x"), outputTail/2)
	for range 3 {
		_, _ = tb.Write(chunk)
	}
	_, _ = tb.Write([]byte("END"))
	if len(tb.String()) != outputTail || !strings.HasSuffix(tb.String(), "END") {
		t.Errorf("tail length %d", len(tb.String()))
	}
	tb.Reset()
	if tb.String() != "" {
		t.Error("Reset() kept data")
	}
}

func TestPipeline_DefaultsAreUsable(t *testing.T) {
	t.Parallel()

	p := New(newFakeEngine(), WithOutput(io.Discard), WithNoCache(true), WithProvisionConfig(provision.DefaultConfig()))
	if p.Renderer() == nil || p.logger == nil || p.provisioner == nil {
		t.Error("New() left required fields unset")
	}
	if p.retries != DefaultRetries || p.retryBackoff != DefaultRetryBackoff {
		t.Errorf("retries = %d/%s", p.retries, p.retryBackoff)
	}
}
