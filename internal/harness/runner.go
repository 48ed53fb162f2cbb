// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/optstack/optstack/internal/container"
	"github.com/optstack/optstack/pkg/stackfile"
)

const (
	defaultRunRetries = 3
	defaultRunBackoff = 500 * time.Millisecond
)

type (
	// Runner starts commands inside an artifact image.
	Runner struct {
		engine    container.Engine
		stack     *stackfile.Stackfile
		logger    *log.Logger
		stdout    io.Writer
		stderr    io.Writer
		lookupEnv func(string) (string, bool)
		plotDir   string
		retries   int
		backoff   time.Duration
	}

	// Option configures a Runner.
	Option func(*Runner)
)

// WithLogger sets the runner's logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithOutput streams the benchmark's output to stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) { r.stdout, r.stderr = stdout, stderr }
}

// WithLookupEnv replaces os.LookupEnv for host pass-through variables.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(r *Runner) { r.lookupEnv = fn }
}

// WithPlotDir sets the host directory receiving the contour plot when
// PLOT_CONTOUR is set. It defaults to the current directory.
func WithPlotDir(dir string) Option {
	return func(r *Runner) { r.plotDir = dir }
}

// WithRetries sets the attempts and initial backoff for engine failures.
func WithRetries(attempts int, backoff time.Duration) Option {
	return func(r *Runner) { r.retries, r.backoff = attempts, backoff }
}

// NewRunner creates a Runner for artifacts built from stack.
func NewRunner(engine container.Engine, stack *stackfile.Stackfile, opts ...Option) *Runner {
	r := &Runner{
		engine:    engine,
		stack:     stack,
		stdout:    io.Discard,
		stderr:    io.Discard,
		lookupEnv: os.LookupEnv,
		retries:   defaultRunRetries,
		backoff:   defaultRunBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "harness"})
	}
	return r
}

func (r *Runner) launcher() string {
	if l := r.stack.Harness.Launcher; l != "" {
		return l
	}
	return "mpiexec"
}

func (r *Runner) python() string {
	if p := r.stack.Harness.Python; p != "" {
		return p
	}
	return "python3"
}

func (r *Runner) script() string {
	if s := r.stack.Harness.Script; s != "" {
		return s
	}
	return "rosenbrock.py"
}

// Command returns the benchmark command line for p.
func (r *Runner) Command(p Params) []string {
	cmd := []string{
		r.launcher(), "-n", strconv.Itoa(p.NP),
		r.python(), r.script(),
		strconv.Itoa(p.Dim), strconv.Itoa(p.Bits),
	}
	if p.NaNPoints > 0 {
		cmd = append(cmd, "--nan-points", strconv.Itoa(p.NaNPoints))
	}
	if p.NaNRange > 0 {
		cmd = append(cmd, "--nan-range", strconv.FormatFloat(p.NaNRange, 'g', -1, 64))
	}
	return cmd
}

// env is the benchmark environment: the resolved parameters plus host
// pass-through variables.
func (r *Runner) env(p Params) map[string]string {
	env := map[string]string{
		EnvNP:   strconv.Itoa(p.NP),
		EnvDim:  strconv.Itoa(p.Dim),
		EnvBits: strconv.Itoa(p.Bits),
	}
	if v, ok := r.lookupEnv(EnvPlotContour); ok && v != "" {
		env[EnvPlotContour] = v
		env[EnvPlotDir] = PlotMountPath
	}
	return env
}

// plotHostDir returns the absolute host directory mounted for the plot and
// creates it. It returns "" when no plot was requested.
func (r *Runner) plotHostDir() (string, error) {
	if v, ok := r.lookupEnv(EnvPlotContour); !ok || v == "" {
		return "", nil
	}
	dir := r.plotDir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("plot directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("plot directory %s: %w", abs, err)
	}
	return abs, nil
}

// Run executes the benchmark in image and parses its result.
func (r *Runner) Run(ctx context.Context, image string, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	plotDir, err := r.plotHostDir()
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	opts := container.RunOptions{
		Image:   image,
		Command: r.Command(p),
		WorkDir: path.Clean(r.stack.Workdir),
		Env:     r.env(p),
		Remove:  true,
		Stdout:  io.MultiWriter(&out, r.stdout),
		Stderr:  r.stderr,
	}
	if plotDir != "" {
		opts.Volumes = []string{plotDir + ":" + PlotMountPath}
	}

	r.logger.Info("running benchmark", "image", image, "np", p.NP, "dim", p.Dim, "bits", p.Bits)
	started := time.Now()
	res, err := r.runWithRetry(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("run benchmark in %s: %w", image, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: exit code %d", ErrRunFailed, res.ExitCode)
	}

	result, err := ParseResult(out.String())
	if err != nil {
		return nil, err
	}
	result.Params = p
	if plotDir != "" {
		plot := filepath.Join(plotDir, PlotFileName)
		if _, statErr := os.Stat(plot); statErr == nil {
			result.Plot = plot
		}
	}
	r.logger.Debug("benchmark finished", "objective", result.Objective, "wall", time.Since(started))
	return result, nil
}

// runWithRetry runs opts, retrying engine failures: a transient error or
// one of the engine's own exit codes. Stderr is buffered per attempt so
// output of a discarded attempt never reaches the caller.
func (r *Runner) runWithRetry(ctx context.Context, opts container.RunOptions) (*container.RunResult, error) {
	dst := opts.Stderr
	var (
		result *container.RunResult
		errBuf bytes.Buffer
	)
	err := container.RetryWithBackoff(ctx, r.retries, r.backoff, func(attempt int) (bool, error) {
		if attempt > 0 {
			r.logger.Debug("transient engine failure, retrying", "attempt", attempt+1, "image", opts.Image)
		}
		errBuf.Reset()
		opts.Stderr = &errBuf
		result = nil

		res, err := r.engine.Run(ctx, opts)
		if err == nil && res.Error != nil {
			err = res.Error
		}
		if err != nil {
			return container.IsTransientError(err), err
		}
		result = res
		if isTransientExitCode(res.ExitCode) {
			return true, fmt.Errorf("engine exit code %d", res.ExitCode)
		}
		return false, nil
	})
	if dst != nil && errBuf.Len() > 0 {
		_, _ = io.Copy(dst, &errBuf)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	// Exhausted on an engine exit code: report the last result.
	if result != nil {
		return result, nil
	}
	return nil, err
}

// isTransientExitCode reports whether code comes from the engine rather
// than the command: 125 is a generic engine failure, 126 an OCI runtime
// failure.
func isTransientExitCode(code int) bool {
	return code == 125 || code == 126
}
