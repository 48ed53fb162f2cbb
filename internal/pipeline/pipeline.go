// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	digest "github.com/opencontainers/go-digest"

	"github.com/optstack/optstack/internal/container"
	"github.com/optstack/optstack/internal/provision"
)

const (
	// DefaultRetries is how many times an engine-level build failure is attempted.
	DefaultRetries = 3
	// DefaultRetryBackoff is the wait before the second attempt.
	DefaultRetryBackoff = 2 * time.Second

	// outputTail bounds the build output kept for failure classification.
	outputTail = 64 << 10
)

type (
	// Commit is the outcome of one stage.
	Commit struct {
		Stage string
		State State
		Image string
		Key   digest.Digest
		// Cached is set when an image with the same key already existed.
		Cached bool
		// Env holds the bindings the stage produced for its descendants.
		Env map[string]string
		// Transient lists the build-only packages the stage purged.
		Transient []string
		// Warnings are non-fatal problems, such as an incomplete purge.
		Warnings []error
		Err      error
		Duration time.Duration
	}

	// Result is the outcome of a pipeline run. Commits is aligned with
	// Plan.Stages; stages after a failure stay pending.
	Result struct {
		Plan    *Plan
		Commits []*Commit
		// Artifact is the requested tag, set only when every stage committed
		// and the tag was applied.
		Artifact   string
		StartedAt  time.Time
		FinishedAt time.Time
	}

	// Pipeline runs plans against a container engine, one stage at a time.
	Pipeline struct {
		engine      container.Engine
		provisioner provision.Provisioner
		provCfg     *provision.Config
		logger      *log.Logger
		output      io.Writer

		forceRebuild bool
		noCache      bool
		verify       bool
		retries      int
		retryBackoff time.Duration
	}

	// Option configures a Pipeline.
	Option func(*Pipeline)
)

// WithLogger sets the logger for stage transitions.
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithOutput streams build output to w.
func WithOutput(w io.Writer) Option {
	return func(p *Pipeline) { p.output = w }
}

// WithForceRebuild rebuilds stages even when their image already exists.
func WithForceRebuild(force bool) Option {
	return func(p *Pipeline) { p.forceRebuild = force }
}

// WithNoCache disables the engine's layer cache.
func WithNoCache(noCache bool) Option {
	return func(p *Pipeline) { p.noCache = noCache }
}

// WithVerify toggles the post-build transient package check.
func WithVerify(verify bool) Option {
	return func(p *Pipeline) { p.verify = verify }
}

// WithRetries sets the attempts and initial backoff for engine-level failures.
func WithRetries(attempts int, backoff time.Duration) Option {
	return func(p *Pipeline) {
		p.retries = attempts
		p.retryBackoff = backoff
	}
}

// WithProvisionConfig sets the rendering and build-context configuration.
func WithProvisionConfig(cfg *provision.Config) Option {
	return func(p *Pipeline) { p.provCfg = cfg }
}

// WithProvisioner replaces the stage builder.
func WithProvisioner(pr provision.Provisioner) Option {
	return func(p *Pipeline) { p.provisioner = pr }
}

// New creates a Pipeline for engine.
func New(engine container.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:       engine,
		verify:       true,
		retries:      DefaultRetries,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.provCfg == nil {
		p.provCfg = provision.DefaultConfig()
	}
	if p.provisioner == nil {
		p.provisioner = provision.NewLayerProvisioner(engine, p.provCfg)
	}
	if p.logger == nil {
		p.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "pipeline"})
	}
	if p.output == nil {
		p.output = io.Discard
	}
	return p
}

// Renderer returns a renderer using the pipeline's provision configuration.
func (p *Pipeline) Renderer() *provision.Renderer {
	return provision.NewRenderer(p.provCfg)
}

// Run builds the plan's stages strictly in order. The first failure stops
// the run; later stages are never started. Only when the target stage
// committed is it tagged as tag (skipped when tag is empty). A failed run
// leaves tag untouched.
func (p *Pipeline) Run(ctx context.Context, plan *Plan, tag string) (*Result, error) {
	res := &Result{
		Plan:      plan,
		Commits:   make([]*Commit, len(plan.Stages)),
		StartedAt: time.Now(),
	}
	for i, sp := range plan.Stages {
		res.Commits[i] = &Commit{Stage: sp.Stage.Name, State: StatePending, Image: sp.Image, Key: sp.Key}
	}
	defer func() { res.FinishedAt = time.Now() }()

	for i, sp := range plan.Stages {
		c := res.Commits[i]
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("pipeline cancelled before stage %q: %w", sp.Stage.Name, err)
		}

		p.transition(c, StateRunning)
		started := time.Now()
		err := p.runStage(ctx, sp, c)
		c.Duration = time.Since(started)

		if err != nil {
			c.Err = err
			p.transition(c, StateFailed)
			p.logger.Error("stage failed", "stage", c.Stage, "error", err)
			return res, err
		}
		p.transition(c, StateCommitted)
		for _, w := range c.Warnings {
			p.logger.Warn("stage committed with warning", "stage", c.Stage, "warning", w)
		}
	}

	if tag != "" {
		final := plan.Final()
		err := container.RetryWithBackoff(ctx, p.retries, p.retryBackoff, func(int) (bool, error) {
			err := p.engine.Tag(ctx, final.Image, tag)
			return container.IsTransientError(err), err
		})
		if err != nil {
			return res, fmt.Errorf("tag %s as %s: %w", final.Image, tag, err)
		}
		res.Artifact = tag
		p.logger.Info("artifact tagged", "image", final.Image, "tag", tag)
	}
	return res, nil
}

func (p *Pipeline) transition(c *Commit, to State) {
	if !c.State.canTransition(to) {
		panic(fmt.Sprintf("stage %q: invalid transition %s -> %s", c.Stage, c.State, to))
	}
	c.State = to
	p.logger.Debug("stage transition", "stage", c.Stage, "state", to, "image", c.Image, "key", c.Key.Encoded())
}

// runStage builds one stage, or reuses an image with the same key, and
// fills the commit.
func (p *Pipeline) runStage(ctx context.Context, sp *StagePlan, c *Commit) error {
	d := sp.Dockerfile
	c.Env = copyEnv(d.Env)
	c.Transient = append([]string(nil), d.Transient...)

	if !p.forceRebuild {
		exists, err := p.engine.ImageExists(ctx, sp.Image)
		if err != nil {
			p.logger.Debug("image lookup failed, rebuilding", "image", sp.Image, "error", err)
		}
		if exists {
			c.Cached = true
			p.logger.Info("stage cached", "stage", c.Stage, "image", sp.Image)
			return nil
		}
	}

	p.logger.Info("building stage", "stage", c.Stage, "kind", sp.Stage.Kind, "image", sp.Image)

	var tail tailBuffer
	err := container.RetryWithBackoff(ctx, p.retries, p.retryBackoff, func(attempt int) (bool, error) {
		if attempt > 0 {
			p.logger.Warn("retrying stage build", "stage", c.Stage, "attempt", attempt+1)
		}
		tail.Reset()
		_, err := p.provisioner.Provision(ctx, provision.Request{
			Dockerfile: d,
			Tag:        sp.Image,
			NoCache:    p.noCache,
			Output:     io.MultiWriter(p.output, &tail),
		})
		return container.IsTransientError(err), err
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("stage %q: %w", c.Stage, err)
		}
		var shellErr *provision.ShellError
		if errors.As(err, &shellErr) {
			return fmt.Errorf("%w: %w", ErrInvalidStackfile, err)
		}
		out := tail.String()
		return &StageError{Stage: c.Stage, Kind: Classify(out), Err: err, Output: out}
	}

	if p.verify && len(d.Transient) > 0 {
		if w := p.verifyCleanup(ctx, sp); w != nil {
			c.Warnings = append(c.Warnings, w)
		}
	}
	return nil
}

// verifyCleanup runs the stage image once to check the purge removed every
// transient package. Problems are returned as a warning.
func (p *Pipeline) verifyCleanup(ctx context.Context, sp *StagePlan) error {
	var stdout, stderr bytes.Buffer
	res, err := p.engine.Run(ctx, container.RunOptions{
		Image:   sp.Image,
		Command: []string{"sh", "-c", provision.VerifyScript(p.provCfg.StateDir, sp.Stage.Name)},
		Remove:  true,
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	if err == nil && res.Error != nil {
		err = res.Error
	}
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("exit code %d: %s", res.ExitCode, bytes.TrimSpace(stderr.Bytes()))
	}
	if err != nil {
		return &CleanupWarning{Stage: sp.Stage.Name, Err: err}
	}

	failed, leftovers := provision.ParseVerifyOutput(stdout.String())
	if failed || len(leftovers) > 0 {
		return &CleanupWarning{Stage: sp.Stage.Name, PurgeFailed: failed, Leftovers: leftovers}
	}
	return nil
}

// Failed returns the failed commit, or nil.
func (r *Result) Failed() *Commit {
	for _, c := range r.Commits {
		if c.State == StateFailed {
			return c
		}
	}
	return nil
}

// Succeeded reports whether every stage committed.
func (r *Result) Succeeded() bool {
	for _, c := range r.Commits {
		if c.State != StateCommitted {
			return false
		}
	}
	return len(r.Commits) > 0
}

// Warnings collects the warnings of every commit.
func (r *Result) Warnings() []error {
	var out []error
	for _, c := range r.Commits {
		out = append(out, c.Warnings...)
	}
	return out
}

func copyEnv(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// tailBuffer keeps the last outputTail bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - outputTail; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) Reset() { t.buf = t.buf[:0] }

func (t *tailBuffer) String() string { return string(t.buf) }
