// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"fmt"
	"io"

	"github.com/optstack/optstack/internal/container"
)

// Compile-time interface check
var _ Provisioner = (*LayerProvisioner)(nil)

type (
	// Provisioner builds a rendered stage into an image.
	Provisioner interface {
		Provision(ctx context.Context, req Request) (*Result, error)
	}

	// Request describes one stage build.
	Request struct {
		Dockerfile *Dockerfile
		// Tag is the image tag the stage is built as.
		Tag string
		// NoCache disables the engine's layer cache.
		NoCache bool
		// Output receives the engine's build output. Nil discards it.
		Output io.Writer
	}

	// Result is the outcome of a successful stage build.
	Result struct {
		// ImageTag is the built image.
		ImageTag string
		// EnvVars are the bindings the stage exports to descendants.
		EnvVars map[string]string
		// Transient lists the build-only packages the stage purged.
		Transient []string
	}

	// LayerProvisioner builds each stage as an image layered on its parent.
	LayerProvisioner struct {
		engine container.Engine
		config *Config
	}
)

// NewLayerProvisioner creates a new LayerProvisioner.
func NewLayerProvisioner(engine container.Engine, cfg *Config) *LayerProvisioner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &LayerProvisioner{
		engine: engine,
		config: cfg,
	}
}

// Config returns the provisioner's configuration.
func (p *LayerProvisioner) Config() *Config {
	return p.config
}

// Provision validates the Dockerfile, prepares its build context and runs
// the engine build. Build arguments are passed explicitly even though the
// Dockerfile carries them as ARG defaults.
func (p *LayerProvisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	d := req.Dockerfile
	if d == nil {
		return nil, fmt.Errorf("provision: Dockerfile is required")
	}
	if req.Tag == "" {
		return nil, fmt.Errorf("provision: stage %q: tag is required", d.Stage)
	}
	if err := Validate(d); err != nil {
		return nil, err
	}

	buildCtx, cleanup, err := PrepareContext(p.config.ContextParent, d)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", d.Stage, err)
	}
	defer cleanup()

	out := req.Output
	if out == nil {
		out = io.Discard
	}

	if err := p.engine.Build(ctx, container.BuildOptions{
		ContextDir: buildCtx,
		Dockerfile: DockerfileName,
		Tag:        req.Tag,
		BuildArgs:  d.BuildArgs(),
		NoCache:    req.NoCache,
		Stdout:     out,
		Stderr:     out,
	}); err != nil {
		return nil, err
	}

	env := make(map[string]string, len(d.Env))
	for k, v := range d.Env {
		env[k] = v
	}
	return &Result{
		ImageTag:  req.Tag,
		EnvVars:   env,
		Transient: append([]string(nil), d.Transient...),
	}, nil
}
