// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"io"
)

const (
	EngineTypePodman EngineType = "podman"
	EngineTypeDocker EngineType = "docker"
)

type (
	// Engine is a container engine able to build and run images.
	Engine interface {
		// Name returns "docker" or "podman".
		Name() string
		// Available reports whether the engine binary exists and answers.
		Available() bool
		// Version returns the engine version string.
		Version(ctx context.Context) (string, error)
		// Build builds an image from a Dockerfile.
		Build(ctx context.Context, opts BuildOptions) error
		// Run runs a command in a new container.
		Run(ctx context.Context, opts RunOptions) (*RunResult, error)
		// ImageExists reports whether image is present locally.
		ImageExists(ctx context.Context, image string) (bool, error)
		// Tag adds target as a name for the existing image source.
		Tag(ctx context.Context, source, target string) error
		// RemoveImage removes an image.
		RemoveImage(ctx context.Context, image string, force bool) error
		// ImageEnv returns the image's configured environment.
		ImageEnv(ctx context.Context, image string) (map[string]string, error)
	}

	// BuildOptions configures Engine.Build.
	BuildOptions struct {
		// ContextDir is the build context directory.
		ContextDir string
		// Dockerfile is relative to ContextDir unless absolute.
		Dockerfile string
		Tag        string
		BuildArgs  map[string]string
		NoCache    bool
		Stdout     io.Writer
		Stderr     io.Writer
	}

	// RunOptions configures Engine.Run.
	RunOptions struct {
		Image   string
		Command []string
		WorkDir string
		Env     map[string]string
		// Volumes use the "host:container[:opts]" format.
		Volumes     []string
		Remove      bool
		Name        string
		Stdin       io.Reader
		Stdout      io.Writer
		Stderr      io.Writer
		Interactive bool
		TTY         bool
	}

	// RunResult is the outcome of Engine.Run. A non-zero exit status of the
	// containerized command is reported in ExitCode, not as an error.
	RunResult struct {
		ExitCode int
		// Error is set when the engine itself could not run the container.
		Error error
	}

	// EngineType names a supported engine.
	EngineType string

	// ErrEngineNotAvailable is returned when no usable engine was found.
	ErrEngineNotAvailable struct {
		Engine string
		Reason string
	}
)

func (e *ErrEngineNotAvailable) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// NewEngine returns the preferred engine, falling back to the other one.
func NewEngine(preferred EngineType) (Engine, error) {
	var first, second Engine
	switch preferred {
	case EngineTypePodman:
		first, second = NewPodmanEngine(), NewDockerEngine()
	case EngineTypeDocker:
		first, second = NewDockerEngine(), NewPodmanEngine()
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferred)
	}

	if first.Available() {
		return first, nil
	}
	if second.Available() {
		return second, nil
	}
	return nil, &ErrEngineNotAvailable{
		Engine: string(preferred),
		Reason: fmt.Sprintf("%s is not installed or not accessible, and %s fallback is also not available", first.Name(), second.Name()),
	}
}

// AutoDetectEngine returns the first available engine, trying Podman first.
func AutoDetectEngine() (Engine, error) {
	if podman := NewPodmanEngine(); podman.Available() {
		return podman, nil
	}
	if docker := NewDockerEngine(); docker.Available() {
		return docker, nil
	}
	return nil, &ErrEngineNotAvailable{
		Engine: "any",
		Reason: "no container engine (podman or docker) is available on this system",
	}
}
