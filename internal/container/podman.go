// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// PodmanEngine implements Engine with the podman CLI.
type PodmanEngine struct {
	*BaseCLIEngine
}

// NewPodmanEngine creates a Podman engine from the podman binary on PATH.
func NewPodmanEngine(opts ...BaseCLIEngineOption) *PodmanEngine {
	path, _ := exec.LookPath("podman")
	opts = append([]BaseCLIEngineOption{WithName(string(EngineTypePodman))}, opts...)
	return &PodmanEngine{BaseCLIEngine: NewBaseCLIEngine(path, opts...)}
}

func (e *PodmanEngine) Name() string {
	return string(EngineTypePodman)
}

// Available reports whether podman answers a version query.
func (e *PodmanEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.CreateCommand(context.Background(), "version", "--format", "{{.Version}}").Run() == nil
}

func (e *PodmanEngine) Version(ctx context.Context) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "version", "--format", "{{.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get podman version: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ImageExists uses "podman image exists", which exits 1 for unknown images.
// Any other failure is reported as an error.
func (e *PodmanEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	err := e.CreateCommand(ctx, "image", "exists", image).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("check image %s: %w", image, err)
}
