// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DockerEngine implements Engine with the docker CLI.
type DockerEngine struct {
	*BaseCLIEngine
}

// NewDockerEngine creates a Docker engine from the docker binary on PATH.
func NewDockerEngine(opts ...BaseCLIEngineOption) *DockerEngine {
	path, _ := exec.LookPath("docker")
	opts = append([]BaseCLIEngineOption{WithName(string(EngineTypeDocker))}, opts...)
	return &DockerEngine{BaseCLIEngine: NewBaseCLIEngine(path, opts...)}
}

func (e *DockerEngine) Name() string {
	return string(EngineTypeDocker)
}

// Available reports whether the docker daemon answers a version query.
func (e *DockerEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.CreateCommand(context.Background(), "version", "--format", "{{.Server.Version}}").Run() == nil
}

func (e *DockerEngine) Version(ctx context.Context) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get docker version: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ImageExists uses "docker image inspect", which fails for unknown images.
func (e *DockerEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	err := e.RunCommandStatus(ctx, "image", "inspect", image)
	return err == nil, nil
}
