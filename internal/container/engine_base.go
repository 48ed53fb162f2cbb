// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/optstack/optstack/internal/issue"
)

type (
	// ExecCommandFunc creates the exec.Cmd for an engine invocation.
	ExecCommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

	// BaseCLIEngine holds what Docker and Podman share: argument
	// construction and command execution.
	BaseCLIEngine struct {
		name        string
		binaryPath  string
		execCommand ExecCommandFunc
	}

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)
)

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.name = name
	}
}

// WithExecCommand replaces exec.CommandContext, mainly for tests.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

// NewBaseCLIEngine creates a base engine for the binary at binaryPath.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath:  binaryPath,
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns the engine binary path, empty when it was not found.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// BuildArgs returns the arguments of a build invocation:
//
//	build [-f dockerfile] [-t tag] [--no-cache] [--build-arg k=v]... <context>
//
// Build arguments are sorted by name so identical options produce identical
// command lines.
func (e *BaseCLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}

	if opts.Dockerfile != "" {
		df := opts.Dockerfile
		if !filepath.IsAbs(df) && opts.ContextDir != "" {
			df = filepath.Join(opts.ContextDir, df)
		}
		args = append(args, "-f", df)
	}
	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}
	for _, k := range sortedKeys(opts.BuildArgs) {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}

	return append(args, opts.ContextDir)
}

// RunArgs returns the arguments of a run invocation:
//
//	run [--rm] [--name n] [-w dir] [-i] [-t] [-e k=v]... [-v vol]... <image> [cmd...]
func (e *BaseCLIEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	if opts.Interactive {
		args = append(args, "-i")
	}
	if opts.TTY {
		args = append(args, "-t")
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	for _, v := range opts.Volumes {
		args = append(args, "-v", v)
	}

	args = append(args, opts.Image)
	return append(args, opts.Command...)
}

// TagArgs returns the arguments of a tag invocation.
func (e *BaseCLIEngine) TagArgs(source, target string) []string {
	return []string{"tag", source, target}
}

// RemoveImageArgs returns the arguments of an image removal.
func (e *BaseCLIEngine) RemoveImageArgs(image string, force bool) []string {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	return append(args, image)
}

// CreateCommand returns the exec.Cmd for args without running it.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

// RunCommandStatus runs the engine and returns only its error status.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	cmd := e.CreateCommand(ctx, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(e.binaryPath, args, err, stderr.String())
	}
	return nil
}

// RunCommandWithOutput runs the engine and returns its stdout.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := e.CreateCommand(ctx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", commandError(e.binaryPath, args, err, stderr.String())
	}
	return stdout.String(), nil
}

// Build builds an image. Output is streamed to opts.Stdout and opts.Stderr.
func (e *BaseCLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	if opts.ContextDir == "" {
		return errors.New("build context directory is required")
	}

	cmd := e.CreateCommand(ctx, e.BuildArgs(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Run(); err != nil {
		return buildContainerError(e.name, opts, err)
	}
	return nil
}

// Run runs a container. The container's exit status lands in
// RunResult.ExitCode; only failures to start the engine set RunResult.Error.
func (e *BaseCLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if opts.Image == "" {
		return nil, errors.New("image is required")
	}

	cmd := e.CreateCommand(ctx, e.RunArgs(opts)...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	result := &RunResult{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			result.Error = runContainerError(e.name, opts, err)
		}
	}
	return result, nil
}

// Tag adds target as a name for source.
func (e *BaseCLIEngine) Tag(ctx context.Context, source, target string) error {
	return e.RunCommandStatus(ctx, e.TagArgs(source, target)...)
}

// RemoveImage removes an image.
func (e *BaseCLIEngine) RemoveImage(ctx context.Context, image string, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveImageArgs(image, force)...)
}

// ImageEnv reads the image's Config.Env.
func (e *BaseCLIEngine) ImageEnv(ctx context.Context, image string) (map[string]string, error) {
	out, err := e.RunCommandWithOutput(ctx, "image", "inspect", "--format", "{{json .Config.Env}}", image)
	if err != nil {
		return nil, err
	}
	return ParseEnvList(out)
}

// ParseEnvList decodes a JSON array of "KEY=value" strings.
func ParseEnvList(jsonList string) (map[string]string, error) {
	jsonList = strings.TrimSpace(jsonList)
	env := make(map[string]string)
	if jsonList == "" || jsonList == "null" {
		return env, nil
	}

	var list []string
	if err := json.Unmarshal([]byte(jsonList), &list); err != nil {
		return nil, fmt.Errorf("decode image env: %w", err)
	}
	for _, kv := range list {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func commandError(binary string, args []string, err error, stderr string) error {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("command %s %v failed: %w: %s", binary, args, err, msg)
	}
	return fmt.Errorf("command %s %v failed: %w", binary, args, err)
}

func buildContainerError(engine string, opts BuildOptions, cause error) error {
	ctx := issue.NewErrorContext().WithOperation("build container image")
	switch {
	case opts.Tag != "":
		ctx.WithResource(opts.Tag)
	case opts.ContextDir != "":
		ctx.WithResource(opts.ContextDir)
	}

	return ctx.
		WithSuggestion("Check the build output above for the failing step").
		WithSuggestion("Ensure the base image can be pulled (try: " + engine + " pull <base-image>)").
		WithSuggestion("Run with --verbose to stream the full build log").
		Wrap(cause).
		BuildError()
}

func runContainerError(engine string, opts RunOptions, cause error) error {
	return issue.NewErrorContext().
		WithOperation("run container").
		WithResource(opts.Image).
		WithSuggestion("Verify the image exists (try: " + engine + " images)").
		WithSuggestion("Check that volume mount paths exist on the host").
		Wrap(cause).
		BuildError()
}
