// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"os/exec"
	"path"

	"github.com/spf13/cobra"

	"github.com/optstack/optstack/internal/container"
)

// cliEngine is an engine driven through its command-line binary, which the
// interactive shell needs to attach a terminal.
type cliEngine interface {
	RunArgs(opts container.RunOptions) []string
	CreateCommand(ctx context.Context, args ...string) *exec.Cmd
}

type shellOptions struct {
	file  string
	tag   string
	shell string
}

func newShellCommand(app *App, flags *globalFlags) *cobra.Command {
	opts := &shellOptions{}
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive shell in the artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd, app, flags, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "stackfile path (default ./stackfile.cue)")
	cmd.Flags().StringVarP(&opts.tag, "tag", "t", "", "artifact tag (default from config default_tag)")
	cmd.Flags().StringVar(&opts.shell, "shell", "/bin/bash", "shell to start in the container")
	return cmd
}

func runShell(cmd *cobra.Command, app *App, flags *globalFlags, opts *shellOptions) error {
	ctx := cmd.Context()
	s, err := app.session(ctx, flags)
	if err != nil {
		return fail(cmd, nil, exitFailure, err)
	}
	sf, err := app.loadStack(s, opts.file)
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}
	engine, err := app.engine(s, flags)
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}
	tag := artifactTag(s, opts.tag)
	if err := app.requireImage(cmd, engine, tag); err != nil {
		return fail(cmd, s, exitFailure, err)
	}

	ce, ok := engine.(cliEngine)
	if !ok {
		return fail(cmd, s, exitFailure, errors.New("the "+engine.Name()+" engine cannot attach a terminal"))
	}
	c := ce.CreateCommand(ctx, ce.RunArgs(shellRunOptions(tag, path.Clean(sf.Workdir), opts.shell))...)

	s.logger.Debug("starting shell", "image", tag, "command", c.Args)
	code, err := runAttached(c, app.stdin, app.stdout)
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}
	if code != 0 {
		cmd.SilenceErrors = true
		return &ExitError{Code: code}
	}
	return nil
}

// shellRunOptions describes the interactive container.
func shellRunOptions(image, workdir, shell string) container.RunOptions {
	return container.RunOptions{
		Image:       image,
		Command:     []string{shell},
		WorkDir:     workdir,
		Remove:      true,
		Interactive: true,
		TTY:         true,
	}
}

// exitCode extracts the status of a finished command.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 1, err
}
