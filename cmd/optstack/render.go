// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/optstack/optstack/internal/pipeline"
)

type renderOptions struct {
	file      string
	target    string
	stage     string
	buildArgs []string
}

func newRenderCommand(app *App, flags *globalFlags) *cobra.Command {
	opts := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the rendered Dockerfile of each stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRender(cmd, app, flags, opts)
		},
	}
	addStackFlags(cmd, &opts.file, &opts.target, &opts.buildArgs)
	cmd.Flags().StringVar(&opts.stage, "stage", "", "only print this stage")
	return cmd
}

func runRender(cmd *cobra.Command, app *App, flags *globalFlags, opts *renderOptions) error {
	s, err := app.session(cmd.Context(), flags)
	if err != nil {
		return fail(cmd, nil, exitFailure, err)
	}
	sf, err := app.loadStack(s, opts.file)
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}

	// A single stage renders with its own ancestors only.
	target := opts.target
	if opts.stage != "" {
		target = opts.stage
	}
	plan, err := app.plan(s, sf, target, opts.buildArgs)
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}

	stages := plan.Stages
	if opts.stage != "" {
		stages = []*pipeline.StagePlan{plan.Final()}
	}
	for i, sp := range stages {
		if i > 0 {
			fmt.Fprintln(app.stdout)
		}
		fmt.Fprintf(app.stdout, "# %s (%s)\n", sp.Stage.Name, sp.Image)
		fmt.Fprint(app.stdout, sp.Dockerfile.String())
	}
	return nil
}
