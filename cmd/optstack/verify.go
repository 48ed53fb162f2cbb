// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/optstack/optstack/internal/harness"
	"github.com/optstack/optstack/internal/issue"
)

type verifyOptions struct {
	file string
	tag  string
}

func newVerifyCommand(app *App, flags *globalFlags) *cobra.Command {
	opts := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the artifact's runtime surface",
		Long: `Run checks inside the artifact: the working directory, the interpreter with
every declared module importable, the MPI launcher spawning processes and
each numerical library prefix exported in the image environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd, app, flags, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "stackfile path (default ./stackfile.cue)")
	cmd.Flags().StringVarP(&opts.tag, "tag", "t", "", "artifact tag (default from config default_tag)")
	return cmd
}

func runVerify(cmd *cobra.Command, app *App, flags *globalFlags, opts *verifyOptions) error {
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

	runner := harness.NewRunner(engine, sf, harness.WithLogger(s.logger), harness.WithRetries(s.cfg.Build.Retries, 0))
	v, err := runner.Verify(ctx, tag)
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}

	fmt.Fprintf(app.stdout, "%s %s\n\n", TitleStyle.Render("Verify"), CmdStyle.Render(tag))
	for _, c := range v.Checks {
		mark := SuccessStyle.Render("✓")
		if !c.OK {
			mark = ErrorStyle.Render("✗")
		}
		fmt.Fprintf(app.stdout, "  %s %-9s %s\n", mark, c.Name, SubtitleStyle.Render(c.Detail))
	}

	if !v.OK() {
		app.renderIssue(issue.HarnessFailedId)
		return fail(cmd, s, exitFailure, fmt.Errorf("%d of %d checks failed", len(v.Failed()), len(v.Checks)))
	}
	return nil
}
