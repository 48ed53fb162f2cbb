// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/optstack/optstack/internal/config"
	"github.com/optstack/optstack/internal/container"
	"github.com/optstack/optstack/internal/issue"
	"github.com/optstack/optstack/internal/pipeline"
)

// failureTailLines is how much build output is shown for a failed stage
// when the full log was not streamed.
const failureTailLines = 30

type buildOptions struct {
	file         string
	target       string
	tag          string
	buildArgs    []string
	forceRebuild bool
	noCache      bool
}

func newBuildCommand(app *App, flags *globalFlags) *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build every stage up to the target and tag the artifact",
		Long: `Build the stage chain from the root down to the target stage, one stage at
a time. Each stage is committed as its own image before the next starts.
The first failure stops the run and the artifact tag is left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, app, flags, opts)
		},
	}
	addStackFlags(cmd, &opts.file, &opts.target, &opts.buildArgs)
	cmd.Flags().StringVarP(&opts.tag, "tag", "t", "", "artifact tag (default from config default_tag)")
	cmd.Flags().BoolVar(&opts.forceRebuild, "force-rebuild", false, "rebuild stages even when their image exists")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "disable the engine layer cache")
	return cmd
}

// addStackFlags registers the flags shared by commands that plan a build.
func addStackFlags(cmd *cobra.Command, file, target *string, buildArgs *[]string) {
	cmd.Flags().StringVarP(file, "file", "f", "", "stackfile path (default ./stackfile.cue)")
	cmd.Flags().StringVar(target, "target", "", "stage to build up to (default the last stage)")
	cmd.Flags().StringArrayVar(buildArgs, "build-arg", nil, "override a build argument (NAME=value, repeatable)")
}

func runBuild(cmd *cobra.Command, app *App, flags *globalFlags, opts *buildOptions) error {
	ctx := cmd.Context()
	s, err := app.session(ctx, flags)
	if err != nil {
		return fail(cmd, nil, exitFailure, err)
	}
	sf, err := app.loadStack(s, opts.file)
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}
	plan, err := app.plan(s, sf, opts.target, opts.buildArgs)
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}
	engine, err := app.engine(s, flags)
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}

	var output io.Writer = io.Discard
	if s.verbose {
		output = app.stderr
	}
	p := pipeline.New(engine,
		pipeline.WithLogger(s.logger),
		pipeline.WithOutput(output),
		pipeline.WithProvisionConfig(provisionConfig(s.cfg)),
		pipeline.WithForceRebuild(opts.forceRebuild || s.cfg.Build.ForceRebuild),
		pipeline.WithNoCache(opts.noCache || s.cfg.Build.NoCache),
		pipeline.WithVerify(s.cfg.Build.VerifyCleanup),
		pipeline.WithRetries(s.cfg.Build.Retries, pipeline.DefaultRetryBackoff),
	)

	tag := artifactTag(s, opts.tag)
	fmt.Fprintf(app.stdout, "%s %s %s\n\n", TitleStyle.Render("Building"), CmdStyle.Render(tag), SubtitleStyle.Render("with "+engine.Name()))

	res, runErr := p.Run(ctx, plan, tag)
	writeReport(s, pipeline.NewReport(res, tag, runErr))
	printCommits(app.stdout, res)

	if warnings := res.Warnings(); len(warnings) > 0 {
		fmt.Fprintln(app.stdout)
		for _, w := range warnings {
			fmt.Fprintf(app.stdout, "%s %v\n", WarningStyle.Render("!"), w)
		}
		if s.verbose {
			app.renderIssue(issue.CleanupIncompleteId)
		}
	}

	if runErr != nil {
		var stageErr *pipeline.StageError
		if errors.As(runErr, &stageErr) {
			app.renderIssue(issueForStageError(stageErr))
			if !s.verbose && stageErr.Output != "" {
				fmt.Fprintf(app.stderr, "\n%s\n%s\n", SubtitleStyle.Render("Last build output:"), lastLines(stageErr.Output, failureTailLines))
			}
		}
		return fail(cmd, s, exitFailure, runErr)
	}

	fmt.Fprintf(app.stdout, "\n%s Built %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(res.Artifact))
	return nil
}

// printCommits lists every stage with its final state.
func printCommits(w io.Writer, res *pipeline.Result) {
	for _, c := range res.Commits {
		state := c.State.String()
		line := fmt.Sprintf("  %-10s %s  %s", c.Stage, stateStyle(state).Render(fmt.Sprintf("%-9s", state)), CmdStyle.Render(c.Image))
		if c.Cached {
			line += " " + SubtitleStyle.Render("(cached)")
		} else if c.Duration > 0 {
			line += " " + SubtitleStyle.Render(c.Duration.Round(time.Millisecond).String())
		}
		fmt.Fprintln(w, line)
	}
}

// writeReport stores the run report in the state directory. A report that
// cannot be written is only logged.
func writeReport(s *session, r *pipeline.Report) {
	path := filepath.Join(config.StateDir(), pipeline.ReportFileName)
	if err := r.Write(path); err != nil {
		s.logger.Warn("build report not written", "path", path, "error", err)
		return
	}
	s.logger.Debug("build report written", "path", path)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// requireImage fails with the artifact issue page when image is missing.
func (a *App) requireImage(cmd *cobra.Command, engine container.Engine, image string) error {
	exists, err := engine.ImageExists(cmd.Context(), image)
	if err != nil {
		return err
	}
	if !exists {
		a.renderIssue(issue.ArtifactNotFoundId)
		return issue.NewErrorContext().
			WithOperation("find artifact").
			WithResource(image).
			WithSuggestion("Build it first with 'optstack build --tag " + image + "'").
			Wrap(fmt.Errorf("image %s not found", image)).
			BuildError()
	}
	return nil
}
