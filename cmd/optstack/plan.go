// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/optstack/optstack/internal/pipeline"
	"github.com/optstack/optstack/internal/watch"
	"github.com/optstack/optstack/pkg/stackfile"
)

type planOptions struct {
	file      string
	target    string
	buildArgs []string
	trace     bool
	watch     bool
}

func newPlanCommand(app *App, flags *globalFlags) *cobra.Command {
	opts := &planOptions{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Resolve arguments and show the stages a build would run",
		Long: `Validate the stackfile, resolve build arguments and print the ordered
stage chain with each stage's content key and image.

With --trace every stage script is dry-run in a virtual shell and the
commands it would execute are listed. Nothing runs on the host.

With --watch the plan is printed again whenever the stackfile or a file
a stage copies changes, until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd, app, flags, opts)
		},
	}
	addStackFlags(cmd, &opts.file, &opts.target, &opts.buildArgs)
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "dry-run stage scripts and list the commands they execute")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "re-plan when the stack inputs change")
	return cmd
}

func runPlan(cmd *cobra.Command, app *App, flags *globalFlags, opts *planOptions) error {
	s, err := app.session(cmd.Context(), flags)
	if err != nil {
		return fail(cmd, nil, exitFailure, err)
	}
	sf, err := app.loadStack(s, opts.file)
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}
	if err := app.showPlan(cmd.Context(), s, sf, opts); err != nil {
		return fail(cmd, s, exitFailure, err)
	}
	if !opts.watch {
		return nil
	}

	files := watch.StackFiles(sf)
	w, err := watch.New(watch.Config{
		Dir:    sf.Dir(),
		Files:  files,
		Stderr: app.stderr,
		OnChange: func(ctx context.Context, changed []string) error {
			s.logger.Debug("stack inputs changed", "files", changed)
			fmt.Fprintf(app.stdout, "\n%s %s\n\n", WarningStyle.Render("Changed:"), strings.Join(changed, ", "))
			next, err := app.loadStack(s, sf.FilePath)
			if err != nil {
				return err
			}
			return app.showPlan(ctx, s, next, opts)
		},
	})
	if err != nil {
		return fail(cmd, s, exitFailure, err)
	}
	fmt.Fprintf(app.stdout, "\n%s %s\n", SubtitleStyle.Render("Watching"), strings.Join(files, ", "))
	if err := w.Run(cmd.Context()); err != nil {
		return fail(cmd, s, exitFailure, err)
	}
	return nil
}

// showPlan plans sf and prints it, with the trace when requested.
func (a *App) showPlan(ctx context.Context, s *session, sf *stackfile.Stackfile, opts *planOptions) error {
	plan, err := a.plan(s, sf, opts.target, opts.buildArgs)
	if err != nil {
		return err
	}
	printPlan(a.stdout, plan)

	if !opts.trace {
		return nil
	}
	cmds, err := pipeline.Trace(ctx, plan)
	if err != nil {
		return err
	}
	printTrace(a.stdout, cmds)
	return nil
}

func printPlan(w io.Writer, plan *pipeline.Plan) {
	fmt.Fprintf(w, "%s %s %s\n\n", TitleStyle.Render("Plan"), CmdStyle.Render(plan.Target), SubtitleStyle.Render("("+plan.Stack.Name+")"))

	for i, sp := range plan.Stages {
		fmt.Fprintf(w, "  %d. %-10s %s\n", i+1, sp.Stage.Name, SubtitleStyle.Render(sp.Stage.Kind.String()))
		fmt.Fprintf(w, "     key:   %s\n", CmdStyle.Render(sp.Key.String()))
		fmt.Fprintf(w, "     image: %s\n", CmdStyle.Render(sp.Image))
		if len(sp.Dockerfile.Transient) > 0 {
			fmt.Fprintf(w, "     transient: %s\n", VerboseStyle.Render(fmt.Sprint(sp.Dockerfile.Transient)))
		}
	}

	if len(plan.Args) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", SubtitleStyle.Render("Build arguments:"))
	for _, a := range plan.Args {
		marker := ""
		if a.Overridden {
			marker = " " + WarningStyle.Render("(override)")
		}
		fmt.Fprintf(w, "  %s=%s %s%s\n", CmdStyle.Render(a.Name), a.Value, SubtitleStyle.Render("["+a.Stage+"]"), marker)
	}
}

func printTrace(w io.Writer, cmds []pipeline.TraceCommand) {
	fmt.Fprintf(w, "\n%s\n", TitleStyle.Render("Trace"))
	var stage, phase string
	for _, c := range cmds {
		if c.Stage != stage {
			stage, phase = c.Stage, ""
			fmt.Fprintf(w, "\n  %s\n", CmdStyle.Render(stage))
		}
		if string(c.Phase) != phase {
			phase = string(c.Phase)
			fmt.Fprintf(w, "    %s\n", SubtitleStyle.Render(phase))
		}
		fmt.Fprintf(w, "      %s\n", c.String())
	}
}
