// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/optstack/optstack/internal/harness"
	"github.com/optstack/optstack/internal/issue"
)

type exampleOptions struct {
	file      string
	tag       string
	nanPoints int
	nanRange  float64
	check     bool
	plotDir   string
}

func newExampleCommand(app *App, flags *globalFlags) *cobra.Command {
	opts := &exampleOptions{}
	cmd := &cobra.Command{
		Use:   "example [np] [dim] [bits]",
		Short: "Run the Rosenbrock benchmark inside the artifact",
		Long: `Run the Rosenbrock benchmark in the artifact with np MPI processes on a
dim-dimensional problem with bits of design resolution.

Each parameter comes from the positional argument, then the NP, DIM and
BITS environment variables, then the defaults 1, 2 and 31. bits must be
between 1 and 31.

When PLOT_CONTOUR is set on the host, a 2-dimensional run writes its contour
plot to rosenbrock.png in --plot-dir, which is mounted into the container.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExample(cmd, app, flags, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "stackfile path (default ./stackfile.cue)")
	cmd.Flags().StringVarP(&opts.tag, "tag", "t", "", "artifact tag (default from config default_tag)")
	cmd.Flags().IntVar(&opts.nanPoints, "nan-points", 0, "number of undefined-region centres (script default when 0)")
	cmd.Flags().Float64Var(&opts.nanRange, "nan-range", 0, "radius of each undefined region (script default when 0)")
	cmd.Flags().BoolVar(&opts.check, "check", false, "fail unless the objective is within harness.tolerance of zero")
	cmd.Flags().StringVar(&opts.plotDir, "plot-dir", ".", "host directory receiving the contour plot when PLOT_CONTOUR is set")
	return cmd
}

func runExample(cmd *cobra.Command, app *App, flags *globalFlags, opts *exampleOptions, args []string) error {
	ctx := cmd.Context()
	s, err := app.session(ctx, flags)
	if err != nil {
		return fail(cmd, nil, exitFailure, err)
	}

	p, err := harness.ResolveParams(args, app.lookupEnv)
	if err != nil {
		return fail(cmd, s, exitUsage, err)
	}
	if opts.nanPoints < 0 || opts.nanRange < 0 {
		return fail(cmd, s, exitUsage, fmt.Errorf("%w: --nan-points and --nan-range must not be negative", harness.ErrInvalidParam))
	}
	p.NaNPoints, p.NaNRange = opts.nanPoints, opts.nanRange

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

	runner := harness.NewRunner(engine, sf,
		harness.WithLogger(s.logger),
		harness.WithOutput(app.stdout, app.stderr),
		harness.WithLookupEnv(app.lookupEnv),
		harness.WithRetries(s.cfg.Build.Retries, 0),
		harness.WithPlotDir(opts.plotDir),
	)
	res, err := runner.Run(ctx, tag, p)
	if err != nil {
		if errors.Is(err, harness.ErrRunFailed) || errors.Is(err, harness.ErrNoResult) {
			app.renderIssue(issue.HarnessFailedId)
		}
		return fail(cmd, s, exitFailure, err)
	}

	fmt.Fprintf(app.stdout, "\n%s %s\n", TitleStyle.Render("Result"), SubtitleStyle.Render(p.String()))
	fmt.Fprintf(app.stdout, "  f(x) = %s\n", CmdStyle.Render(strconv.FormatFloat(res.Objective, 'g', -1, 64)))
	fmt.Fprintf(app.stdout, "  x    = %s\n", formatPoint(res.X))
	if res.Elapsed > 0 {
		fmt.Fprintf(app.stdout, "  time = %s\n", res.Elapsed)
	}
	if res.Plot != "" {
		fmt.Fprintf(app.stdout, "  plot = %s\n", res.Plot)
	}

	tol := s.cfg.Harness.Tolerance
	if tol <= 0 {
		tol = harness.DefaultTolerance
	}
	if res.NearZero(tol) {
		fmt.Fprintf(app.stdout, "\n%s converged to the minimum\n", SuccessStyle.Render("✓"))
		return nil
	}
	fmt.Fprintf(app.stdout, "\n%s objective is not within %g of zero\n", WarningStyle.Render("!"), tol)
	if opts.check {
		return fail(cmd, s, exitFailure, fmt.Errorf("objective %g not within tolerance %g", res.Objective, tol))
	}
	return nil
}

func formatPoint(x []float64) string {
	parts := make([]string, len(x))
	for i, v := range x {
		parts[i] = strconv.FormatFloat(v, 'g', 6, 64)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
