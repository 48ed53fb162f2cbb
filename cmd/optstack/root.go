// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for optstack.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/optstack/optstack/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand creates the optstack command tree for app.
func NewRootCommand(app *App) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "optstack",
		Short: "Provision a layered numerical optimization container image",
		Long: TitleStyle.Render("optstack") + SubtitleStyle.Render(" - staged container provisioning for numerical optimization") + `

optstack builds a container image in ordered stages: a base layer with
compilers and MPI, a numerical library (PETSc) built from a pinned source
release, and an optimization layer with the Python stack. Every stage is
committed as its own content-addressed image; the final tag is applied only
when all stages commit.

` + SubtitleStyle.Render("Quick Start:") + `
  1. Write the default stack with: optstack init
  2. Build the image with:         optstack build
  3. Run the benchmark with:       optstack example 2 2 31

` + SubtitleStyle.Render("Examples:") + `
  optstack plan --trace              Show the commands each stage would run
  optstack build --build-arg JOBS=8  Build with eight parallel jobs
  optstack verify                    Check the built image
  optstack config show               Show current configuration`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(app.stdout)
	rootCmd.SetErr(app.stderr)
	rootCmd.SetIn(app.stdin)

	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/optstack/config.cue)")
	rootCmd.PersistentFlags().StringVar(&flags.engine, "engine", "", "container engine to use (docker or podman)")

	rootCmd.AddCommand(
		newBuildCommand(app, flags),
		newPlanCommand(app, flags),
		newRenderCommand(app, flags),
		newValidateCommand(app, flags),
		newStagesCommand(app, flags),
		newVerifyCommand(app, flags),
		newExampleCommand(app, flags),
		newShellCommand(app, flags),
		newInitCommand(app),
		newConfigCommand(app, flags),
		newReportCommand(app, flags),
	)
	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI. It is called by main.main().
func Execute() {
	rootCmd := NewRootCommand(NewApp(Dependencies{}))

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(exitFailure)
	}
}

// formatErrorForDisplay formats an error for user display.
// ActionableErrors use their Format method; verbose mode shows the full chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// fail prints err and returns an ExitError so the process exits with code
// without cobra printing usage.
func fail(cmd *cobra.Command, s *session, code int, err error) error {
	verbose := s != nil && s.verbose
	fmt.Fprintf(cmd.ErrOrStderr(), "\n%s %s\n", ErrorStyle.Render("Error:"), formatErrorForDisplay(err, verbose))
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return &ExitError{Code: code, Err: err}
}
