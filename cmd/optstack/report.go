// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/optstack/optstack/internal/config"
	"github.com/optstack/optstack/internal/pipeline"
)

func newReportCommand(app *App, flags *globalFlags) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the report of the last build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = filepath.Join(config.StateDir(), pipeline.ReportFileName)
			}
			r, err := pipeline.ReadReport(path)
			if err != nil {
				return fail(cmd, nil, exitFailure, err)
			}
			printReport(app.stdout, r, flags.verbose)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "report file (default $XDG_STATE_HOME/optstack/report.toml)")
	return cmd
}

func printReport(w io.Writer, r *pipeline.Report, verbose bool) {
	status := SuccessStyle.Render("success")
	if !r.Success {
		status = ErrorStyle.Render("failed")
	}
	fmt.Fprintf(w, "%s %s %s\n", TitleStyle.Render("Report"), CmdStyle.Render(r.Stack+"/"+r.Target), status)
	fmt.Fprintf(w, "  started:  %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  finished: %s\n", r.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	if r.Artifact != "" {
		fmt.Fprintf(w, "  artifact: %s\n", CmdStyle.Render(r.Artifact))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", ErrorStyle.Render(r.Error))
	}

	fmt.Fprintln(w)
	for _, st := range r.Stages {
		state := st.State.String()
		line := fmt.Sprintf("  %-10s %s  %s", st.Name, stateStyle(state).Render(fmt.Sprintf("%-9s", state)), CmdStyle.Render(st.Image))
		if st.Cached {
			line += " " + SubtitleStyle.Render("(cached)")
		} else if st.Duration != "" {
			line += " " + SubtitleStyle.Render(st.Duration)
		}
		fmt.Fprintln(w, line)
		for _, warn := range st.Warnings {
			fmt.Fprintf(w, "    %s %s\n", WarningStyle.Render("!"), warn)
		}
		if verbose {
			for _, k := range sortedKeys(st.Env) {
				fmt.Fprintf(w, "    %s %s=%s\n", VerboseStyle.Render("env"), k, st.Env[k])
			}
		}
	}

	if verbose && len(r.Args) > 0 {
		fmt.Fprintf(w, "\n%s\n", SubtitleStyle.Render("Build arguments:"))
		for _, a := range r.Args {
			fmt.Fprintf(w, "  %s=%s %s\n", CmdStyle.Render(a.Name), a.Value, SubtitleStyle.Render("["+a.Stage+"]"))
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
