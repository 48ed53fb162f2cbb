// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/optstack/optstack/pkg/stackfile"
)

func newStagesCommand(app *App, flags *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List stages, their kinds, parents and arguments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.session(cmd.Context(), flags)
			if err != nil {
				return fail(cmd, nil, exitFailure, err)
			}
			sf, err := app.loadStack(s, file)
			if err != nil {
				return fail(cmd, s, exitFailure, err)
			}

			fmt.Fprintf(app.stdout, "%s %s\n\n", TitleStyle.Render("Stages"), SubtitleStyle.Render("("+sf.Name+")"))
			for _, st := range sf.Stages {
				parent := "-"
				if st.Parent != "" {
					parent = st.Parent
				}
				fmt.Fprintf(app.stdout, "  %-10s %-9s parent: %s\n", CmdStyle.Render(st.Name), st.Kind, parent)
				if st.Description != "" {
					fmt.Fprintf(app.stdout, "             %s\n", SubtitleStyle.Render(st.Description))
				}
				for _, a := range st.Args {
					if a.Default == "" && !a.Optional {
						fmt.Fprintf(app.stdout, "             %s %s\n", a.Name, SubtitleStyle.Render("(from ancestor)"))
						continue
					}
					fmt.Fprintf(app.stdout, "             %s=%s\n", a.Name, a.Default)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "stackfile path (default ./stackfile.cue)")
	return cmd
}

func newValidateCommand(app *App, flags *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the stackfile and its stage registry",
		Long: `Validate the stackfile against its schema, check pins, stage parents and
arguments, and render every stage without building anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.session(cmd.Context(), flags)
			if err != nil {
				return fail(cmd, nil, exitFailure, err)
			}
			sf, err := app.loadStack(s, file)
			if err != nil {
				return fail(cmd, s, exitFailure, err)
			}
			// Every leaf must plan, not only the last stage.
			for _, leaf := range leaves(sf.Stages) {
				if _, err := app.plan(s, sf, leaf, nil); err != nil {
					return fail(cmd, s, exitFailure, err)
				}
			}
			fmt.Fprintf(app.stdout, "%s %s is valid (%s)\n", SuccessStyle.Render("✓"), sf.FilePath, strings.Join(stageNames(sf.Stages), " -> "))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "stackfile path (default ./stackfile.cue)")
	return cmd
}

// leaves returns the stages no other stage names as parent.
func leaves(stages []stackfile.Stage) []string {
	parents := make(map[string]bool, len(stages))
	for _, st := range stages {
		parents[st.Parent] = true
	}
	var out []string
	for _, st := range stages {
		if !parents[st.Name] {
			out = append(out, st.Name)
		}
	}
	return out
}

func stageNames(stages []stackfile.Stage) []string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	return names
}
