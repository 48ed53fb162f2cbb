// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/optstack/optstack/pkg/stackfile"
)

func newInitCommand(app *App) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write the default stackfile and benchmark script",
		Long: `Write the default three-stage stack (base, petsc, optlayer) and the
Rosenbrock benchmark script into dir, the current directory by default.
Existing files are kept unless --force is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			written, err := stackfile.WriteDefaults(dir, force)
			if err != nil {
				return fail(cmd, nil, exitFailure, err)
			}

			if len(written) == 0 {
				fmt.Fprintf(app.stdout, "%s Nothing written, files exist (use --force to overwrite)\n", WarningStyle.Render("!"))
				return nil
			}
			for _, p := range written {
				abs, absErr := filepath.Abs(p)
				if absErr != nil {
					abs = p
				}
				fmt.Fprintf(app.stdout, "%s Created %s\n", SuccessStyle.Render("✓"), abs)
			}
			fmt.Fprintln(app.stdout)
			fmt.Fprintln(app.stdout, SubtitleStyle.Render("Next steps:"))
			fmt.Fprintln(app.stdout, "  1. Review the pinned versions in "+stackfile.FileName)
			fmt.Fprintln(app.stdout, "  2. Run 'optstack plan' to see the stages")
			fmt.Fprintln(app.stdout, "  3. Run 'optstack build' to build the image")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}
