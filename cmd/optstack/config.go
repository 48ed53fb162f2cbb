// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/optstack/optstack/internal/config"
)

// newConfigCommand creates the `optstack config` command tree.
func newConfigCommand(app *App, flags *globalFlags) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage optstack configuration",
		Long: `Manage optstack configuration.

Configuration is read from $XDG_CONFIG_HOME/optstack/config.cue, then
./config.cue. Every key can be overridden with an OPTSTACK_ environment
variable, for example OPTSTACK_CONTAINER_ENGINE=podman.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.session(cmd.Context(), flags)
			if err != nil {
				return fail(cmd, nil, exitFailure, err)
			}
			showConfig(app.stdout, s)
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, written, err := config.CreateDefaultConfig(config.ConfigDir(), force)
			if err != nil {
				return fail(cmd, nil, exitFailure, err)
			}
			if !written {
				fmt.Fprintf(app.stdout, "%s Config file already exists: %s (use --force to overwrite)\n", WarningStyle.Render("!"), path)
				return nil
			}
			fmt.Fprintf(app.stdout, "%s Created %s\n", SuccessStyle.Render("✓"), path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cfgCmd.AddCommand(initCmd)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(app.stdout, config.FilePath(config.ConfigDir()))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.session(cmd.Context(), flags)
			if err != nil {
				return fail(cmd, nil, exitFailure, err)
			}
			fmt.Fprint(app.stdout, config.GenerateCUE(s.cfg))
			return nil
		},
	})

	return cfgCmd
}

func showConfig(w io.Writer, s *session) {
	keyStyle := CmdStyle
	valueStyle := SuccessStyle
	cfg := s.cfg

	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	if s.cfgPath != "" {
		fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Config file"), s.cfgPath)
	} else {
		fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Config file"), SubtitleStyle.Render("(using defaults)"))
	}
	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Build contexts"), config.BuildContextDir(cfg))
	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Reports"), config.StateDir())
	fmt.Fprintln(w)

	value := func(v any) string { return valueStyle.Render(fmt.Sprint(v)) }
	orNone := func(v string) string {
		if v == "" {
			return SubtitleStyle.Render("(not set)")
		}
		return valueStyle.Render(v)
	}

	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("container_engine"), value(cfg.ContainerEngine))
	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("stackfile"), orNone(cfg.Stackfile))
	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("default_tag"), orNone(cfg.DefaultTag))
	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("cache_dir"), orNone(cfg.CacheDir))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", keyStyle.Render("ui"))
	fmt.Fprintf(w, "  verbose: %s\n", value(cfg.UI.Verbose))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", keyStyle.Render("build"))
	fmt.Fprintf(w, "  force_rebuild: %s\n", value(cfg.Build.ForceRebuild))
	fmt.Fprintf(w, "  no_cache: %s\n", value(cfg.Build.NoCache))
	fmt.Fprintf(w, "  retries: %s\n", value(cfg.Build.Retries))
	fmt.Fprintf(w, "  verify_cleanup: %s\n", value(cfg.Build.VerifyCleanup))
	fmt.Fprintf(w, "  fetch_tool: %s\n", value(cfg.Build.FetchTool))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", keyStyle.Render("harness"))
	fmt.Fprintf(w, "  tolerance: %s\n", value(cfg.Harness.Tolerance))
}
