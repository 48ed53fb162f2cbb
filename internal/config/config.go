// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/optstack/optstack/internal/issue"
	"github.com/optstack/optstack/pkg/cueutil"
)

const (
	// AppName is the application name.
	AppName = "optstack"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides, e.g. OPTSTACK_UI_VERBOSE.
	EnvPrefix = "OPTSTACK"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the optstack configuration directory,
// $XDG_CONFIG_HOME/optstack.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	return filepath.Join(xdg.ConfigHome, AppName)
}

// StateDir returns the directory holding build reports,
// $XDG_STATE_HOME/optstack.
func StateDir() string {
	if stateDirOverride != "" {
		return stateDirOverride
	}
	return filepath.Join(xdg.StateHome, AppName)
}

// BuildContextDir returns where build contexts are staged: cfg.CacheDir
// when set, otherwise $XDG_CACHE_HOME/optstack/contexts.
func BuildContextDir(cfg *Config) string {
	if cfg != nil && cfg.CacheDir != "" {
		return cfg.CacheDir
	}
	return filepath.Join(xdg.CacheHome, AppName, "contexts")
}

// FilePath returns the path of the config file in dir.
func FilePath(dir string) string {
	return filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
}

// loadWithOptions performs option-driven config loading. It returns the
// config and the path of the file it was read from, empty when only
// defaults and environment applied.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("container_engine", defaults.ContainerEngine)
	v.SetDefault("stackfile", defaults.Stackfile)
	v.SetDefault("default_tag", defaults.DefaultTag)
	v.SetDefault("cache_dir", defaults.CacheDir)
	v.SetDefault("ui.verbose", defaults.UI.Verbose)
	v.SetDefault("build.force_rebuild", defaults.Build.ForceRebuild)
	v.SetDefault("build.no_cache", defaults.Build.NoCache)
	v.SetDefault("build.retries", defaults.Build.Retries)
	v.SetDefault("build.verify_cleanup", defaults.Build.VerifyCleanup)
	v.SetDefault("build.fetch_tool", defaults.Build.FetchTool)
	v.SetDefault("harness.tolerance", defaults.Harness.Tolerance)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	resolvedPath := ""

	// An explicit --config path is used exclusively and must exist.
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'optstack config init' to create a configuration file").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		if err := loadCUEIntoViper(v, opts.ConfigFilePath); err != nil {
			return nil, "", loadError(opts.ConfigFilePath, err)
		}
		resolvedPath = opts.ConfigFilePath
	} else {
		dir := opts.ConfigDirPath
		if dir == "" {
			dir = ConfigDir()
		}
		for _, candidate := range []string{FilePath(dir), ConfigFileName + "." + ConfigFileExt} {
			if !fileExists(candidate) {
				continue
			}
			if err := loadCUEIntoViper(v, candidate); err != nil {
				return nil, "", loadError(candidate, err)
			}
			resolvedPath = candidate
			break
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	if valid, errs := cfg.IsValid(); !valid {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath).
			WithSuggestion("Check " + EnvPrefix + "_* environment variables for typos").
			WithSuggestion("Run 'optstack config show' to see the effective configuration").
			Wrap(errors.Join(errs...)).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

func loadError(path string, err error) error {
	return issue.NewErrorContext().
		WithOperation("load configuration").
		WithResource(path).
		WithSuggestion("Check that the file contains valid CUE syntax").
		WithSuggestion("Verify the configuration values match the expected schema").
		WithSuggestion("See 'optstack config --help' for configuration options").
		Wrap(err).
		BuildError()
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper.
//
// Config decodes to a map rather than a struct so that Viper keeps its
// defaults and environment overrides; fields are optional, so validation is
// not concrete.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return err
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return cueutil.FormatError(userValue.Err(), path)
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return cueutil.FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default config file into dir (ConfigDir
// when empty). An existing file is kept unless force is set. It returns the
// file path and whether it was written.
func CreateDefaultConfig(dir string, force bool) (string, bool, error) {
	if dir == "" {
		dir = ConfigDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}

	path := FilePath(dir)
	if !force && fileExists(path) {
		return path, false, nil
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write config file: %w", err)
	}
	return path, true, nil
}

// GenerateCUE renders cfg as a config file.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// optstack configuration\n")
	sb.WriteString("// Every value can be overridden with " + EnvPrefix + "_<KEY>, e.g. " + EnvPrefix + "_BUILD_RETRIES=5.\n\n")

	fmt.Fprintf(&sb, "container_engine: %q\n", cfg.ContainerEngine)
	if cfg.Stackfile != "" {
		fmt.Fprintf(&sb, "stackfile: %q\n", cfg.Stackfile)
	}
	if cfg.DefaultTag != "" {
		fmt.Fprintf(&sb, "default_tag: %q\n", cfg.DefaultTag)
	}
	if cfg.CacheDir != "" {
		fmt.Fprintf(&sb, "cache_dir: %q\n", cfg.CacheDir)
	}

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.UI.Verbose)
	sb.WriteString("}\n")

	sb.WriteString("\nbuild: {\n")
	fmt.Fprintf(&sb, "\tforce_rebuild:  %v\n", cfg.Build.ForceRebuild)
	fmt.Fprintf(&sb, "\tno_cache:       %v\n", cfg.Build.NoCache)
	fmt.Fprintf(&sb, "\tretries:        %d\n", cfg.Build.Retries)
	fmt.Fprintf(&sb, "\tverify_cleanup: %v\n", cfg.Build.VerifyCleanup)
	fmt.Fprintf(&sb, "\tfetch_tool:     %q\n", cfg.Build.FetchTool)
	sb.WriteString("}\n")

	sb.WriteString("\nharness: {\n")
	fmt.Fprintf(&sb, "\ttolerance: %g\n", cfg.Harness.Tolerance)
	sb.WriteString("}\n")

	return sb.String()
}
