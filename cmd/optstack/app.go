// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/charmbracelet/log"

	"github.com/optstack/optstack/internal/config"
	"github.com/optstack/optstack/internal/container"
	"github.com/optstack/optstack/internal/issue"
	"github.com/optstack/optstack/internal/pipeline"
	"github.com/optstack/optstack/internal/provision"
	"github.com/optstack/optstack/pkg/stackfile"
)

type (
	// App wires CLI services and shared dependencies. Every command handler
	// receives an App and reaches the engine and configuration through it.
	App struct {
		Config  config.Provider
		Engines EngineFactory
		stdout  io.Writer
		stderr  io.Writer
		stdin   io.Reader

		// lookupEnv resolves harness parameters and pass-through variables.
		lookupEnv func(string) (string, bool)
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config  config.Provider
		Engines EngineFactory
		Stdout  io.Writer
		Stderr  io.Writer
		Stdin   io.Reader

		// LookupEnv defaults to os.LookupEnv.
		LookupEnv func(string) (string, bool)
	}

	// EngineFactory returns a container engine, preferring the named one.
	EngineFactory func(preferred container.EngineType) (container.Engine, error)

	// globalFlags are the persistent root flags.
	globalFlags struct {
		verbose    bool
		configPath string
		engine     string
	}

	// session is the configuration resolved for one invocation.
	session struct {
		cfg     *config.Config
		cfgPath string
		verbose bool
		logger  *log.Logger
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Stdin == nil {
		deps.Stdin = os.Stdin
	}
	if deps.LookupEnv == nil {
		deps.LookupEnv = os.LookupEnv
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Engines == nil {
		deps.Engines = container.NewEngine
	}
	return &App{
		Config:  deps.Config,
		Engines: deps.Engines,
		stdout:  deps.Stdout,
		stderr:  deps.Stderr,
		stdin:   deps.Stdin,

		lookupEnv: deps.LookupEnv,
	}
}

// session loads the configuration. --verbose wins over ui.verbose.
func (a *App) session(ctx context.Context, flags *globalFlags) (*session, error) {
	cfg, path, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: flags.configPath})
	if err != nil {
		a.renderIssue(issue.ConfigLoadFailedId)
		return nil, err
	}

	s := &session{cfg: cfg, cfgPath: path, verbose: flags.verbose || cfg.UI.Verbose}
	level := log.InfoLevel
	if s.verbose {
		level = log.DebugLevel
	}
	s.logger = log.NewWithOptions(a.stderr, log.Options{Prefix: config.AppName, Level: level})
	return s, nil
}

// engine resolves the container engine from --engine or the configuration.
func (a *App) engine(s *session, flags *globalFlags) (container.Engine, error) {
	preferred := s.cfg.ContainerEngine
	if flags.engine != "" {
		preferred = config.ContainerEngine(flags.engine)
		if ok, errs := preferred.IsValid(); !ok {
			return nil, errors.Join(errs...)
		}
	}

	engine, err := a.Engines(container.EngineType(preferred))
	if err != nil {
		a.renderIssue(issue.ContainerEngineNotFoundId)
		return nil, issue.NewErrorContext().
			WithOperation("select container engine").
			WithResource(string(preferred)).
			WithSuggestion("Install Docker or Podman and make sure the daemon is running").
			WithSuggestion("Choose the other engine with --engine or container_engine in config.cue").
			Wrap(err).
			BuildError()
	}
	s.logger.Debug("container engine selected", "engine", engine.Name())
	return engine, nil
}

// stackPath picks the stackfile: --file, then the configured path, then
// ./stackfile.cue.
func stackPath(s *session, file string) string {
	switch {
	case file != "":
		return file
	case s.cfg.Stackfile != "":
		return s.cfg.Stackfile
	default:
		return stackfile.FileName
	}
}

// loadStack parses the stackfile, rendering the matching issue page when it
// is missing or invalid.
func (a *App) loadStack(s *session, file string) (*stackfile.Stackfile, error) {
	path := stackPath(s, file)
	sf, err := stackfile.ParseFile(path)
	if err == nil {
		s.logger.Debug("stackfile loaded", "path", sf.FilePath, "stages", len(sf.Stages))
		return sf, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		a.renderIssue(issue.StackfileNotFoundId)
		return nil, issue.NewErrorContext().
			WithOperation("load stackfile").
			WithResource(path).
			WithSuggestion("Run 'optstack init' to write the default stack").
			WithSuggestion("Point --file at an existing stackfile").
			Wrap(err).
			BuildError()
	}
	a.renderIssue(issue.StackfileInvalidId)
	return nil, issue.WrapWithContext(err, "parse stackfile", path)
}

// provisionConfig derives the render and build-context settings.
func provisionConfig(cfg *config.Config) *provision.Config {
	pc := provision.DefaultConfig()
	pc.Apply(
		provision.WithContextParent(config.BuildContextDir(cfg)),
		provision.WithFetchTool(string(cfg.Build.FetchTool)),
	)
	return pc
}

// plan builds the stage plan for target, rendering the issue page for
// registry and argument errors.
func (a *App) plan(s *session, sf *stackfile.Stackfile, target string, buildArgs []string) (*pipeline.Plan, error) {
	overrides, err := pipeline.ParseBuildArgs(buildArgs)
	if err != nil {
		a.renderIssue(issue.UnknownBuildArgId)
		return nil, err
	}

	plan, err := pipeline.NewPlan(sf, target, overrides, provision.NewRenderer(provisionConfig(s.cfg)))
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrCycle):
			a.renderIssue(issue.StageCycleId)
		case errors.Is(err, pipeline.ErrUnknownArgument), errors.Is(err, pipeline.ErrInvalidArgument):
			a.renderIssue(issue.UnknownBuildArgId)
		default:
			a.renderIssue(issue.StackfileInvalidId)
		}
		return nil, err
	}
	return plan, nil
}

// artifactTag picks --tag, then default_tag.
func artifactTag(s *session, tag string) string {
	if tag != "" {
		return tag
	}
	if s.cfg.DefaultTag != "" {
		return s.cfg.DefaultTag
	}
	return config.DefaultTag
}

// renderIssue prints the catalog page for id on stderr.
func (a *App) renderIssue(id issue.Id) {
	entry := issue.Get(id)
	if entry == nil {
		return
	}
	rendered, err := entry.Render("dark")
	if err != nil {
		return
	}
	fmt.Fprint(a.stderr, rendered)
}

// issueForStageError maps a failure kind to its catalog page.
func issueForStageError(err error) issue.Id {
	switch {
	case errors.Is(err, pipeline.ErrFetch):
		return issue.FetchFailedId
	case errors.Is(err, pipeline.ErrCompile):
		return issue.CompileFailedId
	default:
		return issue.InstallFailedId
	}
}
