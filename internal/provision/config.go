// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"os"
	"path/filepath"
)

const (
	// DefaultStateDir holds the per-stage transient lists and purge markers
	// inside built images.
	DefaultStateDir = "/var/lib/optstack"
	// DefaultBuildRoot is where source archives are fetched and built.
	DefaultBuildRoot = "/tmp/build"
	// DefaultFetchTool downloads source archives during a build.
	DefaultFetchTool = "wget"
)

type (
	// Config holds the rendering and build-context settings.
	Config struct {
		// StateDir is the in-image directory for transient bookkeeping.
		StateDir string

		// BuildRoot is the in-image scratch directory for source builds.
		BuildRoot string

		// FetchTool is the downloader used for source archives (wget or curl).
		// It is added to the transient set of any stage that fetches.
		FetchTool string

		// ContextParent is the host directory under which temporary build
		// contexts are created.
		ContextParent string

		// NoLabels suppresses the OCI labels.
		NoLabels bool
	}

	// Option is a functional option for configuring a Config.
	Option func(*Config)
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		StateDir:      DefaultStateDir,
		BuildRoot:     DefaultBuildRoot,
		FetchTool:     DefaultFetchTool,
		ContextParent: defaultContextParent(),
	}
}

// WithStateDir sets StateDir.
func WithStateDir(dir string) Option {
	return func(c *Config) {
		c.StateDir = dir
	}
}

// WithBuildRoot sets BuildRoot.
func WithBuildRoot(dir string) Option {
	return func(c *Config) {
		c.BuildRoot = dir
	}
}

// WithFetchTool sets FetchTool.
func WithFetchTool(tool string) Option {
	return func(c *Config) {
		c.FetchTool = tool
	}
}

// WithContextParent sets ContextParent.
func WithContextParent(dir string) Option {
	return func(c *Config) {
		c.ContextParent = dir
	}
}

// WithLabels toggles the OCI labels.
func WithLabels(enabled bool) Option {
	return func(c *Config) {
		c.NoLabels = !enabled
	}
}

// Apply applies the given options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// defaultContextParent picks a visible directory in the user's home.
//
// Docker installed via Snap cannot read /tmp or hidden directories such as
// ~/.cache, so build contexts go to ~/optstack-build when HOME exists.
func defaultContextParent() string {
	if home, err := os.UserHomeDir(); err == nil {
		if _, statErr := os.Stat(home); statErr == nil {
			return filepath.Join(home, "optstack-build")
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, ".optstack-build")
	}
	return filepath.Join(os.TempDir(), "optstack-build")
}
