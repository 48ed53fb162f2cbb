// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// ContainerEnginePodman uses Podman as the container engine.
	ContainerEnginePodman ContainerEngine = "podman"
	// ContainerEngineDocker uses Docker as the container engine.
	ContainerEngineDocker ContainerEngine = "docker"

	// FetchToolWget downloads source archives with wget.
	FetchToolWget FetchTool = "wget"
	// FetchToolCurl downloads source archives with curl.
	FetchToolCurl FetchTool = "curl"

	// DefaultTag is the tag applied to a successful build's final stage.
	DefaultTag = "optstack:latest"
	// DefaultRetries is the attempt count for engine-level failures.
	DefaultRetries = 3
	// DefaultTolerance is the largest |f| the harness reports as converged.
	DefaultTolerance = 1e-2

	maxRetries = 10
)

var (
	// ErrInvalidContainerEngine is returned when a ContainerEngine value is not recognized.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidFetchTool is returned when a FetchTool value is not recognized.
	ErrInvalidFetchTool = errors.New("invalid fetch tool")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")

	tagPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._/:-]*$`)
)

type (
	// ContainerEngine specifies which container engine to use.
	ContainerEngine string

	// InvalidContainerEngineError is returned when a ContainerEngine value is not recognized.
	InvalidContainerEngineError struct {
		Value ContainerEngine
	}

	// FetchTool specifies the downloader used in rendered build steps.
	FetchTool string

	// InvalidConfigError is returned when a Config has invalid fields. It
	// collects every field error.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		// ContainerEngine is "docker" or "podman".
		ContainerEngine ContainerEngine `json:"container_engine" mapstructure:"container_engine"`
		// Stackfile is used when no --file flag is given.
		Stackfile string `json:"stackfile" mapstructure:"stackfile"`
		// DefaultTag names the artifact of a successful build.
		DefaultTag string `json:"default_tag" mapstructure:"default_tag"`
		// CacheDir holds build contexts. Empty uses the XDG cache directory.
		CacheDir string `json:"cache_dir" mapstructure:"cache_dir"`
		// UI configures the user interface.
		UI UIConfig `json:"ui" mapstructure:"ui"`
		// Build configures the pipeline.
		Build BuildConfig `json:"build" mapstructure:"build"`
		// Harness configures the example benchmark.
		Harness HarnessConfig `json:"harness" mapstructure:"harness"`
	}

	// UIConfig configures the user interface.
	UIConfig struct {
		// Verbose enables debug logging and verbose error output.
		Verbose bool `json:"verbose" mapstructure:"verbose"`
	}

	// BuildConfig configures the pipeline.
	BuildConfig struct {
		ForceRebuild  bool      `json:"force_rebuild" mapstructure:"force_rebuild"`
		NoCache       bool      `json:"no_cache" mapstructure:"no_cache"`
		Retries       int       `json:"retries" mapstructure:"retries"`
		VerifyCleanup bool      `json:"verify_cleanup" mapstructure:"verify_cleanup"`
		FetchTool     FetchTool `json:"fetch_tool" mapstructure:"fetch_tool"`
	}

	// HarnessConfig configures the example benchmark.
	HarnessConfig struct {
		Tolerance float64 `json:"tolerance" mapstructure:"tolerance"`
	}
)

// Error implements the error interface for InvalidContainerEngineError.
func (e *InvalidContainerEngineError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: docker, podman)", e.Value)
}

// Unwrap returns ErrInvalidContainerEngine for errors.Is() compatibility.
func (e *InvalidContainerEngineError) Unwrap() error { return ErrInvalidContainerEngine }

// String returns the string representation of the ContainerEngine.
func (ce ContainerEngine) String() string { return string(ce) }

// IsValid reports whether ce is one of the supported engines.
func (ce ContainerEngine) IsValid() (bool, []error) {
	switch ce {
	case ContainerEnginePodman, ContainerEngineDocker:
		return true, nil
	default:
		return false, []error{&InvalidContainerEngineError{Value: ce}}
	}
}

// String returns the string representation of the FetchTool.
func (ft FetchTool) String() string { return string(ft) }

// IsValid reports whether ft is a supported downloader.
func (ft FetchTool) IsValid() (bool, []error) {
	switch ft {
	case FetchToolWget, FetchToolCurl:
		return true, nil
	default:
		return false, []error{fmt.Errorf("%w %q (valid: wget, curl)", ErrInvalidFetchTool, ft)}
	}
}

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig followed by the field errors, so
// errors.Is matches the sentinel and every field-level cause.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// IsValid checks the constraints the schema cannot see after environment
// overrides have been applied.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	if valid, fieldErrs := c.ContainerEngine.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.Build.FetchTool.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if c.DefaultTag != "" && !tagPattern.MatchString(c.DefaultTag) {
		errs = append(errs, fmt.Errorf("default_tag %q is not a valid image reference", c.DefaultTag))
	}
	if c.Build.Retries < 1 || c.Build.Retries > maxRetries {
		errs = append(errs, fmt.Errorf("build.retries must be between 1 and %d, got %d", maxRetries, c.Build.Retries))
	}
	if c.Harness.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("harness.tolerance must be positive, got %g", c.Harness.Tolerance))
	}
	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine: ContainerEngineDocker,
		DefaultTag:      DefaultTag,
		UI:              UIConfig{Verbose: false},
		Build: BuildConfig{
			Retries:       DefaultRetries,
			VerifyCleanup: true,
			FetchTool:     FetchToolWget,
		},
		Harness: HarnessConfig{Tolerance: DefaultTolerance},
	}
}
