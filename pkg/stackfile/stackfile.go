// SPDX-License-Identifier: MPL-2.0

package stackfile

import (
	"fmt"
	"strings"
)

// FileName is the default stackfile name looked up in the working directory.
const FileName = "stackfile.cue"

// AptSnapshotArg is the build argument selecting the Ubuntu archive snapshot
// every apt step installs from. Stages that use apt must declare it.
const AptSnapshotArg = "APT_SNAPSHOT"

const (
	// KindBase installs OS packages, compilers, MPI and Python tooling.
	KindBase StageKind = "base"
	// KindNumLib builds the numerical library from a pinned source archive.
	KindNumLib StageKind = "numlib"
	// KindOptLayer installs the Python optimization packages.
	KindOptLayer StageKind = "optlayer"

	// MethodSystem installs through the OS package manager.
	MethodSystem InstallMethod = "system"
	// MethodSource fetches, builds and installs a source archive.
	MethodSource InstallMethod = "source"
	// MethodPip installs a binary distribution with pip.
	MethodPip InstallMethod = "pip"

	ScalarReal    ScalarType = "real"
	ScalarComplex ScalarType = "complex"
)

type (
	// StageKind selects the builder that renders a stage.
	StageKind string

	// InstallMethod is how a Requirement gets installed.
	InstallMethod string

	// ScalarType is the numerical library's scalar field.
	ScalarType string

	// Stackfile is a decoded stackfile.cue.
	Stackfile struct {
		Name      string  `json:"name"`
		BaseImage string  `json:"base_image"`
		Workdir   string  `json:"workdir"`
		Stages    []Stage `json:"stages"`
		Harness   Harness `json:"harness"`

		// FilePath is where the stackfile was read from. Stage files are
		// resolved relative to its directory.
		FilePath string `json:"-"`
	}

	// Stage is one step of the pipeline.
	Stage struct {
		Name        string            `json:"name"`
		Parent      string            `json:"parent,omitempty"`
		Kind        StageKind         `json:"kind"`
		Description string            `json:"description,omitempty"`
		Args        []BuildArg        `json:"args,omitempty"`
		Packages    []Requirement     `json:"packages,omitempty"`
		Transient   []string          `json:"transient,omitempty"`
		Env         map[string]string `json:"env,omitempty"`
		Files       []File            `json:"files,omitempty"`
		Imports     []string          `json:"imports,omitempty"`
		NumLib      *NumLib           `json:"numlib,omitempty"`
	}

	// BuildArg is an argument declared by a stage.
	BuildArg struct {
		Name        string `json:"name"`
		Default     string `json:"default"`
		Description string `json:"description,omitempty"`
		// Optional allows an empty default.
		Optional bool `json:"optional,omitempty"`
	}

	// Requirement is a pinned package.
	Requirement struct {
		Name    string        `json:"name"`
		Version string        `json:"version,omitempty"`
		Method  InstallMethod `json:"method"`
		// URL is the source archive location for MethodSource. "{version}"
		// is replaced with Version.
		URL string `json:"url,omitempty"`
		// Build lists the shell commands run inside the extracted tree.
		Build []string `json:"build,omitempty"`
		// BuildDeps are system packages needed only while building.
		BuildDeps []string `json:"build_deps,omitempty"`
	}

	// NumLib configures the numerical library build of a KindNumLib stage.
	NumLib struct {
		// VersionArg names the stage argument holding the pinned version.
		VersionArg       string       `json:"version_arg"`
		URL              string       `json:"url"`
		ScalarType       ScalarType   `json:"scalar_type"`
		Subpackages      []Subpackage `json:"subpackages,omitempty"`
		Prefix           string       `json:"prefix"`
		ExportVar        string       `json:"export_var"`
		ConfigureOptions []string     `json:"configure_options,omitempty"`
	}

	// File is a host file copied into a stage.
	File struct {
		Src  string `json:"src"`
		Dest string `json:"dest"`
		Mode string `json:"mode,omitempty"`
	}

	// Harness describes the example benchmark entry point in the artifact.
	Harness struct {
		Script   string `json:"script"`
		Launcher string `json:"launcher"`
		Python   string `json:"python"`
	}
)

func (k StageKind) String() string { return string(k) }

func (m InstallMethod) String() string { return string(m) }

// Stage returns the stage named name.
func (s *Stackfile) Stage(name string) (*Stage, bool) {
	for i := range s.Stages {
		if s.Stages[i].Name == name {
			return &s.Stages[i], true
		}
	}
	return nil, false
}

// Last returns the name of the last declared stage, the default build target.
func (s *Stackfile) Last() string {
	if len(s.Stages) == 0 {
		return ""
	}
	return s.Stages[len(s.Stages)-1].Name
}

// Arg returns the argument named name declared by the stage.
func (st *Stage) Arg(name string) (BuildArg, bool) {
	for _, a := range st.Args {
		if a.Name == name {
			return a, true
		}
	}
	return BuildArg{}, false
}

// PackagesBy returns the stage's requirements installed with method, in declaration order.
func (st *Stage) PackagesBy(method InstallMethod) []Requirement {
	var out []Requirement
	for _, p := range st.Packages {
		if p.Method == method {
			out = append(out, p)
		}
	}
	return out
}

// TransientSet returns every build-only package the stage installs: the
// declared transient list plus the build deps of its source requirements.
// The result is deduplicated and keeps first-seen order.
func (st *Stage) TransientSet() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	add(st.Transient)
	for _, p := range st.PackagesBy(MethodSource) {
		add(p.BuildDeps)
	}
	return out
}

// UsesApt reports whether rendering the stage runs apt: system packages,
// transient packages, or a download tool for numlib and source builds.
func (st *Stage) UsesApt() bool {
	return st.Kind == KindNumLib ||
		len(st.PackagesBy(MethodSystem)) > 0 ||
		len(st.PackagesBy(MethodSource)) > 0 ||
		len(st.TransientSet()) > 0
}

// Spec returns the requirement as the package manager expects it:
// "name==version" for pip, "name=version" for apt, "name" when unversioned.
func (r Requirement) Spec() string {
	if r.Version == "" {
		return r.Name
	}
	switch r.Method {
	case MethodPip:
		return r.Name + "==" + r.Version
	case MethodSystem:
		return r.Name + "=" + r.Version
	default:
		return r.Name + "-" + r.Version
	}
}

// SourceURL returns URL with the version substituted.
func (r Requirement) SourceURL() string {
	return strings.ReplaceAll(r.URL, "{version}", r.Version)
}

func (r Requirement) String() string {
	return fmt.Sprintf("%s (%s)", r.Spec(), r.Method)
}
