// SPDX-License-Identifier: MPL-2.0

package stackfile

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// ErrInvalid is wrapped by every ValidationError.
var ErrInvalid = errors.New("invalid stackfile")

// exactVersion accepts "3.20.5", "2.10.1", "1.26.4-1ubuntu1", "v0.9"; it
// rejects ranges, wildcards and blanks.
var exactVersion = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z.+_~:-]*$`)

// snapshotID is the timestamp form snapshot.ubuntu.com serves, such as
// "20240501T000000Z".
var snapshotID = regexp.MustCompile(`^[0-9]{8}T[0-9]{6}Z$`)

type (
	// Problem is a single validation failure.
	Problem struct {
		Field   string
		Message string
	}

	// ValidationError collects every problem found in a stackfile.
	ValidationError struct {
		Path     string
		Problems []Problem
	}
)

func (p Problem) String() string {
	return p.Field + ": " + p.Message
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		lines[i] = p.String()
	}
	if len(lines) == 1 {
		return fmt.Sprintf("%s: %s", e.Path, lines[0])
	}
	return fmt.Sprintf("%s: %d problems:\n  %s", e.Path, len(lines), strings.Join(lines, "\n  "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// IsExactVersion reports whether v pins a single version.
func IsExactVersion(v string) bool {
	return v != "" && !strings.EqualFold(v, "latest") && exactVersion.MatchString(v)
}

// IsPinnedImage reports whether ref names an image by sha256 digest. Tags
// move, so "ubuntu:22.04" alone is not pinned.
func IsPinnedImage(ref string) bool {
	i := strings.LastIndex(ref, "@")
	if i <= 0 {
		return false
	}
	d, err := digest.Parse(ref[i+1:])
	return err == nil && d.Algorithm() == digest.SHA256
}

// IsSnapshotID reports whether v names an Ubuntu archive snapshot.
func IsSnapshotID(v string) bool {
	return snapshotID.MatchString(v)
}

// pinnedPipFlags keep a source build's pip from resolving dependencies or
// build backends on its own.
var pinnedPipFlags = []string{"--no-deps", "--no-build-isolation"}

// Validate checks the rules the schema does not cover. Parent references and
// cycles are checked by the pipeline registry.
func (s *Stackfile) Validate() error {
	var problems []Problem
	add := func(field, format string, args ...any) {
		problems = append(problems, Problem{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !IsPinnedImage(s.BaseImage) {
		add("base_image", "%q must carry a sha256 digest, as in ubuntu:22.04@sha256:<hex>", s.BaseImage)
	}

	byName := make(map[string]*Stage, len(s.Stages))
	for i := range s.Stages {
		if _, dup := byName[s.Stages[i].Name]; !dup {
			byName[s.Stages[i].Name] = &s.Stages[i]
		}
	}
	// ancestorDeclares reports whether a stage above st declares name. The
	// walk is bounded so a parent cycle cannot loop; the registry reports
	// cycles.
	ancestorDeclares := func(st *Stage, name string) bool {
		cur := st
		for range len(s.Stages) {
			parent, ok := byName[cur.Parent]
			if cur.Parent == "" || !ok {
				return false
			}
			if _, ok := parent.Arg(name); ok {
				return true
			}
			cur = parent
		}
		return false
	}

	seen := make(map[string]int)
	for i := range s.Stages {
		st := &s.Stages[i]
		field := fmt.Sprintf("stages[%d]", i)

		if prev, dup := seen[st.Name]; dup {
			add(field+".name", "duplicate stage name %q (also stages[%d])", st.Name, prev)
		}
		seen[st.Name] = i

		if st.Parent == st.Name {
			add(field+".parent", "stage %q cannot extend itself", st.Name)
		}

		argSeen := make(map[string]bool)
		for j, a := range st.Args {
			af := fmt.Sprintf("%s.args[%d]", field, j)
			if argSeen[a.Name] {
				add(af, "duplicate argument %q", a.Name)
			}
			argSeen[a.Name] = true
			if a.Default == "" && !a.Optional && !ancestorDeclares(st, a.Name) {
				add(af+".default", "argument %q needs a default, optional: true or a declaring ancestor", a.Name)
			}
			if a.Name == AptSnapshotArg && a.Default != "" && !IsSnapshotID(a.Default) {
				add(af+".default", "%s must be a snapshot timestamp such as 20240501T000000Z, got %q", AptSnapshotArg, a.Default)
			}
		}

		if st.UsesApt() {
			if _, ok := st.Arg(AptSnapshotArg); !ok {
				add(field+".args", "stage %q installs apt packages and must declare %s so the archive is pinned", st.Name, AptSnapshotArg)
			}
		}

		for j, p := range st.Packages {
			pf := fmt.Sprintf("%s.packages[%d]", field, j)
			switch p.Method {
			case MethodPip, MethodSource:
				if !IsExactVersion(p.Version) {
					add(pf+".version", "%s package %q must pin an exact version, got %q", p.Method, p.Name, p.Version)
				}
			case MethodSystem:
				if p.Version != "" && !IsExactVersion(p.Version) {
					add(pf+".version", "system package %q has an invalid version %q", p.Name, p.Version)
				}
			}
			if p.Method == MethodSource {
				if p.URL == "" {
					add(pf+".url", "source package %q needs a url", p.Name)
				}
				if len(p.Build) == 0 {
					add(pf+".build", "source package %q needs build commands", p.Name)
				}
				for k, cmd := range p.Build {
					if !strings.Contains(cmd, "pip install") {
						continue
					}
					for _, flag := range pinnedPipFlags {
						if !strings.Contains(cmd, flag) {
							add(fmt.Sprintf("%s.build[%d]", pf, k), "pip install must pass %s so dependencies come only from pinned packages", flag)
						}
					}
				}
			} else if p.URL != "" || len(p.Build) > 0 || len(p.BuildDeps) > 0 {
				add(pf, "url, build and build_deps only apply to source packages")
			}
		}

		switch st.Kind {
		case KindNumLib:
			if st.NumLib == nil {
				add(field+".numlib", "numlib stage %q needs a numlib block", st.Name)
				break
			}
			validateNumLib(st, field+".numlib", add)
		default:
			if st.NumLib != nil {
				add(field+".numlib", "only numlib stages may declare a numlib block")
			}
		}

		if st.Kind == KindBase && st.Parent != "" {
			add(field+".kind", "base stage %q cannot have a parent", st.Name)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Path: s.FilePath, Problems: problems}
	}
	return nil
}

func validateNumLib(st *Stage, field string, add func(field, format string, args ...any)) {
	nl := st.NumLib
	arg, ok := st.Arg(nl.VersionArg)
	switch {
	case !ok:
		add(field+".version_arg", "argument %q is not declared by stage %q", nl.VersionArg, st.Name)
	case !IsExactVersion(arg.Default):
		add(field+".version_arg", "argument %q must default to an exact version, got %q", nl.VersionArg, arg.Default)
	}
	if !strings.Contains(nl.URL, "{version}") {
		add(field+".url", "url must contain the {version} placeholder")
	}
	for _, p := range checkSubpackages(nl.Subpackages, nl.ScalarType) {
		add(field+".subpackages", "%s", p)
	}
}
