// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/optstack/optstack/internal/provision"
	"github.com/optstack/optstack/pkg/stackfile"
)

// ResolvedArg is a build argument after defaults and overrides.
type ResolvedArg struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
	// Stage is the stage declaring the argument.
	Stage      string `toml:"stage"`
	Overridden bool   `toml:"overridden,omitempty"`
}

// ParseBuildArgs parses repeated NAME=value flags. A later flag wins.
func ParseBuildArgs(flags []string) (map[string]string, error) {
	out := make(map[string]string, len(flags))
	for _, f := range flags {
		name, value, ok := strings.Cut(f, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q is not NAME=value", ErrInvalidArgument, f)
		}
		out[name] = value
	}
	return out, nil
}

// resolveArgs returns, per chain position, the arguments the stage itself
// declares. An argument is scoped to its declaring stage: descendants only
// see it by re-declaring it. A re-declaration without a default takes the
// value its nearest declaring ancestor resolved. An override replaces the
// value in every declaring stage. Overrides no chain stage declares are
// rejected before anything is rendered.
func resolveArgs(reg *Registry, chain []int, overrides map[string]string) ([][]provision.Arg, []ResolvedArg, error) {
	declared := make(map[string]bool)
	for _, i := range chain {
		for _, a := range reg.Stage(i).Args {
			declared[a.Name] = true
		}
	}
	var unknown []string
	for name := range overrides {
		if !declared[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownArgument, strings.Join(unknown, ", "))
	}

	perStage := make([][]provision.Arg, len(chain))
	var resolved []ResolvedArg
	// nearest holds the value of each argument at the deepest declaring
	// stage seen so far.
	nearest := make(map[string]string)

	for ci, i := range chain {
		st := reg.Stage(i)
		args := make([]provision.Arg, 0, len(st.Args))
		for _, a := range st.Args {
			value, overridden := overrides[a.Name]
			if !overridden {
				value = a.Default
				if value == "" {
					value = nearest[a.Name]
				}
			}
			if value == "" && !a.Optional {
				return nil, nil, fmt.Errorf("%w: %s (stage %q) requires a value", ErrInvalidArgument, a.Name, st.Name)
			}
			nearest[a.Name] = value
			args = append(args, provision.Arg{Name: a.Name, Value: value})
			resolved = append(resolved, ResolvedArg{Name: a.Name, Value: value, Stage: st.Name, Overridden: overridden})
		}

		for _, a := range args {
			if a.Name == stackfile.AptSnapshotArg && !stackfile.IsSnapshotID(a.Value) {
				return nil, nil, fmt.Errorf("%w: %s=%q is not a snapshot timestamp", ErrInvalidArgument, a.Name, a.Value)
			}
		}
		if nl := st.NumLib; nl != nil {
			for _, a := range args {
				if a.Name == nl.VersionArg && !stackfile.IsExactVersion(a.Value) {
					return nil, nil, fmt.Errorf("%w: %s=%q must be an exact version", ErrInvalidArgument, nl.VersionArg, a.Value)
				}
			}
		}
		perStage[ci] = args
	}

	return perStage, resolved, nil
}
