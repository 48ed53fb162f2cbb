// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StepMarker prefixes the progress lines printed by rendered RUN steps.
const StepMarker = "optstack-step="

const (
	PhaseFetch     Phase = "fetch"
	PhaseExtract   Phase = "extract"
	PhaseConfigure Phase = "configure"
	PhaseCompile   Phase = "compile"
	PhaseInstall   Phase = "install"
	PhaseCleanup   Phase = "cleanup"
)

type (
	// Phase names the part of a stage build a RUN step belongs to.
	Phase string

	// Arg is a resolved build argument.
	Arg struct {
		Name  string
		Value string
	}

	// Step is one RUN instruction.
	Step struct {
		Phase    Phase
		Commands []string
		// Strict prepends "set -e" so the first failing command fails the step.
		Strict bool
	}

	// ContextFile is a host file copied into the build context.
	ContextFile struct {
		// HostPath is the resolved source on the host.
		HostPath string
		// ContextPath is the slash-separated path inside the build context.
		ContextPath string
		// Dest is the absolute path inside the image.
		Dest string
		// Mode is the optional octal mode applied with COPY --chmod.
		Mode string
	}

	// Dockerfile is the rendered build of one stage.
	Dockerfile struct {
		Stage   string
		From    string
		Args    []Arg
		Labels  map[string]string
		Steps   []Step
		Files   []ContextFile
		Env     map[string]string
		Workdir string
		// Purge removes the transient packages; nil when the stage has
		// none. It runs from an EXIT trap inside the same RUN as Steps, so
		// no layer ever holds the transient packages.
		Purge *Step
		// Transient lists the build-only packages the stage installs.
		Transient []string
	}
)

// Script returns the step as a standalone shell script.
func (s Step) Script() string {
	var sb strings.Builder
	if s.Strict {
		sb.WriteString("set -e\n")
	}
	for _, c := range s.Commands {
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// run formats the step as a Dockerfile RUN instruction.
func (s Step) run() string {
	cmds := s.Commands
	if s.Strict {
		cmds = append([]string{"set -e"}, cmds...)
	}
	return "RUN " + strings.Join(cmds, "; \\\n    ")
}

// purgeFunc names the shell function the fused RUN traps on exit.
const purgeFunc = "optstack_purge"

// Runs returns the RUN instructions as rendered. A stage with a purge gets
// a single strict RUN that installs, builds and purges, with the purge
// trapped on exit so it also runs when a command fails. The exit status of
// the failing command is kept.
func (d *Dockerfile) Runs() []Step {
	if d.Purge == nil {
		return append([]Step(nil), d.Steps...)
	}
	body := append([]string{"rc=$?", "set +e"}, d.Purge.Commands...)
	body = append(body, `exit "$rc"`)
	cmds := []string{
		purgeFunc + "() { " + strings.Join(body, "; ") + "; }",
		"trap " + purgeFunc + " EXIT",
	}
	phase := d.Purge.Phase
	for _, s := range d.Steps {
		cmds = append(cmds, s.Commands...)
		phase = s.Phase
	}
	return []Step{{Phase: phase, Strict: true, Commands: cmds}}
}

// String renders the Dockerfile text. The output is deterministic for equal
// inputs.
func (d *Dockerfile) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# optstack stage %q\n", d.Stage)
	fmt.Fprintf(&sb, "FROM %s\n\n", d.From)

	sb.WriteString("ARG DEBIAN_FRONTEND=noninteractive\n")
	for _, a := range d.Args {
		fmt.Fprintf(&sb, "ARG %s=%s\n", a.Name, strconv.Quote(a.Value))
	}
	sb.WriteByte('\n')

	if len(d.Labels) > 0 {
		sb.WriteString("LABEL")
		for _, k := range sortedKeys(d.Labels) {
			fmt.Fprintf(&sb, " \\\n    %s=%s", k, strconv.Quote(d.Labels[k]))
		}
		sb.WriteString("\n\n")
	}

	for _, s := range d.Runs() {
		sb.WriteString(s.run())
		sb.WriteString("\n\n")
	}

	for _, f := range d.Files {
		if f.Mode != "" {
			fmt.Fprintf(&sb, "COPY --chmod=%s %s %s\n", f.Mode, f.ContextPath, f.Dest)
		} else {
			fmt.Fprintf(&sb, "COPY %s %s\n", f.ContextPath, f.Dest)
		}
	}
	if len(d.Files) > 0 {
		sb.WriteByte('\n')
	}

	if len(d.Env) > 0 {
		sb.WriteString("ENV")
		for _, k := range sortedKeys(d.Env) {
			fmt.Fprintf(&sb, " \\\n    %s=%s", k, strconv.Quote(d.Env[k]))
		}
		sb.WriteString("\n\n")
	}

	if d.Workdir != "" {
		fmt.Fprintf(&sb, "WORKDIR %s\n", d.Workdir)
	}

	return sb.String()
}

// Script concatenates every RUN step, purge included, into one shell script
// in execution order.
func (d *Dockerfile) Script() string {
	var sb strings.Builder
	for _, s := range d.AllSteps() {
		fmt.Fprintf(&sb, "# %s\n", s.Phase)
		sb.WriteString(s.Script())
	}
	return sb.String()
}

// AllSteps returns the steps in execution order on success, purge last.
func (d *Dockerfile) AllSteps() []Step {
	steps := append([]Step(nil), d.Steps...)
	if d.Purge != nil {
		steps = append(steps, *d.Purge)
	}
	return steps
}

// BuildArgs returns the resolved arguments as an engine build-arg map.
func (d *Dockerfile) BuildArgs() map[string]string {
	out := make(map[string]string, len(d.Args))
	for _, a := range d.Args {
		out[a.Name] = a.Value
	}
	return out
}

// ArgValue returns the resolved value of the argument name.
func (d *Dockerfile) ArgValue(name string) (string, bool) {
	for _, a := range d.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
