// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/optstack/optstack/internal/container"
	"github.com/optstack/optstack/pkg/stackfile"
)

// Check names used in a Verification.
const (
	CheckWorkdir  = "workdir"
	CheckImports  = "imports"
	CheckLauncher = "launcher"
	CheckNumLib   = "numlib"
)

// launcherCheckProcs is how many processes the launcher check spawns.
const launcherCheckProcs = 2

type (
	// Check is one artifact property.
	Check struct {
		Name   string
		OK     bool
		Detail string
	}

	// Verification lists the checks run against an artifact.
	Verification struct {
		Image  string
		Checks []Check
	}
)

// OK reports whether every check passed.
func (v *Verification) OK() bool {
	for _, c := range v.Checks {
		if !c.OK {
			return false
		}
	}
	return len(v.Checks) > 0
}

// Failed returns the checks that did not pass.
func (v *Verification) Failed() []Check {
	var out []Check
	for _, c := range v.Checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

// Imports returns the Python modules every stage declares importable,
// deduplicated in declaration order.
func Imports(sf *stackfile.Stackfile) []string {
	seen := make(map[string]bool)
	var out []string
	for _, st := range sf.Stages {
		for _, m := range st.Imports {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// Verify checks the runtime surface of image: the working directory, the
// interpreter with every declared module importable, a launcher able to
// spawn processes and each numerical library prefix exported in the image
// environment. Failed checks are reported in the Verification; the error is
// reserved for an engine that cannot run the image at all.
func (r *Runner) Verify(ctx context.Context, image string) (*Verification, error) {
	exists, err := r.engine.ImageExists(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", image, err)
	}
	if !exists {
		return nil, fmt.Errorf("image %s not found; build it first", image)
	}

	v := &Verification{Image: image}

	workdir := path.Clean(r.stack.Workdir)
	out, c, err := r.runCheck(ctx, CheckWorkdir, image, "pwd")
	if err != nil {
		return nil, err
	}
	if c.OK && out != workdir {
		c.OK, c.Detail = false, fmt.Sprintf("working directory is %s, want %s", out, workdir)
	} else if c.OK {
		c.Detail = workdir
	}
	v.Checks = append(v.Checks, c)

	if mods := Imports(r.stack); len(mods) > 0 {
		_, c, err = r.runCheck(ctx, CheckImports, image, r.python()+" -c "+strconv.Quote("import "+strings.Join(mods, ", ")))
		if err != nil {
			return nil, err
		}
		if c.OK {
			c.Detail = strings.Join(mods, " ")
		}
		v.Checks = append(v.Checks, c)
	}

	_, c, err = r.runCheck(ctx, CheckLauncher, image, fmt.Sprintf("%s -n %d true", r.launcher(), launcherCheckProcs))
	if err != nil {
		return nil, err
	}
	if c.OK {
		c.Detail = fmt.Sprintf("%s spawned %d processes", r.launcher(), launcherCheckProcs)
	}
	v.Checks = append(v.Checks, c)

	numlibs, err := r.numlibChecks(ctx, image)
	if err != nil {
		return nil, err
	}
	v.Checks = append(v.Checks, numlibs...)

	for _, c := range v.Checks {
		r.logger.Debug("verify", "image", image, "check", c.Name, "ok", c.OK, "detail", c.Detail)
	}
	return v, nil
}

func (r *Runner) numlibChecks(ctx context.Context, image string) ([]Check, error) {
	var checks []Check
	var env map[string]string
	for _, st := range r.stack.Stages {
		nl := st.NumLib
		if nl == nil {
			continue
		}
		if env == nil {
			var err error
			if env, err = r.engine.ImageEnv(ctx, image); err != nil {
				return nil, fmt.Errorf("inspect environment of %s: %w", image, err)
			}
		}
		exportVar := nl.ExportVar
		if exportVar == "" {
			exportVar = "PETSC_DIR"
		}
		name := CheckNumLib + ":" + st.Name

		got, ok := env[exportVar]
		switch {
		case !ok:
			checks = append(checks, Check{Name: name, Detail: exportVar + " is not set"})
			continue
		case got != nl.Prefix:
			checks = append(checks, Check{Name: name, Detail: fmt.Sprintf("%s=%s, want %s", exportVar, got, nl.Prefix)})
			continue
		}

		_, c, err := r.runCheck(ctx, name, image, fmt.Sprintf(`test -d "$%s/lib"`, exportVar))
		if err != nil {
			return nil, err
		}
		if c.OK {
			c.Detail = exportVar + "=" + got
		} else {
			c.Detail = fmt.Sprintf("%s/lib is missing: %s", got, c.Detail)
		}
		checks = append(checks, c)
	}
	return checks, nil
}

// runCheck runs script with sh in a throwaway container. A non-zero exit fails
// the check; an engine error is returned.
func (r *Runner) runCheck(ctx context.Context, name, image, script string) (string, Check, error) {
	var stdout, stderr bytes.Buffer
	res, err := r.runWithRetry(ctx, container.RunOptions{
		Image:   image,
		Command: []string{"sh", "-c", script},
		Remove:  true,
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	if err != nil {
		return "", Check{}, fmt.Errorf("verify %s in %s: %w", name, image, err)
	}

	out := strings.TrimSpace(stdout.String())
	c := Check{Name: name, OK: res.ExitCode == 0}
	if !c.OK {
		c.Detail = strings.TrimSpace(stderr.String())
		if c.Detail == "" {
			c.Detail = fmt.Sprintf("exit code %d", res.ExitCode)
		}
	}
	return out, c, nil
}
