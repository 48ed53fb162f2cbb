// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"

	"github.com/optstack/optstack/internal/provision"
)

// TraceCommand is a command a stage build would execute.
type TraceCommand struct {
	Stage string
	Phase provision.Phase
	Args  []string
}

func (c TraceCommand) String() string {
	return strings.Join(c.Args, " ")
}

// hostSensitive builtins inspect or change the host filesystem; the trace
// records them and replaces them with a no-op.
var hostSensitive = map[string]bool{
	"cd":   true,
	"test": true,
	"[":    true,
}

// Trace dry-runs every RUN step of the plan in a virtual shell. External
// commands are recorded rather than executed, redirections go nowhere and
// each stage sees its resolved arguments and inherited environment. Nothing
// on the host is touched.
func Trace(ctx context.Context, plan *Plan) ([]TraceCommand, error) {
	var out []TraceCommand
	inherited := make(map[string]string)

	for _, sp := range plan.Stages {
		d := sp.Dockerfile
		env := []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin", "HOME=/root"}
		for _, k := range sortedEnvKeys(inherited) {
			env = append(env, k+"="+inherited[k])
		}
		for _, a := range d.Args {
			env = append(env, a.Name+"="+a.Value)
		}

		for _, step := range d.AllSteps() {
			cmds, err := traceStep(ctx, d.Stage, step, env)
			if err != nil {
				return out, err
			}
			out = append(out, cmds...)
		}
		for k, v := range d.Env {
			inherited[k] = v
		}
	}
	return out, nil
}

func traceStep(ctx context.Context, stage string, step provision.Step, env []string) ([]TraceCommand, error) {
	prog, err := provision.ParseScript(step.Script(), stage)
	if err != nil {
		return nil, &provision.ShellError{Stage: stage, Phase: step.Phase, Err: err}
	}

	// Pipelines run their sides concurrently.
	var (
		mu   sync.Mutex
		cmds []TraceCommand
	)
	record := func(args []string) {
		mu.Lock()
		defer mu.Unlock()
		cmds = append(cmds, TraceCommand{Stage: stage, Phase: step.Phase, Args: append([]string(nil), args...)})
	}

	runner, err := interp.New(
		interp.Dir("/"),
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, io.Discard, io.Discard),
		interp.CallHandler(func(_ context.Context, args []string) ([]string, error) {
			if len(args) > 0 && hostSensitive[args[0]] {
				record(args)
				return []string{":"}, nil
			}
			return args, nil
		}),
		interp.ExecHandlers(func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
			return func(_ context.Context, args []string) error {
				record(args)
				return nil
			}
		}),
		interp.OpenHandler(func(context.Context, string, int, os.FileMode) (io.ReadWriteCloser, error) {
			return nopFile{}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", stage, err)
	}
	if err := runner.Run(ctx, prog); err != nil {
		return cmds, fmt.Errorf("trace %s %s step: %w", stage, step.Phase, err)
	}
	return cmds, nil
}

// nopFile is the target of every redirection during a trace.
type nopFile struct{}

func (nopFile) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopFile) Write(b []byte) (int, error) { return len(b), nil }
func (nopFile) Close() error                { return nil }

func sortedEnvKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
