// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/optstack/optstack/internal/provision"
)

var (
	// ErrFetch means a pinned download was unavailable or corrupt.
	ErrFetch = errors.New("fetch failed")
	// ErrCompile means configuring or compiling a source package failed.
	ErrCompile = errors.New("compile failed")
	// ErrInstall means installing a package failed.
	ErrInstall = errors.New("install failed")
	// ErrCleanup means transient packages survived the purge. It is only
	// ever reported as a warning.
	ErrCleanup = errors.New("cleanup incomplete")

	// ErrInvalidStackfile is returned for a stage registry that cannot be built.
	ErrInvalidStackfile = errors.New("invalid stackfile")
	// ErrCycle is returned when parent references loop.
	ErrCycle = errors.New("stage cycle")
	// ErrUnknownStage is returned for a target or parent that names no stage.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrUnknownArgument is returned for an override no stage in the chain declares.
	ErrUnknownArgument = errors.New("unknown build argument")
	// ErrInvalidArgument is returned for a malformed or unpinned argument value.
	ErrInvalidArgument = errors.New("invalid build argument")
)

type (
	// StageError is a failed stage build. It unwraps to both the failure
	// kind (ErrFetch, ErrCompile, ErrInstall) and the engine error.
	StageError struct {
		Stage string
		Kind  error
		Err   error
		// Output is the tail of the build output.
		Output string
	}

	// CleanupWarning reports a stage whose transient packages were not
	// fully removed. It unwraps to ErrCleanup.
	CleanupWarning struct {
		Stage       string
		PurgeFailed bool
		Leftovers   []string
		// Err is set when the check itself could not run.
		Err error
	}
)

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func (w *CleanupWarning) Error() string {
	switch {
	case w.Err != nil:
		return fmt.Sprintf("stage %q: %v: verification did not run: %v", w.Stage, ErrCleanup, w.Err)
	case len(w.Leftovers) > 0:
		return fmt.Sprintf("stage %q: %v: still installed: %s", w.Stage, ErrCleanup, strings.Join(w.Leftovers, ", "))
	default:
		return fmt.Sprintf("stage %q: %v: purge failed", w.Stage, ErrCleanup)
	}
}

func (w *CleanupWarning) Unwrap() error { return ErrCleanup }

var stepPattern = regexp.MustCompile(regexp.QuoteMeta(provision.StepMarker) + `([a-z]+)`)

// fetchHints and compileHints classify output without step markers.
var (
	fetchHints = []string{
		"could not resolve host",
		"unable to resolve host",
		"404 not found",
		"failed to fetch",
		"connection refused",
		"wget: ",
		"curl: (",
		"gzip: stdin: not in gzip format",
	}
	compileHints = []string{
		"configure: error",
		"configuration failed",
		"make: ***",
		"compilation terminated",
		"error: command 'gcc' failed",
	}
)

// Classify maps build output to a failure kind. The last step marker the
// build printed wins, cleanup markers aside. Without markers the output is
// searched for well-known messages, falling back to ErrInstall.
func Classify(output string) error {
	// The purge trap prints its cleanup marker after a failed command, so
	// cleanup markers never decide the category.
	var last provision.Phase
	for _, m := range stepPattern.FindAllStringSubmatch(output, -1) {
		if p := provision.Phase(m[1]); p != provision.PhaseCleanup {
			last = p
		}
	}
	switch last {
	case "":
	case provision.PhaseFetch, provision.PhaseExtract:
		return ErrFetch
	case provision.PhaseConfigure, provision.PhaseCompile:
		return ErrCompile
	default:
		return ErrInstall
	}

	lower := strings.ToLower(output)
	for _, h := range fetchHints {
		if strings.Contains(lower, h) {
			return ErrFetch
		}
	}
	for _, h := range compileHints {
		if strings.Contains(lower, h) {
			return ErrCompile
		}
	}
	return ErrInstall
}
