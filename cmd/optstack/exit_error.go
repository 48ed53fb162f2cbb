// SPDX-License-Identifier: MPL-2.0

package cmd

import "strconv"

// Process exit codes. A command run inside the artifact (shell) passes its
// own status through instead.
const (
	exitFailure = 1
	exitUsage   = 2
)

// ExitError carries the status the process should exit with. RunE handlers
// return it so that only Execute calls os.Exit.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit status " + strconv.Itoa(e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }
