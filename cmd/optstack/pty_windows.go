// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"io"
	"os/exec"
)

// runAttached runs c with the caller's streams; the engine allocates the
// console itself.
func runAttached(c *exec.Cmd, stdin io.Reader, stdout io.Writer) (int, error) {
	c.Stdin = stdin
	c.Stdout = stdout
	c.Stderr = stdout
	return exitCode(c.Run())
}
